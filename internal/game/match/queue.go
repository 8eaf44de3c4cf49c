package match

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

type completionKind int

const (
	serviceResult completionKind = iota
	matchFinished
)

// completion is a service callback captured for the orchestrator goroutine.
type completion struct {
	kind      completionKind
	requestID uint64
	matchID   uuid.UUID
	users     []string
	endpoint  Endpoint
	payload   *structpb.Struct
	success   bool
}

// completionQueue is an unbounded FIFO; push never blocks so service
// callbacks can fire from any goroutine.
type completionQueue struct {
	mu    sync.Mutex
	items []completion
	wake  chan struct{}
}

func newCompletionQueue() *completionQueue {
	return &completionQueue{wake: make(chan struct{}, 1)}
}

func (q *completionQueue) push(c completion) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *completionQueue) tryPop() (completion, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return completion{}, false
	}
	c := q.items[0]
	q.items[0] = completion{}
	q.items = q.items[1:]
	return c, true
}

// pop blocks until a completion is available or ctx is done.
func (q *completionQueue) pop(ctx context.Context) (completion, bool) {
	for {
		if c, ok := q.tryPop(); ok {
			return c, true
		}
		select {
		case <-ctx.Done():
			return completion{}, false
		case <-q.wake:
		}
	}
}

func (q *completionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
