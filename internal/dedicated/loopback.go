package dedicated

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/lobby/internal/game/match"
)

type loopbackMatch struct {
	users   []string
	timers  []*time.Timer
	started time.Time
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*Loopback)

// WithEndpoint sets the host and port reported to users of every loopback
// match. The default is 127.0.0.1:7777.
func WithEndpoint(host string, port int) LoopbackOption {
	return func(l *Loopback) {
		l.host = host
		l.port = port
	}
}

// Loopback is an in-process match service. Spawns and user additions succeed
// after a fixed delay and every match finishes after a fixed duration.
type Loopback struct {
	spawnDelay time.Duration
	duration   time.Duration
	host       string
	port       int
	logger     *zap.Logger

	mu       sync.Mutex
	matches  map[uuid.UUID]*loopbackMatch
	finished match.FinishedFunc
	closed   bool
}

// NewLoopback creates a Loopback service.
//
// Precondition: spawnDelay and duration must be non-negative.
func NewLoopback(spawnDelay, duration time.Duration, logger *zap.Logger, opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		spawnDelay: spawnDelay,
		duration:   duration,
		host:       "127.0.0.1",
		port:       7777,
		logger:     logger,
		matches:    make(map[uuid.UUID]*loopbackMatch),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetFinishedCallback registers the terminal-result callback.
func (l *Loopback) SetFinishedCallback(fn match.FinishedFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finished = fn
}

// Spawn schedules the spawn result and the end of the match.
func (l *Loopback) Spawn(_ context.Context, req match.SpawnRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("spawning %s: service closed", req.MatchID)
	}
	if _, exists := l.matches[req.MatchID]; exists {
		return fmt.Errorf("spawning %s: %w", req.MatchID, ErrMatchExists)
	}
	m := &loopbackMatch{users: append([]string(nil), req.Users...), started: time.Now()}
	l.matches[req.MatchID] = m

	users := m.users
	endpoint := l.endpoint(users)
	m.timers = append(m.timers,
		time.AfterFunc(l.spawnDelay, func() { req.OnResult(req.MatchID, users, endpoint, true) }),
		time.AfterFunc(l.spawnDelay+l.duration, func() { l.finish(req.MatchID) }),
	)
	l.logger.Debug("loopback match spawned", zap.String("match", req.MatchID.String()))
	return nil
}

// AddUsers schedules a successful result for a known match.
func (l *Loopback) AddUsers(_ context.Context, req match.AddUsersRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.matches[req.MatchID]
	if !ok {
		return fmt.Errorf("adding users to %s: %w", req.MatchID, ErrMatchNotFound)
	}
	m.users = append(m.users, req.Users...)
	users := append([]string(nil), req.Users...)
	endpoint := l.endpoint(users)
	m.timers = append(m.timers,
		time.AfterFunc(l.spawnDelay, func() { req.OnResult(req.MatchID, users, endpoint, true) }),
	)
	return nil
}

func (l *Loopback) endpoint(users []string) match.Endpoint {
	return match.Endpoint{Host: l.host, Port: l.port, Tokens: issueTokens(users)}
}

func (l *Loopback) finish(id uuid.UUID) {
	l.mu.Lock()
	m, ok := l.matches[id]
	if ok {
		delete(l.matches, id)
	}
	fn := l.finished
	l.mu.Unlock()
	if !ok || fn == nil {
		return
	}

	users := make([]any, len(m.users))
	for i, u := range m.users {
		users[i] = u
	}
	payload, err := structpb.NewStruct(map[string]any{
		"match_id":    id.String(),
		"users":       users,
		"duration_ms": float64(time.Since(m.started).Milliseconds()),
	})
	if err != nil {
		l.logger.Error("building loopback result", zap.String("match", id.String()), zap.Error(err))
		fn(id, nil, false)
		return
	}
	fn(id, payload, true)
}

// Running returns the number of unfinished loopback matches.
func (l *Loopback) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.matches)
}

// Close cancels every scheduled result. Requests accepted before Close that
// have not completed never report.
func (l *Loopback) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, m := range l.matches {
		for _, t := range m.timers {
			t.Stop()
		}
		delete(l.matches, id)
	}
}
