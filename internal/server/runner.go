package server

import (
	"context"
	"errors"
	"sync"
)

// Runner is a component driven by a context until it is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// RunnerService adapts a Runner to Service. Stop cancels the Runner's context
// and waits for Run to return.
type RunnerService struct {
	runner Runner

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewRunnerService wraps r.
//
// Precondition: r must be non-nil.
func NewRunnerService(r Runner) *RunnerService {
	return &RunnerService{runner: r, done: make(chan struct{})}
}

// Start runs the Runner until Stop. Cancellation is not an error.
func (s *RunnerService) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		close(s.done)
		return nil
	}
	s.cancel = cancel
	s.mu.Unlock()

	defer close(s.done)
	err := s.runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Stop cancels the Runner and waits for it to return. Safe to call before
// Start; the later Start returns at once.
func (s *RunnerService) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-s.done
}
