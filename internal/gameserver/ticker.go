package gameserver

import (
	"context"
	"sync"
	"time"
)

// WorldTicker drives the world: the ready callback fires exactly once when
// the ticker starts, before any tick, then the tick callback fires every
// interval.
//
// Invariant: tick callbacks run sequentially on one goroutine, at most once per interval.
type WorldTicker struct {
	interval time.Duration
	ready    func()
	tick     func(now time.Time)

	once sync.Once
	mu   sync.Mutex
	n    uint64
}

// NewWorldTicker returns a ticker that fires every interval.
//
// Precondition: interval must be > 0; ready and tick must be non-nil.
func NewWorldTicker(interval time.Duration, ready func(), tick func(now time.Time)) *WorldTicker {
	if interval <= 0 {
		panic("gameserver.NewWorldTicker: interval must be > 0")
	}
	return &WorldTicker{
		interval: interval,
		ready:    ready,
		tick:     tick,
	}
}

// Ticks returns the number of ticks fired so far.
func (w *WorldTicker) Ticks() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

// Run fires the ready callback, then ticks until ctx is cancelled. A second
// Run does not fire ready again.
//
// Postcondition: Returns ctx.Err() once ctx is done.
func (w *WorldTicker) Run(ctx context.Context) error {
	w.once.Do(w.ready)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			w.mu.Lock()
			w.n++
			w.mu.Unlock()
			w.tick(now)
		}
	}
}
