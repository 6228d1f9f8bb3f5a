package orchestrator

import (
	"context"
	"sync"
	"time"
)

// idleWatchdog records the last time the merger advanced and fires if more
// than its timeout elapses without progress (spec.md §4.I).
type idleWatchdog struct {
	timeout time.Duration

	mu       sync.Mutex
	lastTick time.Time
}

func newIdleWatchdog(timeout time.Duration) *idleWatchdog {
	return &idleWatchdog{timeout: timeout, lastTick: time.Now()}
}

// Tick records progress; call it from the merger's onAdvance callback.
func (d *idleWatchdog) Tick() {
	d.mu.Lock()
	d.lastTick = time.Now()
	d.mu.Unlock()
}

// Wait blocks until either the idle timeout elapses with no Tick (returns
// true), or ctx is cancelled (returns false).
func (d *idleWatchdog) Wait(ctx context.Context) bool {
	ticker := time.NewTicker(d.timeout / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			d.mu.Lock()
			since := time.Since(d.lastTick)
			d.mu.Unlock()
			if since >= d.timeout {
				return true
			}
		}
	}
}
