package router

import (
	"context"
	"sync"
	"time"
)

// Janitor periodically removes stale execution contexts. It satisfies the
// managed component contract (Start, Stop, IsRunning) so it can be
// registered with the resource coordinator.
type Janitor struct {
	router   *Router
	interval time.Duration
	maxAge   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a sweeper running every interval.
func NewJanitor(r *Router, interval, maxAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Janitor{router: r, interval: interval, maxAge: maxAge}
}

// Start launches the sweep goroutine. Starting a running janitor is a no-op.
func (j *Janitor) Start(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})
	go j.loop(ctx, j.done)
	return nil
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.router.CleanupStale(j.maxAge)
		}
	}
}

// Stop halts the sweep goroutine and waits for it until ctx ends.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the sweep goroutine is active.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancel != nil
}
