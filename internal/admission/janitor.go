package admission

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is the sweep period used when none is configured.
const DefaultCleanupInterval = 30 * time.Second

// Janitor periodically evicts slots held longer than the controller's
// StaleAfter. It is a managed component.
type Janitor struct {
	ctrl     *Controller
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a sweeper for c.
func NewJanitor(c *Controller, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Janitor{ctrl: c, interval: interval}
}

// Start launches the sweep goroutine.
func (j *Janitor) Start(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.ctrl.CleanupStale(0)
			}
		}
	}(j.done)
	return nil
}

// Stop halts the sweeper.
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

// IsRunning reports whether the sweeper is active.
func (j *Janitor) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancel != nil
}
