package resource

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/graph"
)

// ShutdownReport summarizes one shutdown pass.
type ShutdownReport struct {
	CorrelationID string          `json:"correlation_id"`
	Order         []string        `json:"order"`
	Results       map[string]bool `json:"results"`
	SuccessCount  int             `json:"success_count"`
	TotalCount    int             `json:"total_count"`
	Duration      time.Duration   `json:"duration"`
	// AlreadyInProgress is set when another shutdown pass was running.
	AlreadyInProgress bool `json:"already_in_progress,omitempty"`
}

// Shutdown stops every started component in reverse initialization order.
// Failures and timeouts are logged and reported, never returned. A call
// made while another shutdown is running returns immediately.
func (c *Coordinator) Shutdown(ctx context.Context) ShutdownReport {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		c.logger.Warn("shutdown already in progress")
		return ShutdownReport{AlreadyInProgress: true}
	}
	c.shuttingDown = true
	order := c.shutdownOrderLocked()
	// Pending deferred initializations are abandoned.
	close(c.deferredStop)
	c.mu.Unlock()

	_ = c.WaitDeferred(ctx)

	start := time.Now()
	report := ShutdownReport{
		CorrelationID: "shutdown_" + uuid.NewString()[:8],
		Order:         order,
		Results:       make(map[string]bool),
	}
	log := c.logger.With("correlation_id", report.CorrelationID)
	log.Info("shutting down components", "count", len(order))
	events.EmitImportant(c.events, events.TypeResourceStateChanged, map[string]any{
		"resource_id":    CoordinatorID,
		"state":          "shutting_down",
		"manager_count":  len(order),
		"correlation_id": report.CorrelationID,
	})

	for _, id := range order {
		c.mu.Lock()
		e, ok := c.entries[id]
		started := ok && (e.state == StateInProgress || e.state == StateComplete)
		c.mu.Unlock()
		if !started {
			continue
		}

		ok = c.stopOne(ctx, e)
		report.Results[id] = ok
		report.TotalCount++
		if ok {
			report.SuccessCount++
		}
	}
	report.Duration = time.Since(start)

	if c.circuits != nil {
		if err := c.circuits.Stop(ctx); err != nil {
			log.Error("stopping circuit registry failed", "error", err)
		}
	}

	c.mu.Lock()
	c.initialized = false
	c.shuttingDown = false
	c.deferredStop = make(chan struct{})
	c.mu.Unlock()

	log.Info("component shutdown completed",
		"succeeded", report.SuccessCount, "total", report.TotalCount, "duration", report.Duration)
	events.EmitImportant(c.events, events.TypeResourceStateChanged, map[string]any{
		"resource_id":    CoordinatorID,
		"state":          "shutdown_complete",
		"success_count":  report.SuccessCount,
		"total_count":    report.TotalCount,
		"correlation_id": report.CorrelationID,
	})
	c.metrics.RecordMetric("resources.shutdown.duration_seconds", report.Duration.Seconds(), nil)
	return report
}

// shutdownOrderLocked reverses the recorded initialization order. Components
// registered after it was recorded started last, so they stop first. Without
// a recorded order a fresh one is computed, falling back to registration
// order when the graph has a cycle.
func (c *Coordinator) shutdownOrderLocked() []string {
	base := c.initOrder
	if len(base) == 0 {
		order, err := c.orderLocked()
		if err != nil {
			c.logger.Error("computing shutdown order failed, using registration order", "error", err)
			order = append([]string(nil), c.registration...)
		}
		base = order
	}

	known := make(map[string]bool, len(base))
	for _, id := range base {
		known[id] = true
	}
	full := append([]string(nil), base...)
	for _, id := range c.registration {
		if !known[id] {
			full = append(full, id)
		}
	}
	return graph.Reverse(full)
}

func (c *Coordinator) stopOne(ctx context.Context, e *entry) bool {
	c.mu.Lock()
	id, comp, home := e.id, e.comp, e.meta.Home
	c.mu.Unlock()

	c.events.Emit(events.TypeResourceStateChanged, map[string]any{
		"resource_id": id,
		"state":       "shutting_down",
	})

	var err error
	if s, ok := comp.(Stoppable); ok {
		timeout := c.cfg.StopTimeout
		if home != "" && c.router != nil {
			timeout = c.cfg.RoutedStopTimeout
		}
		err = c.onHome(ctx, id, home, timeout, func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
			defer cancel()
			return s.Stop(stopCtx)
		})
		if err != nil {
			err = core.ErrComponentStopFailed(id, err)
		}
	}

	c.mu.Lock()
	e.meta.ShutdownAt = time.Now()
	e.meta.ShutdownSuccess = err == nil
	e.state = StateNotStarted
	e.meta.Initialized = false
	if err != nil {
		e.meta.LastError = err.Error()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("component failed to stop", "id", id, "error", err)
		c.events.Emit(events.TypeResourceErrorOccurred, map[string]any{
			"resource_id": id,
			"operation":   "shutdown",
			"error":       err.Error(),
		})
		return false
	}
	c.events.Emit(events.TypeResourceStateChanged, map[string]any{
		"resource_id": id,
		"state":       "shutdown_complete",
	})
	return true
}
