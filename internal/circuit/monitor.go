package circuit

import (
	"context"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
)

// StartMonitoring launches the periodic health monitor. Starting a running
// monitor is a no-op.
func (r *Registry) StartMonitoring() {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	if r.monitorCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.monitorCancel = cancel
	r.monitorDone = make(chan struct{})
	go r.monitorLoop(ctx, r.monitorDone)
	r.logger.Info("circuit monitoring started", "interval", r.monitorInterval)
}

// StopMonitoring stops the monitor and waits for the current pass.
func (r *Registry) StopMonitoring() {
	r.monitorMu.Lock()
	cancel, done := r.monitorCancel, r.monitorDone
	r.monitorCancel, r.monitorDone = nil, nil
	r.monitorMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("circuit monitoring stopped")
}

// IsRunning reports whether the monitor is active.
func (r *Registry) IsRunning() bool {
	r.monitorMu.Lock()
	defer r.monitorMu.Unlock()
	return r.monitorCancel != nil
}

func (r *Registry) monitorLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckNow(ctx)
		}
	}
}

// CheckNow runs one monitor pass: probes every HealthChecker detector and
// reports a cascade risk when two or more circuits are open. It returns the
// names of unhealthy circuits.
func (r *Registry) CheckNow(ctx context.Context) []string {
	r.mu.RLock()
	targets := make(map[string]Detector, len(r.detectors))
	for name, d := range r.detectors {
		targets[name] = d
	}
	r.mu.RUnlock()

	unhealthy := make([]string, 0)
	for name, d := range targets {
		hc, ok := d.(HealthChecker)
		if !ok || hc.IsHealthy(ctx) {
			continue
		}
		unhealthy = append(unhealthy, name)
		r.logger.Warn("circuit health check failed", "circuit", name)
		r.events.Emit(events.TypeSystemHealthChanged, map[string]any{
			"component": "circuit_breaker_" + name,
			"status":    "unhealthy",
		})
	}

	if open := r.OpenCircuits(); len(open) >= 2 {
		r.logger.Warn("multiple circuits open", "open_circuits", open)
		r.events.Emit(events.TypeSystemHealthChanged, map[string]any{
			"component":     "circuit_registry",
			"status":        "cascade_risk",
			"open_circuits": open,
		})
	}
	r.metrics.RecordMetric("circuit.open_count", float64(len(r.OpenCircuits())), nil)
	return unhealthy
}
