// Package admission bounds the number of concurrently in-flight requesters
// under strict priority classes.
//
// Admission rules, evaluated on every attempt:
//
//	CRITICAL     total < MaxConcurrent
//	HIGH         total < MaxConcurrent and elevated < MaxHighPriority
//	NORMAL, LOW  total < MaxConcurrent and elevated == 0
//
// where elevated counts held HIGH and CRITICAL slots. Waiters re-evaluate
// on every release and at least once per RecheckInterval.
package admission

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/metrics"
)

// Defaults.
const (
	DefaultMaxConcurrent   = 3
	DefaultMaxHighPriority = 2
	DefaultStaleAfter      = 120 * time.Second
	DefaultRecheckInterval = 5 * time.Second

	// contentionThreshold is the wait above which an acquisition counts as
	// contention prevented.
	contentionThreshold = 100 * time.Millisecond
)

// Config configures a Controller.
type Config struct {
	MaxConcurrent   int
	MaxHighPriority int
	// StaleAfter is the hold duration after which CleanupStale evicts a slot.
	StaleAfter time.Duration
	// AcquireTimeout bounds each Acquire. Zero waits until ctx ends.
	AcquireTimeout time.Duration
	// RecheckInterval is the fallback re-evaluation period for waiters.
	RecheckInterval time.Duration
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   DefaultMaxConcurrent,
		MaxHighPriority: DefaultMaxHighPriority,
		StaleAfter:      DefaultStaleAfter,
		RecheckInterval: DefaultRecheckInterval,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return core.ErrValidation(core.CodeInvalidConfig, "max concurrent updates must be at least 1")
	}
	if c.MaxHighPriority < 1 || c.MaxHighPriority > c.MaxConcurrent {
		return core.ErrValidation(core.CodeInvalidConfig,
			fmt.Sprintf("max high priority updates must be in [1, %d]", c.MaxConcurrent))
	}
	if c.AcquireTimeout < 0 {
		return core.ErrValidation(core.CodeInvalidConfig, "acquire timeout must not be negative")
	}
	return nil
}

// Request describes one acquisition.
type Request struct {
	RequesterID       string
	Priority          core.Priority
	EstimatedDuration time.Duration
	OperationType     string
}

// Stats summarizes admission activity.
type Stats struct {
	TotalCoordinated    int64         `json:"total_coordinated"`
	ContentionPrevented int64         `json:"contention_prevented"`
	AverageWaitTime     time.Duration `json:"average_wait_time"`
	PeakConcurrent      int           `json:"peak_concurrent"`
	ForcedReleases      int64         `json:"forced_releases"`
	Timeouts            int64         `json:"timeouts"`
	Active              int           `json:"active"`
	Waiting             int           `json:"waiting"`
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(c *Controller) {
		if e != nil {
			c.events = e
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return func(c *Controller) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Controller grants admission slots.
type Controller struct {
	cfg Config

	mu       sync.Mutex
	slots    map[uint64]*Slot
	nextID   uint64
	elevated int
	waiting  int
	// wake is closed and replaced on every release.
	wake chan struct{}

	totalCoordinated    int64
	contentionPrevented int64
	totalWait           time.Duration
	peakConcurrent      int
	forcedReleases      int64
	timeouts            int64

	logger  *slog.Logger
	events  events.Emitter
	metrics metrics.Sink
}

// New creates a controller. Zero fields of cfg take their defaults.
func New(cfg Config, opts ...Option) (*Controller, error) {
	d := DefaultConfig()
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.MaxHighPriority == 0 {
		cfg.MaxHighPriority = min(d.MaxHighPriority, cfg.MaxConcurrent)
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = d.StaleAfter
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = d.RecheckInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		slots:   make(map[uint64]*Slot),
		wake:    make(chan struct{}),
		logger:  logging.Component(nil, "admission"),
		events:  events.Nop{},
		metrics: metrics.Nop{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "admission")
	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// admissibleLocked applies the priority rules.
func (c *Controller) admissibleLocked(p core.Priority) bool {
	total := len(c.slots)
	if total >= c.cfg.MaxConcurrent {
		return false
	}
	switch {
	case p == core.PriorityCritical:
		return true
	case p == core.PriorityHigh:
		return c.elevated < c.cfg.MaxHighPriority
	default:
		return c.elevated == 0
	}
}

// Acquire waits until req is admitted and returns the held slot. The caller
// must Release it, typically with defer. Acquire fails with AdmissionTimeout
// when the configured acquire timeout elapses, or with ctx's error.
func (c *Controller) Acquire(ctx context.Context, req Request) (*Slot, error) {
	if req.RequesterID == "" {
		return nil, core.ErrValidation(core.CodeEmptyID, "requester id must not be empty")
	}
	if req.Priority == 0 {
		req.Priority = core.PriorityNormal
	}

	start := time.Now()
	var deadline <-chan time.Time
	if c.cfg.AcquireTimeout > 0 {
		timer := time.NewTimer(c.cfg.AcquireTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	counted := false
	defer func() {
		if counted {
			c.mu.Lock()
			c.waiting--
			c.mu.Unlock()
		}
	}()

	for {
		c.mu.Lock()
		if c.admissibleLocked(req.Priority) {
			slot := c.grantLocked(req, time.Since(start))
			c.mu.Unlock()
			return slot, nil
		}
		if !counted {
			c.waiting++
			counted = true
		}
		wake := c.wake
		c.mu.Unlock()

		recheck := time.NewTimer(c.cfg.RecheckInterval)
		select {
		case <-wake:
		case <-recheck.C:
		case <-deadline:
			recheck.Stop()
			waited := time.Since(start)
			c.mu.Lock()
			c.timeouts++
			c.mu.Unlock()
			c.logger.Warn("admission timed out",
				"requester", req.RequesterID, "priority", req.Priority, "waited", waited)
			return nil, core.ErrAdmissionTimeout(req.RequesterID, waited)
		case <-ctx.Done():
			recheck.Stop()
			return nil, ctx.Err()
		}
		recheck.Stop()
	}
}

// TryAcquire grants a slot only if req is admissible right now.
func (c *Controller) TryAcquire(req Request) (*Slot, bool) {
	if req.RequesterID == "" {
		return nil, false
	}
	if req.Priority == 0 {
		req.Priority = core.PriorityNormal
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.admissibleLocked(req.Priority) {
		return nil, false
	}
	return c.grantLocked(req, 0), true
}

func (c *Controller) grantLocked(req Request, waited time.Duration) *Slot {
	c.nextID++
	slot := &Slot{
		id:                c.nextID,
		ctrl:              c,
		RequesterID:       req.RequesterID,
		Priority:          req.Priority,
		EstimatedDuration: req.EstimatedDuration,
		OperationType:     req.OperationType,
		AcquiredAt:        time.Now(),
		Waited:            waited,
	}
	c.slots[slot.id] = slot
	if req.Priority.IsElevated() {
		c.elevated++
	}

	c.totalCoordinated++
	c.totalWait += waited
	if waited > contentionThreshold {
		c.contentionPrevented++
	}
	if n := len(c.slots); n > c.peakConcurrent {
		c.peakConcurrent = n
	}

	c.logger.Debug("admission slot acquired",
		"requester", req.RequesterID,
		"priority", req.Priority,
		"waited", waited,
		"concurrent", len(c.slots))
	c.metrics.RecordMetric("admission.wait_seconds", waited.Seconds(),
		map[string]string{"priority": req.Priority.String()})
	c.metrics.RecordMetric("admission.active", float64(len(c.slots)), nil)
	return slot
}

// release removes the slot if still held and wakes every waiter.
func (c *Controller) release(s *Slot) bool {
	c.mu.Lock()
	if _, held := c.slots[s.id]; !held {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(s)
	active := len(c.slots)
	c.mu.Unlock()

	c.logger.Debug("admission slot released",
		"requester", s.RequesterID, "held", time.Since(s.AcquiredAt))
	c.metrics.RecordMetric("admission.active", float64(active), nil)
	return true
}

func (c *Controller) removeLocked(s *Slot) {
	delete(c.slots, s.id)
	if s.Priority.IsElevated() {
		c.elevated--
	}
	close(c.wake)
	c.wake = make(chan struct{})
}

// ForceRelease evicts every slot held by requesterID and reports how many
// were removed. Holders are not interrupted; their own Release becomes a no-op.
func (c *Controller) ForceRelease(requesterID string) int {
	c.mu.Lock()
	removed := 0
	for _, s := range c.slots {
		if s.RequesterID == requesterID {
			c.removeLocked(s)
			removed++
		}
	}
	c.forcedReleases += int64(removed)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Warn("force released requester", "requester", requesterID, "slots", removed)
		c.events.Emit(events.TypeResourceStateChanged, map[string]any{
			"resource_id": "admission:" + requesterID,
			"state":       "force_released",
			"slots":       removed,
		})
	}
	return removed
}

// CleanupStale force-releases every requester holding a slot longer than
// maxAge (the configured StaleAfter when maxAge <= 0). It returns the evicted
// requester ids, sorted.
func (c *Controller) CleanupStale(maxAge time.Duration) []string {
	if maxAge <= 0 {
		maxAge = c.cfg.StaleAfter
	}
	now := time.Now()

	c.mu.Lock()
	seen := make(map[string]bool)
	for _, s := range c.slots {
		if now.Sub(s.AcquiredAt) > maxAge {
			seen[s.RequesterID] = true
		}
	}
	c.mu.Unlock()

	stale := make([]string, 0, len(seen))
	for id := range seen {
		stale = append(stale, id)
	}
	sort.Strings(stale)

	for _, id := range stale {
		c.ForceRelease(id)
		c.logger.Warn("cleaned up stale admission slot", "requester", id, "max_age", maxAge)
	}
	return stale
}

// ActiveSlots returns a snapshot of held slots ordered by acquisition time.
func (c *Controller) ActiveSlots() []SlotInfo {
	c.mu.Lock()
	out := make([]SlotInfo, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s.Info())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].RequesterID < out[j].RequesterID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// Stats returns coordination statistics.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var avg time.Duration
	if c.totalCoordinated > 0 {
		avg = c.totalWait / time.Duration(c.totalCoordinated)
	}
	return Stats{
		TotalCoordinated:    c.totalCoordinated,
		ContentionPrevented: c.contentionPrevented,
		AverageWaitTime:     avg,
		PeakConcurrent:      c.peakConcurrent,
		ForcedReleases:      c.forcedReleases,
		Timeouts:            c.timeouts,
		Active:              len(c.slots),
		Waiting:             c.waiting,
	}
}
