// Package router maps execution contexts to the loops that own them and
// routes work to the loop owning a named context.
//
// A context id travels through calls in a context.Context (see
// WithContextID). Work running on a loop sees that loop's id, so a nested
// route to the same context executes inline instead of queueing behind
// itself.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hugo-lorenzo-mato/quorum-core/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/events"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/logging"
	"github.com/hugo-lorenzo-mato/quorum-core/internal/metrics"
)

// DefaultContextID names the ad-hoc context used by callers that carry no
// context id while no primary context is registered.
const DefaultContextID = "default"

// DefaultSubmitTimeout bounds how long a cross-context submission may wait
// for queue space.
const DefaultSubmitTimeout = 30 * time.Second

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEmitter sets the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(r *Router) {
		if e != nil {
			r.events = e
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Sink) Option {
	return func(r *Router) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithQueueSize sets the per-loop queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithSubmitTimeout bounds cross-context submissions.
func WithSubmitTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.submitTimeout = d
		}
	}
}

// Router owns the registry of execution contexts.
type Router struct {
	mu        sync.RWMutex
	loops     map[string]*Loop
	primary   *Loop
	primaryID string
	homes     map[string]string // resource id -> context id
	shutdown  bool

	queueSize     int
	submitTimeout time.Duration

	recreated atomic.Int64
	removed   atomic.Int64

	logger  *slog.Logger
	events  events.Emitter
	metrics metrics.Sink
}

// New creates a router with no contexts.
func New(opts ...Option) *Router {
	r := &Router{
		loops:         make(map[string]*Loop),
		homes:         make(map[string]string),
		queueSize:     256,
		submitTimeout: DefaultSubmitTimeout,
		logger:        logging.Component(nil, "router"),
		events:        events.Nop{},
		metrics:       metrics.Nop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r
}

// CurrentLoop returns the loop of the calling context, creating it when the
// context has none or its loop was closed. Callers without a context id get
// the primary loop, or the ad-hoc default context when no primary exists.
func (r *Router) CurrentLoop(ctx context.Context) (*Loop, error) {
	return r.ensure(r.resolve(ctx))
}

// resolve picks the context id for a caller.
func (r *Router) resolve(ctx context.Context) string {
	if id, ok := ContextIDFrom(ctx); ok {
		return id
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.primaryID != "" {
		return r.primaryID
	}
	return DefaultContextID
}

func (r *Router) kindFor(id string) Kind {
	switch id {
	case r.primaryID:
		return KindPrimary
	case DefaultContextID:
		return KindAdHoc
	default:
		return KindBackground
	}
}

// ensure returns a live loop for id, replacing a closed one.
func (r *Router) ensure(id string) (*Loop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shutdown {
		return nil, core.ErrContextUnavailable(id, core.ErrShutdownInProgress)
	}

	existing, ok := r.loops[id]
	if ok && !existing.IsClosed() {
		return existing, nil
	}

	loop := NewLoop(id, r.kindFor(id), r.queueSize)
	r.loops[id] = loop
	if id == r.primaryID {
		r.primary = loop
	}

	if ok {
		r.recreated.Add(1)
		r.logger.Warn("replaced closed execution context", "context_id", id, "kind", loop.kind)
		r.events.Emit(events.TypeResourceStateChanged, map[string]any{
			"resource_id": "context:" + id,
			"state":       "recreated",
		})
	} else {
		r.logger.Debug("created execution context", "context_id", id, "kind", loop.kind)
	}
	r.metrics.RecordMetric("router.contexts.total", float64(len(r.loops)), nil)
	return loop, nil
}

// Route runs work on the loop owning contextID and returns its future.
// When the caller already runs on that context the work executes inline.
// A closed target loop is recreated once; if submission still fails the
// future resolves with a ContextUnavailable error.
func Route[T any](ctx context.Context, r *Router, contextID string, work func(ctx context.Context) (T, error)) *Future[T] {
	if cur, ok := ContextIDFrom(ctx); ok && cur == contextID {
		v, err := runInline(ctx, contextID, work)
		return Resolved(v, err)
	}

	f := newFuture[T]()
	workCtx := WithContextID(ctx, contextID)
	t := task{
		run: func(context.Context) {
			v, err := runInline(workCtx, contextID, work)
			f.resolve(v, err)
		},
		fail: func(err error) {
			var zero T
			f.resolve(zero, core.ErrContextUnavailable(contextID, err))
		},
	}
	if err := r.dispatch(ctx, contextID, t); err != nil {
		var zero T
		f.resolve(zero, err)
	}
	return f
}

func runInline[T any](ctx context.Context, contextID string, work func(ctx context.Context) (T, error)) (val T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in execution context %s: %v", contextID, rec)
		}
	}()
	return work(ctx)
}

func (r *Router) dispatch(ctx context.Context, contextID string, t task) error {
	submitCtx, cancel := context.WithTimeout(ctx, r.submitTimeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		loop, err := r.ensure(contextID)
		if err != nil {
			return err
		}
		err = loop.submit(submitCtx, t)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, errLoopClosed) {
			break
		}
		r.logger.Warn("execution context closed during submission", "context_id", contextID, "attempt", attempt+1)
	}
	return core.ErrContextUnavailable(contextID, lastErr)
}

// Do routes fn to contextID and waits at most timeout for it to finish.
// A timeout is returned as an error; the work keeps running on its loop.
func (r *Router) Do(ctx context.Context, contextID string, timeout time.Duration, fn func(ctx context.Context) error) error {
	f := Route(ctx, r, contextID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	_, err := f.Await(waitCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return core.ErrTimeout(fmt.Sprintf("work on execution context %s did not finish within %s", contextID, timeout)).
			WithCause(err)
	}
	return err
}

// RegisterPrimary marks loop as the process-wide primary context.
// Registering the current primary again is a no-op; a different loop
// replaces it. It reports whether an existing primary was replaced.
func (r *Router) RegisterPrimary(loop *Loop) (bool, error) {
	if loop == nil || loop.IsClosed() {
		return false, core.ErrValidation(core.CodeInvalidState, "primary loop must be open")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.primary == loop {
		return false, nil
	}
	if existing, ok := r.loops[loop.id]; ok && existing != loop {
		existing.Close()
	}
	prev := r.primary
	r.loops[loop.id] = loop
	r.primary = loop
	r.primaryID = loop.id

	if prev != nil {
		r.logger.Warn("replaced primary execution context", "previous", prev.id, "current", loop.id)
		return true, nil
	}
	r.logger.Info("registered primary execution context", "context_id", loop.id)
	return false, nil
}

// EnsurePrimary registers a new primary loop under id unless a live primary
// with that id already exists.
func (r *Router) EnsurePrimary(id string) (*Loop, error) {
	if p, ok := r.GetPrimary(); ok && p.id == id {
		return p, nil
	}
	loop := NewLoop(id, KindPrimary, r.queueSize)
	if _, err := r.RegisterPrimary(loop); err != nil {
		loop.Close()
		return nil, err
	}
	return loop, nil
}

// GetPrimary returns the primary loop if one is registered and open.
func (r *Router) GetPrimary() (*Loop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.primary == nil || r.primary.IsClosed() {
		return nil, false
	}
	return r.primary, true
}

// Lookup returns the loop registered for id, if any.
func (r *Router) Lookup(id string) (*Loop, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loops[id]
	return l, ok
}

// CleanupStale removes and closes contexts whose loop is closed or older
// than maxAge. A live primary is never removed for age. It returns the
// removed context ids, sorted.
func (r *Router) CleanupStale(maxAge time.Duration) []string {
	r.mu.Lock()
	removed := make([]string, 0)
	victims := make([]*Loop, 0)
	for id, loop := range r.loops {
		closed := loop.IsClosed()
		expired := loop != r.primary && time.Since(loop.createdAt) > maxAge
		if !closed && !expired {
			continue
		}
		delete(r.loops, id)
		if loop == r.primary {
			r.primary = nil
		}
		removed = append(removed, id)
		victims = append(victims, loop)
	}
	total := len(r.loops)
	r.mu.Unlock()

	for _, loop := range victims {
		loop.Close()
	}
	sort.Strings(removed)

	if len(removed) > 0 {
		r.removed.Add(int64(len(removed)))
		r.logger.Info("removed stale execution contexts", "count", len(removed), "contexts", removed)
		r.metrics.RecordMetric("router.contexts.total", float64(total), nil)
	}
	return removed
}

// BindResource records contextID as the home of resourceID.
func (r *Router) BindResource(resourceID, contextID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.homes[resourceID] = contextID
}

// UnbindResource forgets the home of resourceID.
func (r *Router) UnbindResource(resourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.homes, resourceID)
}

// HomeOf returns the context a resource is bound to.
func (r *Router) HomeOf(resourceID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.homes[resourceID]
	return id, ok
}

// SubmitToResource runs work on the home context of resourceID. Unbound
// resources run inline on the caller. A resource whose home loop is gone is
// rebound to the caller's context and the work runs inline.
func SubmitToResource[T any](ctx context.Context, r *Router, resourceID string, work func(ctx context.Context) (T, error)) *Future[T] {
	home, ok := r.HomeOf(resourceID)
	if !ok {
		v, err := runInline(ctx, resourceID, work)
		return Resolved(v, err)
	}

	loop, exists := r.Lookup(home)
	if !exists || loop.IsClosed() {
		caller := r.resolve(ctx)
		r.logger.Warn("resource home context unavailable, rebinding to caller",
			"resource_id", resourceID, "previous", home, "current", caller)
		r.BindResource(resourceID, caller)
		v, err := runInline(WithContextID(ctx, caller), caller, work)
		return Resolved(v, err)
	}
	return Route(ctx, r, home, work)
}

// Shutdown closes every loop and fails queued work. It waits for loop
// goroutines to exit until ctx ends. The router rejects new work afterwards.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil
	}
	r.shutdown = true
	loops := make([]*Loop, 0, len(r.loops))
	for _, l := range r.loops {
		loops = append(loops, l)
	}
	r.loops = make(map[string]*Loop)
	r.primary = nil
	r.mu.Unlock()

	for _, l := range loops {
		l.Close()
	}

	self, _ := ContextIDFrom(ctx)
	for _, l := range loops {
		if l.id == self {
			continue
		}
		select {
		case <-l.Finished():
		case <-ctx.Done():
			return fmt.Errorf("waiting for execution contexts to stop: %w", ctx.Err())
		}
	}
	r.logger.Info("execution contexts shut down", "count", len(loops))
	return nil
}

// ContextInfo describes one execution context.
type ContextInfo struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Closed    bool      `json:"closed"`
	Processed int64     `json:"processed"`
	Pending   int       `json:"pending"`
	Primary   bool      `json:"primary"`
}

// Stats summarizes the router.
type Stats struct {
	TotalContexts  int           `json:"total_contexts"`
	ActiveContexts int           `json:"active_contexts"`
	ByKind         map[Kind]int  `json:"by_kind"`
	Processed      int64         `json:"processed"`
	Recreated      int64         `json:"recreated"`
	Removed        int64         `json:"removed"`
	PrimaryID      string        `json:"primary_id,omitempty"`
	Resources      int           `json:"resources"`
	Contexts       []ContextInfo `json:"contexts"`
	ShuttingDown   bool          `json:"shutting_down"`
}

// Stats returns a snapshot of every context.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		TotalContexts: len(r.loops),
		ByKind:        make(map[Kind]int),
		Recreated:     r.recreated.Load(),
		Removed:       r.removed.Load(),
		PrimaryID:     r.primaryID,
		Resources:     len(r.homes),
		Contexts:      make([]ContextInfo, 0, len(r.loops)),
		ShuttingDown:  r.shutdown,
	}
	for _, l := range r.loops {
		closed := l.IsClosed()
		if !closed {
			s.ActiveContexts++
		}
		s.ByKind[l.kind]++
		s.Processed += l.Processed()
		s.Contexts = append(s.Contexts, ContextInfo{
			ID:        l.id,
			Kind:      l.kind,
			CreatedAt: l.createdAt,
			Closed:    closed,
			Processed: l.Processed(),
			Pending:   l.Pending(),
			Primary:   l == r.primary,
		})
	}
	sort.Slice(s.Contexts, func(i, j int) bool { return s.Contexts[i].ID < s.Contexts[j].ID })
	return s
}
