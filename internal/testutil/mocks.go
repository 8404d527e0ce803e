package testutil

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Journal records lifecycle calls across components in call order.
type Journal struct {
	mu      sync.Mutex
	entries []string
}

// Record appends an entry such as "start:state".
func (j *Journal) Record(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// Entries returns every entry.
func (j *Journal) Entries() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

// IDs returns the ids recorded for one action, in order.
func (j *Journal) IDs(action string) []string {
	prefix := action + ":"
	var ids []string
	for _, e := range j.Entries() {
		if strings.HasPrefix(e, prefix) {
			ids = append(ids, strings.TrimPrefix(e, prefix))
		}
	}
	return ids
}

// MockComponent is a managed component with scripted Start and Stop.
type MockComponent struct {
	id      string
	journal *Journal

	mu         sync.Mutex
	startErr   error
	stopErr    error
	startDelay time.Duration
	stopDelay  time.Duration
	panicStart bool

	running atomic.Bool
	starts  atomic.Int32
	stops   atomic.Int32
}

// NewMockComponent creates a component recording into j (may be nil).
func NewMockComponent(id string, j *Journal) *MockComponent {
	return &MockComponent{id: id, journal: j}
}

// WithStartError makes Start fail.
func (m *MockComponent) WithStartError(err error) *MockComponent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startErr = err
	return m
}

// WithStopError makes Stop fail.
func (m *MockComponent) WithStopError(err error) *MockComponent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopErr = err
	return m
}

// WithStartDelay delays Start.
func (m *MockComponent) WithStartDelay(d time.Duration) *MockComponent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startDelay = d
	return m
}

// WithStopDelay delays Stop; the delay is cut short by the stop context.
func (m *MockComponent) WithStopDelay(d time.Duration) *MockComponent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopDelay = d
	return m
}

// WithStartPanic makes Start panic.
func (m *MockComponent) WithStartPanic() *MockComponent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicStart = true
	return m
}

// MarkRunning makes the component report running before Start.
func (m *MockComponent) MarkRunning() *MockComponent {
	m.running.Store(true)
	return m
}

// Start implements the start contract.
func (m *MockComponent) Start(ctx context.Context) error {
	m.starts.Add(1)
	if m.journal != nil {
		m.journal.Record("start:" + m.id)
	}
	m.mu.Lock()
	err, delay, panicking := m.startErr, m.startDelay, m.panicStart
	m.mu.Unlock()

	if panicking {
		panic("start of " + m.id + " exploded")
	}
	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	m.running.Store(true)
	return nil
}

// Stop implements the stop contract.
func (m *MockComponent) Stop(ctx context.Context) error {
	m.stops.Add(1)
	if m.journal != nil {
		m.journal.Record("stop:" + m.id)
	}
	m.mu.Lock()
	err, delay := m.stopErr, m.stopDelay
	m.mu.Unlock()

	if err := sleep(ctx, delay); err != nil {
		return err
	}
	if err != nil {
		return err
	}
	m.running.Store(false)
	return nil
}

// IsRunning reports whether Start succeeded and Stop has not.
func (m *MockComponent) IsRunning() bool {
	return m.running.Load()
}

// StartCount returns how often Start was called.
func (m *MockComponent) StartCount() int { return int(m.starts.Load()) }

// StopCount returns how often Stop was called.
func (m *MockComponent) StopCount() int { return int(m.stops.Load()) }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Event is one recorded emission.
type Event struct {
	Type     string
	Payload  map[string]any
	Priority bool
}

// RecordingEmitter keeps every emitted event.
type RecordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingEmitter creates an empty recorder.
func NewRecordingEmitter() *RecordingEmitter {
	return &RecordingEmitter{}
}

// Emit records a regular event.
func (r *RecordingEmitter) Emit(eventType string, payload map[string]any) bool {
	r.record(Event{Type: eventType, Payload: payload})
	return true
}

// EmitPriority records a priority event.
func (r *RecordingEmitter) EmitPriority(eventType string, payload map[string]any) bool {
	r.record(Event{Type: eventType, Payload: payload, Priority: true})
	return true
}

func (r *RecordingEmitter) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns every recorded event.
func (r *RecordingEmitter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the events of one type.
func (r *RecordingEmitter) OfType(eventType string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Matching returns events whose payload has key set to value.
func (r *RecordingEmitter) Matching(key string, value any) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Payload[key] == value {
			out = append(out, e)
		}
	}
	return out
}
