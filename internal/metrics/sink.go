// Package metrics provides the fire-and-forget metrics sink used by the
// coordinators. RecordMetric must never block or fail the caller.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Sink receives point-in-time metric values.
type Sink interface {
	RecordMetric(name string, value float64, tags map[string]string)
}

// Nop discards every metric.
type Nop struct{}

// RecordMetric implements Sink.
func (Nop) RecordMetric(string, float64, map[string]string) {}

// Sample is one recorded value.
type Sample struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
	At    time.Time         `json:"at"`
}

// Recorder keeps the most recent samples in memory. It backs tests and the
// run report written by the CLI.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
	limit   int
}

// NewRecorder creates a recorder holding at most limit samples (0 means 1000).
func NewRecorder(limit int) *Recorder {
	if limit <= 0 {
		limit = 1000
	}
	return &Recorder{limit: limit}
}

// RecordMetric implements Sink.
func (r *Recorder) RecordMetric(name string, value float64, tags map[string]string) {
	copied := make(map[string]string, len(tags))
	for k, v := range tags {
		copied[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{Name: name, Value: value, Tags: copied, At: time.Now()})
	if len(r.samples) > r.limit {
		r.samples = r.samples[len(r.samples)-r.limit:]
	}
}

// Samples returns recorded samples, optionally filtered by name.
func (r *Recorder) Samples(name string) []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Sample, 0, len(r.samples))
	for _, s := range r.samples {
		if name == "" || s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// Last returns the most recent value recorded under name.
func (r *Recorder) Last(name string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.samples) - 1; i >= 0; i-- {
		if r.samples[i].Name == name {
			return r.samples[i].Value, true
		}
	}
	return 0, false
}

// Names returns the distinct metric names recorded, sorted.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	names := make([]string, 0)
	for _, s := range r.samples {
		if !seen[s.Name] {
			seen[s.Name] = true
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}

type fanout []Sink

func (f fanout) RecordMetric(name string, value float64, tags map[string]string) {
	for _, s := range f {
		s.RecordMetric(name, value, tags)
	}
}

// Fanout returns a sink that forwards to every non-nil sink.
func Fanout(sinks ...Sink) Sink {
	out := make(fanout, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
