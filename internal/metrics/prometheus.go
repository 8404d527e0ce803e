package metrics

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every exported metric.
const DefaultNamespace = "quorum_core"

// PrometheusConfig configures a PrometheusSink.
type PrometheusConfig struct {
	Namespace string
	Registry  *prometheus.Registry
	Logger    *slog.Logger
}

type gaugeEntry struct {
	vec    *prometheus.GaugeVec
	labels []string
}

// PrometheusSink exports every recorded metric as a gauge. A gauge vector is
// created on first use of a name; its label set is fixed to the tag keys seen
// then. Later samples with a different tag key set are dropped and logged.
type PrometheusSink struct {
	mu        sync.Mutex
	namespace string
	registry  *prometheus.Registry
	factory   promauto.Factory
	gauges    map[string]*gaugeEntry
	dropped   map[string]bool
	logger    *slog.Logger
}

// NewPrometheusSink creates a sink backed by cfg.Registry, or a fresh
// registry when nil.
func NewPrometheusSink(cfg PrometheusConfig) *PrometheusSink {
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &PrometheusSink{
		namespace: cfg.Namespace,
		registry:  cfg.Registry,
		factory:   promauto.With(cfg.Registry),
		gauges:    make(map[string]*gaugeEntry),
		dropped:   make(map[string]bool),
		logger:    cfg.Logger,
	}
}

// Registry returns the registry metrics are exported through.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// RecordMetric implements Sink.
func (s *PrometheusSink) RecordMetric(name string, value float64, tags map[string]string) {
	metricName := SanitizeName(name)
	if metricName == "" {
		return
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, SanitizeName(k))
	}
	sort.Strings(keys)

	s.mu.Lock()
	entry, ok := s.gauges[metricName]
	if !ok {
		entry = &gaugeEntry{
			vec: s.factory.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: s.namespace,
				Name:      metricName,
				Help:      "Value recorded for " + name + ".",
			}, keys),
			labels: keys,
		}
		s.gauges[metricName] = entry
	}
	if !sameLabels(entry.labels, keys) {
		first := !s.dropped[metricName]
		s.dropped[metricName] = true
		s.mu.Unlock()
		if first {
			s.logger.Warn("dropping metric with mismatched tags",
				"metric", name, "want", entry.labels, "got", keys)
		}
		return
	}
	s.mu.Unlock()

	values := make(prometheus.Labels, len(tags))
	for k, v := range tags {
		values[SanitizeName(k)] = v
	}
	entry.vec.With(values).Set(value)
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SanitizeName maps a dotted metric or tag name to a valid Prometheus name.
func SanitizeName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
