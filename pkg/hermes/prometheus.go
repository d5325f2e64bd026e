package hermes

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements Metrics on a private registry. A single
// invocation has no scrape endpoint, so the registry is written out as a
// node_exporter textfile at the end of the run.
type PrometheusMetrics struct {
	namespace  string
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	mu         sync.RWMutex
}

func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return &PrometheusMetrics{
		namespace:  namespace,
		registry:   prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) getLabels(labels []Label) ([]string, []string) {
	keys := make([]string, len(labels))
	values := make([]string, len(labels))
	for i, l := range labels {
		keys[i] = l.Key
		values[i] = l.Value
	}
	return keys, values
}

func (m *PrometheusMetrics) IncCounter(name string, value float64, labels ...Label) {
	keys, values := m.getLabels(labels)

	m.mu.RLock()
	vec, ok := m.counters[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		vec, ok = m.counters[name]
		if !ok {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: m.namespace,
				Name:      name,
				Help:      name,
			}, keys)
			m.registry.MustRegister(vec)
			m.counters[name] = vec
		}
		m.mu.Unlock()
	}

	vec.WithLabelValues(values...).Add(value)
}

func (m *PrometheusMetrics) ObserveHistogram(name string, value float64, labels ...Label) {
	keys, values := m.getLabels(labels)

	m.mu.RLock()
	vec, ok := m.histograms[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		vec, ok = m.histograms[name]
		if !ok {
			vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: m.namespace,
				Name:      name,
				Help:      name,
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			}, keys)
			m.registry.MustRegister(vec)
			m.histograms[name] = vec
		}
		m.mu.Unlock()
	}

	vec.WithLabelValues(values...).Observe(value)
}

func (m *PrometheusMetrics) SetGauge(name string, value float64, labels ...Label) {
	keys, values := m.getLabels(labels)

	m.mu.RLock()
	vec, ok := m.gauges[name]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		vec, ok = m.gauges[name]
		if !ok {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: m.namespace,
				Name:      name,
				Help:      name,
			}, keys)
			m.registry.MustRegister(vec)
			m.gauges[name] = vec
		}
		m.mu.Unlock()
	}

	vec.WithLabelValues(values...).Set(value)
}

// WriteTextfile writes the registry in the text exposition format. The file
// is replaced atomically.
func (m *PrometheusMetrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
