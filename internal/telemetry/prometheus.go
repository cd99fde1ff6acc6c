package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics is a Metrics implementation backed by a Prometheus registry.
// Collectors are created lazily on first use, keyed by metric name; the
// label names observed on that first call become the collector's label set.
type PromMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPromMetrics constructs a PromMetrics around registry. A nil registry
// creates a private one; expose it over HTTP with promhttp.HandlerFor if
// scraping is wanted.
func NewPromMetrics(registry *prometheus.Registry) *PromMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PromMetrics{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

// Registry returns the underlying Prometheus registry for HTTP exposure.
func (m *PromMetrics) Registry() *prometheus.Registry { return m.registry }

func splitLabels(labels []string) (names []string, values []string) {
	for i := 0; i+1 < len(labels); i += 2 {
		names = append(names, labels[i])
		values = append(values, labels[i+1])
	}
	return names, values
}

func (m *PromMetrics) IncrCounter(name string, delta int64, labels ...string) {
	names, values := splitLabels(labels)
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		c = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, names)
		if err := m.registry.Register(c); err != nil {
			m.mu.Unlock()
			return
		}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.WithLabelValues(values...).Add(float64(delta))
}

func (m *PromMetrics) RecordDuration(name string, seconds float64, labels ...string) {
	names, values := splitLabels(labels)
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		h = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Buckets: prometheus.DefBuckets,
		}, names)
		if err := m.registry.Register(h); err != nil {
			m.mu.Unlock()
			return
		}
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.WithLabelValues(values...).Observe(seconds)
}

func (m *PromMetrics) SetGauge(name string, value float64, labels ...string) {
	names, values := splitLabels(labels)
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		g = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, names)
		if err := m.registry.Register(g); err != nil {
			m.mu.Unlock()
			return
		}
		m.gauges[name] = g
	}
	m.mu.Unlock()
	g.WithLabelValues(values...).Set(value)
}
