package ixmp

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements the Metrics interface using Prometheus
type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
// If registry is nil, uses the default Prometheus registry
func NewPrometheusMetrics(registry *prometheus.Registry) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer.(*prometheus.Registry)
	}

	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		registry:   registry,
	}

	pm.registerDefaultMetrics()
	return pm
}

// registerDefaultMetrics registers all standard platform metrics
func (p *PrometheusMetrics) registerDefaultMetrics() {
	p.counters[MetricBackendOps] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "backend",
			Name:      "operations_total",
			Help:      "Total number of backend operations",
		},
		[]string{"op"},
	)

	p.counters[MetricBackendErrors] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "backend",
			Name:      "errors_total",
			Help:      "Total number of backend errors",
		},
		[]string{"op"},
	)

	p.counters[MetricCacheHits] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of item cache hits",
		},
		[]string{"kind"},
	)

	p.counters[MetricCacheMisses] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of item cache misses",
		},
		[]string{"kind"},
	)

	p.counters[MetricCacheInvalidations] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Total number of cache invalidations",
		},
		[]string{},
	)

	p.counters[MetricSessionCheckout] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "session",
			Name:      "checkouts_total",
			Help:      "Total number of session checkouts",
		},
		[]string{"engine"},
	)

	p.counters[MetricSessionCommit] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "session",
			Name:      "commits_total",
			Help:      "Total number of session commits",
		},
		[]string{"engine"},
	)

	p.counters[MetricSessionInit] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "session",
			Name:      "inits_total",
			Help:      "Total number of runs initialized",
		},
		[]string{"engine"},
	)

	p.counters[MetricSessionDiscard] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "session",
			Name:      "discards_total",
			Help:      "Total number of session discards",
		},
		[]string{"engine"},
	)

	p.counters[MetricSessionClone] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "session",
			Name:      "clones_total",
			Help:      "Total number of runs cloned",
		},
		[]string{"engine"},
	)

	p.counters[MetricCachePuts] = promauto.With(p.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ixmp",
			Subsystem: "cache",
			Name:      "puts_total",
			Help:      "Total number of item cache writes",
		},
		[]string{"kind"},
	)

	p.histograms[MetricBackendLatency] = promauto.With(p.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ixmp",
			Subsystem: "backend",
			Name:      "operation_duration_seconds",
			Help:      "Backend operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	p.gauges[MetricCacheSize] = promauto.With(p.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ixmp",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of cached item reads",
		},
		[]string{},
	)
}

// Increment increments a Prometheus counter
func (p *PrometheusMetrics) Increment(name string, tags ...string) {
	counter, ok := p.counters[name]
	if !ok {
		counter = promauto.With(p.registry).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ixmp",
				Name:      name,
				Help:      "Dynamic counter: " + name,
			},
			p.extractLabels(tags),
		)
		p.counters[name] = counter
	}

	counter.With(p.extractLabelValues(tags)).Inc()
}

// Gauge sets a Prometheus gauge value
func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...string) {
	gauge, ok := p.gauges[name]
	if !ok {
		gauge = promauto.With(p.registry).NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "ixmp",
				Name:      name,
				Help:      "Dynamic gauge: " + name,
			},
			p.extractLabels(tags),
		)
		p.gauges[name] = gauge
	}

	gauge.With(p.extractLabelValues(tags)).Set(value)
}

// Histogram records a value in a Prometheus histogram
func (p *PrometheusMetrics) Histogram(name string, value float64, tags ...string) {
	histogram, ok := p.histograms[name]
	if !ok {
		histogram = promauto.With(p.registry).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ixmp",
				Name:      name,
				Help:      "Dynamic histogram: " + name,
				Buckets:   prometheus.DefBuckets,
			},
			p.extractLabels(tags),
		)
		p.histograms[name] = histogram
	}

	histogram.With(p.extractLabelValues(tags)).Observe(value)
}

// Timing records a duration in a Prometheus histogram
func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...string) {
	p.Histogram(name, duration.Seconds(), tags...)
}

// extractLabels extracts label names from tags (every even index)
func (p *PrometheusMetrics) extractLabels(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	labels := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		labels = append(labels, tags[i])
	}
	return labels
}

// extractLabelValues creates a label map from tags (key-value pairs)
func (p *PrometheusMetrics) extractLabelValues(tags []string) prometheus.Labels {
	labels := make(prometheus.Labels)
	for i := 0; i < len(tags)-1; i += 2 {
		labels[tags[i]] = tags[i+1]
	}
	return labels
}

// GetRegistry returns the underlying Prometheus registry
func (p *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return p.registry
}
