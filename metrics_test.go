package ixmp

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInMemoryMetrics(t *testing.T) {
	m := NewInMemoryMetrics()
	m.Increment(MetricCacheHits, "kind", "set")
	m.Increment(MetricCacheHits, "kind", "par")
	m.Gauge(MetricCacheSize, 4)
	m.Histogram("latency", 0.5)
	m.Timing(MetricBackendLatency, 10*time.Millisecond, "op", "commit")

	if m.Counter(MetricCacheHits) != 2 {
		t.Fatalf("Counter = %d, want 2", m.Counter(MetricCacheHits))
	}
	if m.Counter("never") != 0 {
		t.Fatal("unknown counter should read zero")
	}
}

func TestPrometheusMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	m.Increment(MetricBackendOps, "op", "add_unit")
	m.Increment(MetricBackendOps, "op", "add_unit")
	m.Increment(MetricSessionCommit, "engine", "memory")
	m.Increment(MetricCacheHits, "kind", "set")
	m.Gauge(MetricCacheSize, 12)
	m.Timing(MetricBackendLatency, 25*time.Millisecond, "op", "commit")

	ops := m.counters[MetricBackendOps].WithLabelValues("add_unit")
	if got := testutil.ToFloat64(ops); got != 2 {
		t.Fatalf("backend ops = %v, want 2", got)
	}
	commits := m.counters[MetricSessionCommit].WithLabelValues("memory")
	if got := testutil.ToFloat64(commits); got != 1 {
		t.Fatalf("commits = %v, want 1", got)
	}
	size := m.gauges[MetricCacheSize].WithLabelValues()
	if got := testutil.ToFloat64(size); got != 12 {
		t.Fatalf("cache size = %v, want 12", got)
	}

	if m.GetRegistry() != reg {
		t.Fatal("GetRegistry must return the provided registry")
	}
}

func TestPrometheusMetricsDynamicRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheusMetrics(reg)

	// a name outside the pre-registered set is created on first use
	m.Increment("custom.counter", "source", "test")
	m.Increment("custom.counter", "source", "test")

	c := m.counters["custom.counter"].WithLabelValues("test")
	if got := testutil.ToFloat64(c); got != 2 {
		t.Fatalf("dynamic counter = %v, want 2", got)
	}
}

func TestMetricsBehindPlatform(t *testing.T) {
	metrics := NewInMemoryMetrics()
	p, err := NewPlatform("memory", nil, WithMetrics(metrics))
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	defer p.Close()

	ts, err := CreateTimeSeries(t.Context(), p, "model", "baseline", "")
	if err != nil {
		t.Fatalf("CreateTimeSeries: %v", err)
	}
	if _, err := ts.Commit(t.Context(), "v1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if metrics.Counter(MetricSessionInit) != 1 {
		t.Fatalf("init count = %d, want 1", metrics.Counter(MetricSessionInit))
	}
	if metrics.Counter(MetricSessionCommit) != 1 {
		t.Fatalf("commit count = %d, want 1", metrics.Counter(MetricSessionCommit))
	}
}
