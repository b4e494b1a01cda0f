package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the index engine
type Registry struct {
	// Write path
	IndexAddsTotal        prometheus.Counter
	MemTableEntries       prometheus.Gauge
	AwaitingMemTables     prometheus.Gauge
	BackgroundErrorsTotal prometheus.Counter

	// Read path
	LookupsTotal     *prometheus.CounterVec
	LookupDuration   *prometheus.HistogramVec
	ReadRetriesTotal prometheus.Counter

	// Flush and merge
	FlushesTotal   *prometheus.CounterVec
	FlushDuration  prometheus.Histogram
	FlushedEntries prometheus.Histogram
	MergesTotal    *prometheus.CounterVec
	MergeDuration  *prometheus.HistogramVec
	TablesPerLevel *prometheus.GaugeVec

	// Recovery
	RebuildsTotal    *prometheus.CounterVec
	ReplayedEntries  prometheus.Counter
	CommitCheckpoint prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the global metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		registry: reg,
	}

	r.initWriteMetrics()
	r.initReadMetrics()
	r.initCompactionMetrics()
	r.initRecoveryMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
