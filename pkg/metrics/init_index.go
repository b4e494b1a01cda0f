package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0}

func (r *Registry) initWriteMetrics() {
	r.IndexAddsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "eventindex_adds_total",
			Help: "Total number of index entries added",
		},
	)

	r.MemTableEntries = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "eventindex_memtable_entries",
			Help: "Number of entries in the live memtable",
		},
	)

	r.AwaitingMemTables = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "eventindex_awaiting_memtables",
			Help: "Number of full memtables waiting to be flushed",
		},
	)

	r.BackgroundErrorsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "eventindex_background_errors_total",
			Help: "Total number of failed background flush or merge runs",
		},
	)
}

func (r *Registry) initReadMetrics() {
	r.LookupsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventindex_lookups_total",
			Help: "Total number of index lookups",
		},
		[]string{"operation", "result"},
	)

	r.LookupDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventindex_lookup_duration_seconds",
			Help:    "Index lookup duration in seconds",
			Buckets: latencyBuckets,
		},
		[]string{"operation"},
	)

	r.ReadRetriesTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "eventindex_read_retries_total",
			Help: "Reads retried because a ptable was retired mid-query",
		},
	)
}

func (r *Registry) initCompactionMetrics() {
	r.FlushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventindex_flushes_total",
			Help: "Total number of memtable flushes",
		},
		[]string{"status"},
	)

	r.FlushDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventindex_flush_duration_seconds",
			Help:    "Memtable flush duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
	)

	r.FlushedEntries = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventindex_flushed_entries",
			Help:    "Entries written per flushed ptable",
			Buckets: prometheus.ExponentialBuckets(16, 4, 10),
		},
	)

	r.MergesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventindex_merges_total",
			Help: "Total number of ptable merges by source level",
		},
		[]string{"level"},
	)

	r.MergeDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "eventindex_merge_duration_seconds",
			Help:    "Ptable merge duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		},
		[]string{"level"},
	)

	r.TablesPerLevel = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventindex_tables",
			Help: "Number of ptables per index map level",
		},
		[]string{"level"},
	)
}

func (r *Registry) initRecoveryMetrics() {
	r.RebuildsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventindex_rebuilds_total",
			Help: "Index rebuilds and truncations at startup",
		},
		[]string{"reason"},
	)

	r.ReplayedEntries = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "eventindex_replayed_entries_total",
			Help: "Entries re-added from the log during startup catch-up",
		},
	)

	r.CommitCheckpoint = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "eventindex_commit_checkpoint",
			Help: "Commit checkpoint of the current index map",
		},
	)
}
