package metrics

import (
	"strconv"
	"time"
)

// Lookup results
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// RecordLookup records a read query with its duration
func (r *Registry) RecordLookup(operation, result string, duration time.Duration) {
	r.LookupsTotal.WithLabelValues(operation, result).Inc()
	r.LookupDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFlush records a memtable flush
func (r *Registry) RecordFlush(status string, entries int, duration time.Duration) {
	r.FlushesTotal.WithLabelValues(status).Inc()
	if status != "success" {
		return
	}
	r.FlushDuration.Observe(duration.Seconds())
	r.FlushedEntries.Observe(float64(entries))
}

// RecordMerge records a merge of all tables at the given level
func (r *Registry) RecordMerge(level int, duration time.Duration) {
	lvl := strconv.Itoa(level)
	r.MergesTotal.WithLabelValues(lvl).Inc()
	r.MergeDuration.WithLabelValues(lvl).Observe(duration.Seconds())
}

// SetTablesPerLevel replaces the per-level table gauges
func (r *Registry) SetTablesPerLevel(counts []int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.TablesPerLevel.Reset()
	for level, n := range counts {
		r.TablesPerLevel.WithLabelValues(strconv.Itoa(level)).Set(float64(n))
	}
}

// RecordRebuild records a startup rebuild or truncation
func (r *Registry) RecordRebuild(reason string) {
	r.RebuildsTotal.WithLabelValues(reason).Inc()
}
