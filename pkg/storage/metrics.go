package storage

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "strata"

var (
	flushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "memtable_flushes_total",
		Help:      "Total number of memtables flushed to level 0.",
	})
	flushedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "memtable_flushed_bytes_total",
		Help:      "Total number of value bytes flushed to level 0.",
	})
	compactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "compactions_total",
		Help:      "Total number of compactions, labeled by the source level.",
	}, []string{"level"})
	compactionDroppedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "compaction_dropped_entries_total",
		Help:      "Index entries dropped by compactions.",
	}, []string{"reason" /* shadowed | tombstone */})
	tombstonesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "tombstones_total",
		Help:      "Total number of index entries tombstoned by deletes.",
	})
	levelTables = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "level_tables",
		Help:      "Number of SSTables currently held by each level.",
	}, []string{"level"})
	valueCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "value_cache_lookups_total",
		Help:      "Total number of value cache lookups.",
	}, []string{"status" /* hit | miss */})
	valueCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "value_cache_evictions_total",
		Help:      "Total number of values evicted from the value cache.",
	})
)

// levelLabel renders a level id as a metric label.
func levelLabel(level int) string {
	return strconv.Itoa(level)
}
