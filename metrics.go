package cobase

import "github.com/prometheus/client_golang/prometheus"

// Metrics, modeled directly on the teacher's index_manager.go prometheus
// vectors (ReindexTaskCount, ReindexDuration, ...), generalized from
// per-field reindex bookkeeping to the batcher, the entity store and the
// incremental indexer.

var BatchFlushCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cobase",
	Subsystem: "batcher",
	Name:      "flushes_total",
}, []string{"class", "reason"})

var BatchOpsPerFlush = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "cobase",
	Subsystem: "batcher",
	Name:      "ops_per_flush",
	Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
}, []string{"class"})

var BatchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cobase",
	Subsystem: "batcher",
	Name:      "failures_total",
}, []string{"class"})

var LoadFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cobase",
	Subsystem: "store",
	Name:      "load_failures_total",
}, []string{"class"})

var CacheEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cobase",
	Subsystem: "store",
	Name:      "cache_evictions_total",
}, []string{"class"})

var IndexQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "cobase",
	Subsystem: "index",
	Name:      "queue_depth",
}, []string{"index"})

var IndexOneDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "cobase",
	Subsystem: "index",
	Name:      "index_one_duration_seconds",
	Buckets:   []float64{0, .001, .005, .01, .05, .1, .5, 1},
}, []string{"index"})

var IndexOneFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cobase",
	Subsystem: "index",
	Name:      "index_one_failures_total",
}, []string{"index", "reason"})

var IndexCommits = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cobase",
	Subsystem: "index",
	Name:      "commits_total",
}, []string{"index"})

var IndexRepairResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cobase",
	Subsystem: "index",
	Name:      "repair_results_total",
}, []string{"index", "result"})

func init() {
	prometheus.MustRegister(
		BatchFlushCount, BatchOpsPerFlush, BatchFailures,
		LoadFailures, CacheEvictions,
		IndexQueueDepth, IndexOneDuration, IndexOneFailures, IndexCommits, IndexRepairResults,
	)
}
