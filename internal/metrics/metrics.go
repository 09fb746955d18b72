// Package metrics provides Prometheus metrics for readtrack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Read paths.
const (
	PathCache    = "cache"
	PathFallback = "fallback"
	PathFailed   = "failed"
)

var (
	// ReadsRecorded counts read events by the path that stored them.
	ReadsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readtrack",
			Name:      "reads_recorded_total",
			Help:      "Total number of read events by storage path",
		},
		[]string{"path"},
	)

	// ReconcileJobs counts reconciliation jobs by final status.
	ReconcileJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readtrack",
			Name:      "reconcile_jobs_total",
			Help:      "Total number of reconciliation jobs by status",
		},
		[]string{"status"},
	)

	// ReconcileDuration measures one reconciliation attempt.
	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "readtrack",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation attempts in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// StatsLookups counts stats queries by the tier that answered.
	StatsLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "readtrack",
			Name:      "stats_lookups_total",
			Help:      "Total number of stats lookups by source",
		},
		[]string{"source"},
	)

	// QueueDepth tracks pending tasks in the scheduler queue.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "readtrack",
			Name:      "task_queue_depth",
			Help:      "Number of tasks waiting in the scheduler queue",
		},
	)

	// CacheConnectionStatus tracks counter cache reachability.
	CacheConnectionStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "readtrack",
			Name:      "cache_connection_status",
			Help:      "Counter cache status (1 = reachable, 0 = unreachable)",
		},
	)

	// BreakerOpen reports whether the cache circuit breaker is open.
	BreakerOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "readtrack",
			Name:      "cache_breaker_open",
			Help:      "Cache circuit breaker state (1 = open, 0 = closed or half-open)",
		},
	)
)

// RecordRead records a read event stored via path.
func RecordRead(path string) {
	ReadsRecorded.WithLabelValues(path).Inc()
}

// RecordReconcile records a finished reconciliation job.
func RecordReconcile(status string) {
	ReconcileJobs.WithLabelValues(status).Inc()
}

// RecordLookup records a stats lookup answered by source.
func RecordLookup(source string) {
	StatsLookups.WithLabelValues(source).Inc()
}

// SetCacheReachable sets the cache connection gauge.
func SetCacheReachable(ok bool) {
	if ok {
		CacheConnectionStatus.Set(1)
		return
	}
	CacheConnectionStatus.Set(0)
}

// SetBreakerOpen sets the breaker gauge.
func SetBreakerOpen(open bool) {
	if open {
		BreakerOpen.Set(1)
		return
	}
	BreakerOpen.Set(0)
}
