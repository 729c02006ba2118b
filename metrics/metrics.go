// Package metrics exposes Prometheus collectors for the scanning and
// correlation pipeline. Collectors are registered via promauto at package
// load and served on /metrics by the API router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FilesScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_files_scanned_total",
			Help: "Total number of files processed by the scan workers",
		},
		[]string{"result"}, // matched, clean, skipped, error, timeout
	)

	AlertsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_persisted_total",
			Help: "Total number of alerts written to the store",
		},
		[]string{"source"}, // file, network
	)

	AlertsDeduplicated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_alerts_deduplicated_total",
			Help: "Total number of alert inserts absorbed by the uniqueness constraint",
		},
		[]string{"source"},
	)

	TasksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_scan_tasks_dropped_total",
			Help: "Total number of scan tasks dropped because the queue stayed full past the enqueue timeout",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_scan_queue_depth",
			Help: "Current number of scan tasks waiting in the dispatch queue",
		},
	)

	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "argus_scan_duration_seconds",
			Help:    "Time taken to hash and match a single file",
			Buckets: prometheus.DefBuckets,
		},
	)

	EveLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_eve_lines_total",
			Help: "Total number of IDS event stream lines read",
		},
		[]string{"status"}, // ingested, skipped, malformed
	)

	CorrelationRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "argus_correlation_runs_total",
			Help: "Total number of correlation engine runs",
		},
		[]string{"result"}, // ok, error
	)

	IncidentsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_incidents_created_total",
			Help: "Total number of correlated incidents persisted",
		},
	)

	PoolExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "argus_store_pool_exhausted_total",
			Help: "Total number of connection acquisitions that timed out waiting on the pool",
		},
	)

	RuleSetSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "argus_ruleset_rules",
			Help: "Number of rules in the active ruleset snapshot",
		},
	)
)
