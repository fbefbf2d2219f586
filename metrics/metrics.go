// Package metrics registers the Prometheus series a tablet server
// exposes on its admin HTTP surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	CommandsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabletdb",
			Subsystem: "wire",
			Name:      "commands_total",
			Help:      "Counter of translated commands by kind and outcome.",
		}, []string{"kind", "status"})

	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tabletdb",
			Subsystem: "wire",
			Name:      "command_latency_seconds",
			Help:      "Bucketed histogram of time spent (s) translating a command.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"kind"})

	WriteBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tabletdb",
			Subsystem: "planner",
			Name:      "write_batch_entries",
			Help:      "Bucketed histogram of entry count per committed write batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		})

	ReadRowsScanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tabletdb",
			Subsystem: "planner",
			Name:      "read_rows_scanned_total",
			Help:      "Counter of rows a ReadPlanner scan has visited, excluding skipped stale index entries.",
		})

	StaleIndexEntriesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tabletdb",
			Subsystem: "planner",
			Name:      "stale_index_entries_skipped_total",
			Help:      "Counter of index-assisted reads that skipped an index entry with no matching base row.",
		})

	TabletStaleLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabletdb",
			Subsystem: "metacache",
			Name:      "stale_lookups_total",
			Help:      "Counter of metacache lookups against a tablet already marked stale.",
		}, []string{"table"})

	TabletRefreshesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tabletdb",
			Subsystem: "metacache",
			Name:      "refreshes_in_flight",
			Help:      "Gauge of deduped metacache refresh goroutines currently running.",
		})

	ScannersOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tabletdb",
			Subsystem: "scanner",
			Name:      "open",
			Help:      "Gauge of scanners currently registered in a tablet server's ScannerRegistry.",
		})

	ScannersExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tabletdb",
			Subsystem: "scanner",
			Name:      "expired_total",
			Help:      "Counter of scanners the GC sweep closed for exceeding their TTL.",
		})

	SessionFlushLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tabletdb",
			Subsystem: "client",
			Name:      "session_flush_latency_seconds",
			Help:      "Bucketed histogram of time spent (s) flushing a client Session's buffered writes.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		})

	TabletReplicaFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tabletdb",
			Subsystem: "tablet",
			Name:      "replica_failures_total",
			Help:      "Counter of replica failures observed by Remote.MarkFailed, by server.",
		}, []string{"server_id"})
)

func init() {
	prometheus.MustRegister(
		CommandsCounter,
		CommandLatency,
		WriteBatchSize,
		ReadRowsScanned,
		StaleIndexEntriesSkipped,
		TabletStaleLookups,
		TabletRefreshesInFlight,
		ScannersOpen,
		ScannersExpired,
		SessionFlushLatency,
		TabletReplicaFailures,
	)
}
