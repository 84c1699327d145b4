package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PoolLive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nendb_pool_live_total",
			Help: "Number of active slots per pool",
		},
		[]string{"pool"},
	)

	PoolCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nendb_pool_capacity",
			Help: "Configured capacity per pool",
		},
		[]string{"pool"},
	)

	PoolCursor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nendb_pool_cursor",
			Help: "Allocation cursor per pool",
		},
		[]string{"pool"},
	)

	PoolExhaustedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nendb_pool_exhausted_total",
			Help: "Total number of PoolExhausted rejections per pool",
		},
		[]string{"pool"},
	)

	// WAL metrics
	WalHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nendb_wal_healthy",
			Help: "Whether the write-ahead log is healthy (1) or not (0)",
		},
	)

	WalIOErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nendb_wal_io_errors_total",
			Help: "Total number of WAL IO errors observed",
		},
	)

	WalEndPosition = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nendb_wal_end_position_bytes",
			Help: "Current end-of-log byte offset of the active WAL segment",
		},
	)

	WalAppendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nendb_wal_append_duration_seconds",
			Help:    "Time taken to append and sync a batch to the WAL",
			Buckets: prometheus.DefBuckets,
		},
	)

	WalRepairEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nendb_wal_repair_events_total",
			Help: "Total number of tail-repair events observed at recovery",
		},
	)

	// Snapshot metrics
	SnapshotLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nendb_snapshot_lsn",
			Help: "LSN of the most recently written snapshot",
		},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nendb_snapshot_duration_seconds",
			Help:    "Time taken to write a full snapshot image",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nendb_snapshots_total",
			Help: "Total number of snapshots written",
		},
	)

	// Recovery metrics
	RecoveryReplayedRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nendb_recovery_replayed_records_total",
			Help: "Total number of WAL records replayed during the most recent recovery",
		},
	)

	RecoveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nendb_recovery_duration_seconds",
			Help:    "Time taken to complete recovery on open",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Batch processor metrics
	BatchCommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nendb_batch_commit_duration_seconds",
			Help:    "Time taken to commit a batch (WAL append + pool apply)",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nendb_batches_total",
			Help: "Total number of batches executed, by outcome",
		},
		[]string{"outcome"}, // committed, rejected
	)

	BatchRecordsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nendb_batch_records_processed_total",
			Help: "Total number of records applied across all committed batches",
		},
	)
)

func init() {
	// Register pool metrics
	prometheus.MustRegister(PoolLive)
	prometheus.MustRegister(PoolCapacity)
	prometheus.MustRegister(PoolCursor)
	prometheus.MustRegister(PoolExhaustedTotal)

	// Register WAL metrics
	prometheus.MustRegister(WalHealthy)
	prometheus.MustRegister(WalIOErrorsTotal)
	prometheus.MustRegister(WalEndPosition)
	prometheus.MustRegister(WalAppendDuration)
	prometheus.MustRegister(WalRepairEventsTotal)

	// Register snapshot metrics
	prometheus.MustRegister(SnapshotLSN)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(SnapshotsTotal)

	// Register recovery metrics
	prometheus.MustRegister(RecoveryReplayedRecordsTotal)
	prometheus.MustRegister(RecoveryDuration)

	// Register batch metrics
	prometheus.MustRegister(BatchCommitDuration)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(BatchRecordsProcessedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
