/*
Package metrics provides Prometheus metrics collection and exposition for the
storage engine.

The metrics package defines and registers engine metrics using the
Prometheus client library, giving observability into pool occupancy, WAL
health, snapshot cadence, and batch commit latency. Metrics are exposed via
an HTTP endpoint for scraping by a Prometheus server; nothing in this
package participates in engine correctness.

# Metrics Catalog

Pool metrics (labeled by pool: "nodes", "edges", "embeddings"):

  - nendb_pool_live_total{pool}: active slot count (Gauge)
  - nendb_pool_capacity{pool}: configured capacity (Gauge)
  - nendb_pool_cursor{pool}: allocation cursor (Gauge)
  - nendb_pool_exhausted_total{pool}: PoolExhausted rejections (Counter)

WAL metrics:

  - nendb_wal_healthy: 1 if healthy, 0 if unhealthy (Gauge)
  - nendb_wal_io_errors_total: IO errors observed (Counter)
  - nendb_wal_end_position_bytes: current end-of-log offset (Gauge)
  - nendb_wal_append_duration_seconds: append+sync latency (Histogram)
  - nendb_wal_repair_events_total: tail-repair events at recovery (Counter)

Snapshot metrics:

  - nendb_snapshot_lsn: LSN of the last snapshot (Gauge)
  - nendb_snapshot_duration_seconds: snapshot write latency (Histogram)
  - nendb_snapshots_total: snapshots written (Counter)

Recovery metrics:

  - nendb_recovery_replayed_records_total: records replayed on open (Counter)
  - nendb_recovery_duration_seconds: time to complete recovery (Histogram)

Batch processor metrics:

  - nendb_batch_commit_duration_seconds: WAL append + pool apply (Histogram)
  - nendb_batches_total{outcome}: batches by outcome, committed/rejected (Counter)
  - nendb_batch_records_processed_total: records applied across batches (Counter)

# Usage

	timer := metrics.NewTimer()
	result, err := engine.Execute(batch)
	timer.ObserveDuration(metrics.BatchCommitDuration)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues("rejected").Inc()
	} else {
		metrics.BatchesTotal.WithLabelValues("committed").Inc()
		metrics.BatchRecordsProcessedTotal.Add(float64(result.Processed))
	}

	http.Handle("/metrics", metrics.Handler())

A Collector samples a StatsSource (the engine's MetricsSource()) on an
interval to keep the pool/WAL/snapshot gauges current without wiring
every call site:

	collector := metrics.NewCollector(eng.MetricsSource())
	collector.Start(15 * time.Second)
	defer collector.Stop()

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
