package metrics

import "time"

// EngineStats is the subset of engine stats this collector needs. It is
// defined here (rather than imported) so metrics stays free of a dependency
// on the engine package; the engine converts its own Stats into this shape
// (Engine.MetricsStats).
type EngineStats struct {
	Pools    map[string]PoolStats
	WAL      WALStats
	Snapshot SnapshotStats
}

// PoolStats mirrors pool.Stats for metrics purposes.
type PoolStats struct {
	Capacity uint32
	Live     uint32
	Cursor   uint32
}

// WALStats mirrors the WAL health struct for metrics purposes.
type WALStats struct {
	Healthy      bool
	IOErrorCount uint64
	EndPosition  int64
}

// SnapshotStats mirrors the snapshot manager's last-write state.
type SnapshotStats struct {
	LSN uint64
}

// StatsSource is implemented by the value returned from
// engine.Engine.MetricsSource.
type StatsSource interface {
	Stats() EngineStats
}

// Collector periodically samples engine stats into the package-level
// Prometheus gauges.
type Collector struct {
	source StatsSource
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector bound to an engine.
func NewCollector(source StatsSource) *Collector {
	return &Collector{
		source: source,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start(interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	stats := c.source.Stats()

	for name, p := range stats.Pools {
		PoolCapacity.WithLabelValues(name).Set(float64(p.Capacity))
		PoolLive.WithLabelValues(name).Set(float64(p.Live))
		PoolCursor.WithLabelValues(name).Set(float64(p.Cursor))
	}

	if stats.WAL.Healthy {
		WalHealthy.Set(1)
	} else {
		WalHealthy.Set(0)
	}
	WalEndPosition.Set(float64(stats.WAL.EndPosition))

	SnapshotLSN.Set(float64(stats.Snapshot.LSN))
}
