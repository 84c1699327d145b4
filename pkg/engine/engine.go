/*
Package engine wires the pools, id indices, WAL, snapshot manager,
recovery and batch processor into the single handle external callers
open: Open runs recovery against a data directory and returns a ready
Engine; every write goes through Execute under the engine's single
writer lock, and every read (LookupNode, ScanNodes, ScanEdgesFrom) is
safe to call concurrently with a commit in progress, observing either
the pre- or post-commit state but never a partial one.

There is no package-level engine singleton: callers hold an explicit
*Engine and may open as many independent ones, against independent data
directories, as they like in one process -- each with its own lockfile,
pools and WAL.
*/
package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/nendb/pkg/batch"
	"github.com/cuemby/nendb/pkg/idindex"
	"github.com/cuemby/nendb/pkg/lockfile"
	"github.com/cuemby/nendb/pkg/log"
	"github.com/cuemby/nendb/pkg/metrics"
	"github.com/cuemby/nendb/pkg/pool"
	"github.com/cuemby/nendb/pkg/recovery"
	"github.com/cuemby/nendb/pkg/snapshot"
	"github.com/cuemby/nendb/pkg/types"
	"github.com/cuemby/nendb/pkg/wal"
	"github.com/rs/zerolog"
)

// Engine is the single entry point for a data directory: one writer
// lock, three pools, two id indices, one WAL and the most recently
// written snapshot's LSN.
type Engine struct {
	cfg types.Config

	nodes      *pool.NodePool
	edges      *pool.EdgePool
	embeddings *pool.EmbeddingPool

	nodeIndex      *idindex.Index
	embeddingIndex *idindex.Index

	wal *wal.WAL
	lck *lockfile.Lock

	writerMu sync.Mutex

	snapshotLSN atomic.Uint64

	logger zerolog.Logger
}

// Open acquires the data directory's lockfile, recovers state from the
// latest snapshot plus WAL tail, and returns a ready Engine. The caller
// must eventually call Close.
func Open(cfg types.Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	lck, err := lockfile.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:            cfg,
		nodes:          pool.NewNodePool(cfg.NodeCapacity, cfg.NodePropSize),
		edges:          pool.NewEdgePool(cfg.EdgeCapacity, cfg.EdgePropSize),
		embeddings:     pool.NewEmbeddingPool(cfg.EmbeddingCapacity, cfg.EmbeddingDim),
		nodeIndex:      idindex.New(cfg.NodeCapacity),
		embeddingIndex: idindex.New(cfg.EmbeddingCapacity),
		lck:            lck,
		logger:         log.WithComponent("engine"),
	}

	timer := metrics.NewTimer()
	result, err := recovery.Run(cfg.DataDir, cfg, e.nodes, e.edges, e.embeddings, e.nodeIndex, e.embeddingIndex)
	if err != nil {
		lck.Release()
		return nil, fmt.Errorf("open %s: %w", cfg.DataDir, err)
	}

	// The WAL is opened after recovery so that its append position is the
	// end of the log as recovery left it, past any torn tail it cut off.
	w, err := wal.Open(cfg.DataDir, cfg)
	if err != nil {
		lck.Release()
		return nil, err
	}
	e.wal = w
	timer.ObserveDuration(metrics.RecoveryDuration)
	metrics.RecoveryReplayedRecordsTotal.Add(float64(result.RecordsReplayed))
	if result.WALTailRepaired {
		metrics.WalRepairEventsTotal.Inc()
	}

	e.snapshotLSN.Store(result.SnapshotLSN)
	metrics.SnapshotLSN.Set(float64(result.SnapshotLSN))

	metrics.RegisterComponent("pool", true, "")
	walHealth := e.wal.Health()
	metrics.RegisterComponent("wal", walHealth.Healthy, walHealth.LastError)

	e.logger.Info().
		Str("data_dir", cfg.DataDir).
		Uint64("applied_lsn", result.AppliedLSN).
		Msg("engine open")
	return e, nil
}

// Close flushes and closes the WAL and releases the data directory
// lockfile. It does not write a snapshot; call Snapshot first if the
// caller wants a fresh image on disk before shutdown.
func (e *Engine) Close() error {
	walErr := e.wal.Close()
	lockErr := e.lck.Release()
	if walErr != nil {
		return fmt.Errorf("close wal: %w", walErr)
	}
	if lockErr != nil {
		return fmt.Errorf("release lockfile: %w", lockErr)
	}
	return nil
}

// Batch returns a new empty batch sized per the engine's configured
// batch_max_size.
func (e *Engine) Batch() *batch.Batch {
	return batch.New(e.cfg.BatchMaxSize)
}

// Execute commits b as a unit under the writer lock: pre-validate every
// message, append the whole batch plus its terminating batch_marker to
// the WAL, fsync per policy, then apply every message to the pools and
// id index. The batch is rejected wholesale (processed=0) if
// pre-validation or the WAL append fails; it is the caller's
// responsibility to Reset b afterwards if it intends to reuse it.
func (e *Engine) Execute(b *batch.Batch) (batch.Result, error) {
	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	timer := metrics.NewTimer()
	result, err := batch.Commit(b, batch.Target{
		Nodes:           e.nodes,
		Edges:           e.edges,
		Embeddings:      e.embeddings,
		NodeIndex:       e.nodeIndex,
		EmbeddingIndex:  e.embeddingIndex,
		WAL:             e.wal,
		ForbidSelfLoops: e.cfg.ForbidSelfLoops,
	})
	timer.ObserveDuration(metrics.BatchCommitDuration)

	walHealth := e.wal.Health()
	metrics.UpdateComponent("wal", walHealth.Healthy, walHealth.LastError)

	if err != nil {
		metrics.BatchesTotal.WithLabelValues("rejected").Inc()
		return batch.Result{}, err
	}
	metrics.BatchesTotal.WithLabelValues("committed").Inc()
	metrics.BatchRecordsProcessedTotal.Add(float64(result.Processed))
	return result, nil
}

// LookupNode returns the active node with the given external id, if
// any.
func (e *Engine) LookupNode(id uint64) (types.Node, bool) {
	slot, ok := e.nodeIndex.Lookup(id)
	if !ok {
		return types.Node{}, false
	}
	return e.nodes.Get(slot)
}

// ScanNodes calls fn for every active node, optionally restricted to a
// single kind, in slot order. fn returning false stops iteration early.
// The scan is restartable: calling it again walks the pool from the
// start under whatever state is current at that moment.
func (e *Engine) ScanNodes(kind *uint8, fn func(types.Node) bool) {
	e.nodes.IterActive(func(_ uint32, n types.Node) bool {
		if kind != nil && n.Kind != *kind {
			return true
		}
		return fn(n)
	})
}

// ScanEdgesFrom calls fn for every active edge whose From endpoint is
// nodeID, in slot order.
func (e *Engine) ScanEdgesFrom(nodeID uint64, fn func(types.Edge) bool) {
	e.edges.IterActive(func(_ uint32, ed types.Edge) bool {
		if ed.From != nodeID {
			return true
		}
		return fn(ed)
	})
}

// PoolStats reports capacity/live/cursor for one named pool.
type PoolStats struct {
	Capacity uint32
	Live     uint32
	Cursor   uint32
}

// Stats is the full engine status surface: per-pool occupancy, WAL
// health, and the LSN of the most recently written snapshot.
type Stats struct {
	Pools       map[string]PoolStats
	WAL         wal.Health
	SnapshotLSN uint64
}

// Stats reports current pool occupancy, WAL health and the last
// snapshot LSN.
func (e *Engine) Stats() Stats {
	ns, es, vs := e.nodes.Stats(), e.edges.Stats(), e.embeddings.Stats()
	return Stats{
		Pools: map[string]PoolStats{
			"nodes":      {Capacity: ns.Capacity, Live: ns.Live, Cursor: ns.Cursor},
			"edges":      {Capacity: es.Capacity, Live: es.Live, Cursor: es.Cursor},
			"embeddings": {Capacity: vs.Capacity, Live: vs.Live, Cursor: vs.Cursor},
		},
		WAL:         e.wal.Health(),
		SnapshotLSN: e.snapshotLSN.Load(),
	}
}

// MetricsStats adapts Stats to metrics.EngineStats, so a
// metrics.Collector can be pointed at this engine without the metrics
// package importing engine (and vice versa).
func (e *Engine) MetricsStats() metrics.EngineStats {
	s := e.Stats()
	pools := make(map[string]metrics.PoolStats, len(s.Pools))
	for name, p := range s.Pools {
		pools[name] = metrics.PoolStats{Capacity: p.Capacity, Live: p.Live, Cursor: p.Cursor}
	}
	return metrics.EngineStats{
		Pools: pools,
		WAL: metrics.WALStats{
			Healthy:      s.WAL.Healthy,
			IOErrorCount: s.WAL.IOErrorCount,
			EndPosition:  s.WAL.EndPosition,
		},
		Snapshot: metrics.SnapshotStats{LSN: s.SnapshotLSN},
	}
}

// metricsSource adapts Engine to metrics.StatsSource, whose Stats()
// method must return metrics.EngineStats -- a different shape than
// Engine's own Stats() return type -- so a Collector can poll an engine
// without this package importing metrics.Collector's caller or vice
// versa.
type metricsSource struct{ e *Engine }

func (m metricsSource) Stats() metrics.EngineStats { return m.e.MetricsStats() }

// MetricsSource returns a metrics.StatsSource backed by e, suitable for
// metrics.NewCollector.
func (e *Engine) MetricsSource() metrics.StatsSource {
	return metricsSource{e: e}
}

// Snapshot quiesces writers, writes a point-in-time image of every pool
// and index to disk, and rotates the WAL to a fresh segment starting
// just past the snapshot's LSN. Readers are not blocked: the writer
// lock only excludes other writers, and pool reads never take it.
func (e *Engine) Snapshot() (uint64, error) {
	e.writerMu.Lock()
	defer e.writerMu.Unlock()

	lsn := e.wal.NextLSN() - 1
	timer := metrics.NewTimer()

	if err := snapshot.Write(e.cfg.DataDir, snapshot.State{
		LSN:            lsn,
		Nodes:          e.nodes,
		Edges:          e.edges,
		Embeddings:     e.embeddings,
		NodeIndex:      e.nodeIndex,
		EmbeddingIndex: e.embeddingIndex,
	}); err != nil {
		return 0, err
	}

	if err := e.wal.Rotate(); err != nil {
		return 0, err
	}
	if err := e.wal.RemoveSegmentsBefore(e.wal.Health().ActiveSegment); err != nil {
		e.logger.Warn().Err(err).Msg("failed to prune wal segments preceding snapshot")
	}

	timer.ObserveDuration(metrics.SnapshotDuration)
	metrics.SnapshotsTotal.Inc()
	e.snapshotLSN.Store(lsn)
	metrics.SnapshotLSN.Set(float64(lsn))

	e.logger.Info().Uint64("lsn", lsn).Msg("snapshot taken")
	return lsn, nil
}

// AutoBatch wraps a Batch with a background timer that auto-commits a
// partially filled batch once batch_timeout_ms elapses since the first
// message was queued, or once auto_commit_threshold messages have been
// queued, whichever comes first. Execute itself never decides to flush
// early -- a caller that wants bounded latency on low-traffic batches
// without committing one message at a time builds an AutoBatch instead.
type AutoBatch struct {
	engine    *Engine
	mu        sync.Mutex
	b         *batch.Batch
	threshold uint32
	timeout   time.Duration
	timer     *time.Timer
	onCommit  func(batch.Result, error)
}

// NewAutoBatch constructs an AutoBatch bound to e, auto-committing per
// e's configured AutoCommitThreshold/BatchTimeoutMs. onCommit is invoked
// (off the caller's goroutine) whenever a timeout-driven commit fires;
// synchronous Add-driven commits return their result directly from Add.
func (e *Engine) NewAutoBatch(onCommit func(batch.Result, error)) *AutoBatch {
	ab := &AutoBatch{
		engine:    e,
		b:         e.Batch(),
		threshold: e.cfg.AutoCommitThreshold,
		timeout:   time.Duration(e.cfg.BatchTimeoutMs) * time.Millisecond,
		onCommit:  onCommit,
	}
	return ab
}

// Add queues fn (one of b.AddCreateNode etc., bound via a closure) onto
// the pending batch. If the batch reaches the configured
// auto-commit threshold it is committed immediately and the result is
// returned; otherwise (nil, nil) is returned. The first message queued
// into an empty batch arms a timer that flushes the batch
// batch_timeout_ms later; later Adds do not reset it.
func (ab *AutoBatch) Add(fn func(*batch.Batch) error) (*batch.Result, error) {
	ab.mu.Lock()
	defer ab.mu.Unlock()

	if err := fn(ab.b); err != nil {
		return nil, err
	}

	if ab.timer == nil && ab.timeout > 0 {
		ab.timer = time.AfterFunc(ab.timeout, ab.flushOnTimeout)
	}

	if ab.threshold > 0 && uint32(ab.b.Len()) >= ab.threshold {
		result, err := ab.commitLocked()
		return &result, err
	}
	return nil, nil
}

func (ab *AutoBatch) flushOnTimeout() {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.b.Len() == 0 {
		return
	}
	result, err := ab.commitLocked()
	if ab.onCommit != nil {
		ab.onCommit(result, err)
	}
}

// commitLocked executes the pending batch and resets it for reuse.
// Caller holds ab.mu.
func (ab *AutoBatch) commitLocked() (batch.Result, error) {
	if ab.timer != nil {
		ab.timer.Stop()
		ab.timer = nil
	}
	result, err := ab.engine.Execute(ab.b)
	ab.b.Reset()
	return result, err
}

// Stop cancels any pending auto-commit timer without flushing.
func (ab *AutoBatch) Stop() {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	if ab.timer != nil {
		ab.timer.Stop()
		ab.timer = nil
	}
}
