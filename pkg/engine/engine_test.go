package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/nendb/pkg/types"
)

func testCfg(dir string) types.Config {
	cfg := types.DefaultConfig(dir)
	cfg.NodeCapacity = 4
	cfg.EdgeCapacity = 8
	cfg.EmbeddingCapacity = 4
	cfg.EmbeddingDim = 2
	cfg.NodePropSize = 16
	cfg.EdgePropSize = 16
	cfg.BatchMaxSize = 8
	cfg.WalSyncPolicy = types.SyncImmediate
	return cfg
}

// Scenario 1: fresh open, insert a couple of nodes, reopen and see them.
func TestEngine_FreshOpenInsertReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg(dir)

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b := e.Batch()
	if err := b.AddCreateNode(1, 5, []byte("alice")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.AddCreateNode(2, 5, []byte("bob")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := e.Execute(b); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	n, ok := e2.LookupNode(1)
	if !ok || string(n.Properties[:5]) != "alice" {
		t.Fatalf("unexpected node after reopen: %+v ok=%v", n, ok)
	}
	if _, ok := e2.LookupNode(2); !ok {
		t.Fatal("expected node 2 to survive reopen")
	}
}

// Scenario 2: two commits land in the WAL with no snapshot taken; a
// fresh Open must replay both from the WAL alone.
func TestEngine_CrashBetweenWALAppendAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg(dir)

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b1 := e.Batch()
	_ = b1.AddCreateNode(1, 1, nil)
	if _, err := e.Execute(b1); err != nil {
		t.Fatalf("execute 1: %v", err)
	}
	b2 := e.Batch()
	_ = b2.AddCreateNode(2, 1, nil)
	if _, err := e.Execute(b2); err != nil {
		t.Fatalf("execute 2: %v", err)
	}
	// No Snapshot() call -- simulate a crash by closing without one.
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	if _, ok := e2.LookupNode(1); !ok {
		t.Fatal("expected node 1 recovered from wal")
	}
	if _, ok := e2.LookupNode(2); !ok {
		t.Fatal("expected node 2 recovered from wal")
	}
	if e2.Stats().SnapshotLSN != 0 {
		t.Fatalf("expected no snapshot, got lsn %d", e2.Stats().SnapshotLSN)
	}
}

// Scenario 3: a second batch's WAL bytes are torn at the tail (crash
// mid-write); the engine must repair the tail and still recover the
// state committed by the first, intact batch.
func TestEngine_TornWriteAtWALTail(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg(dir)

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b1 := e.Batch()
	_ = b1.AddCreateNode(1, 1, nil)
	if _, err := e.Execute(b1); err != nil {
		t.Fatalf("execute 1: %v", err)
	}
	b2 := e.Batch()
	_ = b2.AddCreateNode(2, 1, nil)
	if _, err := e.Execute(b2); err != nil {
		t.Fatalf("execute 2: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Truncate the last 4 bytes of the single WAL segment, simulating a
	// crash partway through flushing the tail of the second commit.
	segPath := filepath.Join(dir, "wal.000000")
	info, err := os.Stat(segPath)
	if err != nil {
		t.Fatalf("stat segment: %v", err)
	}
	if err := os.Truncate(segPath, info.Size()-4); err != nil {
		t.Fatalf("truncate segment: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen after torn tail: %v", err)
	}
	defer e2.Close()

	if _, ok := e2.LookupNode(1); !ok {
		t.Fatal("expected node 1 (before the tear) to survive recovery")
	}
}

// Scenario 4: committing a node id that already exists is rejected
// wholesale with no pool mutation.
func TestEngine_DuplicateIDRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg(dir)

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	b1 := e.Batch()
	_ = b1.AddCreateNode(1, 1, nil)
	if _, err := e.Execute(b1); err != nil {
		t.Fatalf("execute 1: %v", err)
	}

	b2 := e.Batch()
	_ = b2.AddCreateNode(1, 1, nil)
	result, err := e.Execute(b2)
	if !errors.Is(err, types.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected zero processed, got %d", result.Processed)
	}
}

// Scenario 5: a node pool sized for two entries rejects a third create,
// leaving the WAL holding only the first two creates plus their markers.
func TestEngine_PoolExhaustion(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg(dir)
	cfg.NodeCapacity = 2

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	b1 := e.Batch()
	_ = b1.AddCreateNode(1, 1, nil)
	if _, err := e.Execute(b1); err != nil {
		t.Fatalf("execute 1: %v", err)
	}
	b2 := e.Batch()
	_ = b2.AddCreateNode(2, 1, nil)
	if _, err := e.Execute(b2); err != nil {
		t.Fatalf("execute 2: %v", err)
	}

	endBefore := e.Stats().WAL.EndPosition

	b3 := e.Batch()
	_ = b3.AddCreateNode(3, 1, nil)
	if _, err := e.Execute(b3); !errors.Is(err, types.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	if e.Stats().Pools["nodes"].Live != 2 {
		t.Fatalf("expected exactly 2 live nodes, got %d", e.Stats().Pools["nodes"].Live)
	}
	// The rejected third batch must never have reached the WAL: its
	// create_node record and batch_marker are never appended, so the log
	// still ends exactly where it did after the second commit.
	if got := e.Stats().WAL.EndPosition; got != endBefore {
		t.Fatalf("expected WAL end position unchanged by rejected batch: before=%d after=%d", endBefore, got)
	}
}

// Scenario 6: taking a snapshot rotates the WAL; a subsequent commit and
// reopen must show all nodes, with the new WAL segment starting past the
// snapshot's LSN.
func TestEngine_SnapshotAndWALRotation(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg(dir)

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b1 := e.Batch()
	_ = b1.AddCreateNode(1, 1, nil)
	_ = b1.AddCreateNode(2, 1, nil)
	if _, err := e.Execute(b1); err != nil {
		t.Fatalf("execute 1: %v", err)
	}

	lsn, err := e.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if lsn == 0 {
		t.Fatal("expected nonzero snapshot lsn")
	}

	b2 := e.Batch()
	_ = b2.AddCreateNode(3, 1, nil)
	if _, err := e.Execute(b2); err != nil {
		t.Fatalf("execute 2: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer e2.Close()

	for _, id := range []uint64{1, 2, 3} {
		if _, ok := e2.LookupNode(id); !ok {
			t.Fatalf("expected node %d to survive snapshot+rotation+reopen", id)
		}
	}
	if e2.Stats().SnapshotLSN != lsn {
		t.Fatalf("expected snapshot lsn %d preserved across reopen, got %d", lsn, e2.Stats().SnapshotLSN)
	}
}

func TestEngine_SecondOpenOnSameDataDirIsLocked(t *testing.T) {
	dir := t.TempDir()
	cfg := testCfg(dir)

	e, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	if _, err := Open(cfg); !errors.Is(err, types.ErrDatabaseLocked) {
		t.Fatalf("expected ErrDatabaseLocked on concurrent open, got %v", err)
	}
}
