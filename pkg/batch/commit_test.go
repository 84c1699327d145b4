package batch

import (
	"errors"
	"testing"

	"github.com/cuemby/nendb/pkg/idindex"
	"github.com/cuemby/nendb/pkg/pool"
	"github.com/cuemby/nendb/pkg/types"
	"github.com/cuemby/nendb/pkg/wal"
)

func newTarget(t *testing.T, forbidSelfLoops bool) (Target, func()) {
	t.Helper()
	dir := t.TempDir()
	cfg := types.DefaultConfig(dir)
	cfg.WalSyncPolicy = types.SyncImmediate

	w, err := wal.Open(dir, cfg)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}

	target := Target{
		Nodes:           pool.NewNodePool(4, 8),
		Edges:           pool.NewEdgePool(4, 8),
		Embeddings:      pool.NewEmbeddingPool(4, 2),
		NodeIndex:       idindex.New(4),
		EmbeddingIndex:  idindex.New(4),
		WAL:             w,
		ForbidSelfLoops: forbidSelfLoops,
	}
	return target, func() { w.Close() }
}

func TestCommit_CreateNodesAndEdge(t *testing.T) {
	target, closeFn := newTarget(t, false)
	defer closeFn()

	b := New(8)
	if err := b.AddCreateNode(1, 5, []byte("a")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.AddCreateNode(2, 6, []byte("b")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := b.AddCreateEdge(1, 2, 7, nil); err != nil {
		t.Fatalf("add: %v", err)
	}

	result, err := Commit(b, target)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.Processed != 3 {
		t.Fatalf("expected 3 processed, got %d", result.Processed)
	}
	if result.BatchID == "" {
		t.Fatal("expected a batch id")
	}
	if target.Nodes.Stats().Live != 2 {
		t.Fatalf("expected 2 live nodes, got %d", target.Nodes.Stats().Live)
	}
}

func TestCommit_DuplicateIDRejectsWholeBatchBeforeAnyMutation(t *testing.T) {
	target, closeFn := newTarget(t, false)
	defer closeFn()

	b := New(8)
	_ = b.AddCreateNode(1, 5, nil)
	if _, err := Commit(b, target); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	b2 := New(8)
	_ = b2.AddCreateNode(2, 5, nil)
	_ = b2.AddCreateNode(1, 5, nil) // duplicate of an already-committed id

	result, err := Commit(b2, target)
	if !errors.Is(err, types.ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected zero processed on rejected batch, got %d", result.Processed)
	}
	// Node 2 must not have been applied either: duplicate detection in
	// message 2 must prevent message 1 from having any effect.
	if _, ok := target.NodeIndex.Lookup(2); ok {
		t.Fatal("expected no partial application on a rejected batch")
	}
	if target.Nodes.Stats().Live != 1 {
		t.Fatalf("expected only the first commit's node live, got %d", target.Nodes.Stats().Live)
	}
}

func TestCommit_EdgeToUnknownNodeIsRejected(t *testing.T) {
	target, closeFn := newTarget(t, false)
	defer closeFn()

	b := New(8)
	_ = b.AddCreateNode(1, 5, nil)
	_ = b.AddCreateEdge(1, 99, 1, nil)

	_, err := Commit(b, target)
	if !errors.Is(err, types.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	if target.Edges.Stats().Live != 0 {
		t.Fatalf("expected no edges applied, got %d", target.Edges.Stats().Live)
	}
}

func TestCommit_SelfLoopForbiddenWhenConfigured(t *testing.T) {
	target, closeFn := newTarget(t, true)
	defer closeFn()

	b := New(8)
	_ = b.AddCreateNode(1, 5, nil)
	_ = b.AddCreateEdge(1, 1, 1, nil)

	_, err := Commit(b, target)
	if !errors.Is(err, types.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration for self-loop, got %v", err)
	}
}

func TestCommit_EmbeddingDimMismatchRejected(t *testing.T) {
	target, closeFn := newTarget(t, false)
	defer closeFn()

	b := New(8)
	_ = b.AddCreateNode(1, 5, nil)
	_ = b.AddCreateEmbedding(1, []float32{1, 2, 3}) // pool dim is 2

	_, err := Commit(b, target)
	if !errors.Is(err, types.ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration for dim mismatch, got %v", err)
	}
}

func TestCommit_DeleteThenUpdateUnknownNodeRejected(t *testing.T) {
	target, closeFn := newTarget(t, false)
	defer closeFn()

	b := New(8)
	_ = b.AddUpdateNode(42, 1, nil)

	_, err := Commit(b, target)
	if !errors.Is(err, types.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestCommit_DeleteNodeRemovesFromIndexAndPool(t *testing.T) {
	target, closeFn := newTarget(t, false)
	defer closeFn()

	b := New(8)
	_ = b.AddCreateNode(1, 5, nil)
	if _, err := Commit(b, target); err != nil {
		t.Fatalf("create commit: %v", err)
	}

	b2 := New(8)
	_ = b2.AddDeleteNode(1)
	if _, err := Commit(b2, target); err != nil {
		t.Fatalf("delete commit: %v", err)
	}

	if _, ok := target.NodeIndex.Lookup(1); ok {
		t.Fatal("expected node removed from index")
	}
	if target.Nodes.Stats().Live != 0 {
		t.Fatalf("expected zero live nodes after delete, got %d", target.Nodes.Stats().Live)
	}
}

func TestCommit_DeleteEdgeByCompositeKeyMarksSlotInactive(t *testing.T) {
	target, closeFn := newTarget(t, false)
	defer closeFn()

	b := New(8)
	_ = b.AddCreateNode(1, 5, nil)
	_ = b.AddCreateNode(2, 6, nil)
	_ = b.AddCreateEdge(1, 2, 7, nil)
	if _, err := Commit(b, target); err != nil {
		t.Fatalf("create commit: %v", err)
	}

	b2 := New(8)
	_ = b2.AddDeleteEdge(1, 2, 7)
	if _, err := Commit(b2, target); err != nil {
		t.Fatalf("delete commit: %v", err)
	}

	if target.Edges.Stats().Live != 0 {
		t.Fatalf("expected zero live edges after delete, got %d", target.Edges.Stats().Live)
	}
	if slot, ok := target.Edges.FindActive(1, 2, 7); ok {
		t.Fatalf("expected no active edge matching key, found slot %d", slot)
	}
}

func TestCommit_DeleteEdgeUnknownKeyRejected(t *testing.T) {
	target, closeFn := newTarget(t, false)
	defer closeFn()

	b := New(8)
	_ = b.AddCreateNode(1, 5, nil)
	_ = b.AddCreateNode(2, 6, nil)
	_ = b.AddCreateEdge(1, 2, 7, nil)
	if _, err := Commit(b, target); err != nil {
		t.Fatalf("create commit: %v", err)
	}

	b2 := New(8)
	_ = b2.AddDeleteEdge(1, 2, 99) // wrong label, no matching edge
	if _, err := Commit(b2, target); !errors.Is(err, types.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode for unknown edge key, got %v", err)
	}
	if target.Edges.Stats().Live != 1 {
		t.Fatalf("expected the original edge to survive the rejected batch, got %d live", target.Edges.Stats().Live)
	}
}

func TestCommit_PoolExhaustedRejectsBeforeWALAppend(t *testing.T) {
	dir := t.TempDir()
	cfg := types.DefaultConfig(dir)
	cfg.WalSyncPolicy = types.SyncImmediate

	w, err := wal.Open(dir, cfg)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	defer w.Close()

	target := Target{
		Nodes:          pool.NewNodePool(2, 8),
		Edges:          pool.NewEdgePool(4, 8),
		Embeddings:     pool.NewEmbeddingPool(4, 2),
		NodeIndex:      idindex.New(2),
		EmbeddingIndex: idindex.New(4),
		WAL:            w,
	}

	b := New(8)
	_ = b.AddCreateNode(1, 0, nil)
	_ = b.AddCreateNode(2, 0, nil)
	if _, err := Commit(b, target); err != nil {
		t.Fatalf("first commit (fills capacity): %v", err)
	}
	lsnAfterFirstCommit := w.NextLSN()

	b2 := New(8)
	_ = b2.AddCreateNode(3, 0, nil)

	result, err := Commit(b2, target)
	if !errors.Is(err, types.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected zero processed on rejected batch, got %d", result.Processed)
	}
	if target.Nodes.Stats().Live != 2 {
		t.Fatalf("expected live count unchanged at 2, got %d", target.Nodes.Stats().Live)
	}
	if _, ok := target.NodeIndex.Lookup(3); ok {
		t.Fatal("rejected create must not appear in the id index")
	}
	// The rejected batch must never have reached the WAL: no create_node
	// record and no batch_marker for it, so a subsequent recovery.Run never
	// replays an over-capacity create against an already-full pool.
	if got := w.NextLSN(); got != lsnAfterFirstCommit {
		t.Fatalf("expected no WAL append for rejected batch: NextLSN before=%d after=%d", lsnAfterFirstCommit, got)
	}
}

func TestCommit_PoolExhaustedWithinSameBatchRejectsEntireBatch(t *testing.T) {
	dir := t.TempDir()
	cfg := types.DefaultConfig(dir)
	cfg.WalSyncPolicy = types.SyncImmediate

	w, err := wal.Open(dir, cfg)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	defer w.Close()

	target := Target{
		Nodes:          pool.NewNodePool(2, 8),
		Edges:          pool.NewEdgePool(4, 8),
		Embeddings:     pool.NewEmbeddingPool(4, 2),
		NodeIndex:      idindex.New(2),
		EmbeddingIndex: idindex.New(4),
		WAL:            w,
	}

	lsnBefore := w.NextLSN()

	b := New(8)
	_ = b.AddCreateNode(1, 0, nil)
	_ = b.AddCreateNode(2, 0, nil)
	_ = b.AddCreateNode(3, 0, nil) // third create exceeds a 2-slot pool in one batch

	result, err := Commit(b, target)
	if !errors.Is(err, types.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if result.Processed != 0 {
		t.Fatalf("expected zero processed, got %d", result.Processed)
	}
	if target.Nodes.Stats().Live != 0 {
		t.Fatalf("expected no nodes applied, got %d live", target.Nodes.Stats().Live)
	}
	if got := w.NextLSN(); got != lsnBefore {
		t.Fatalf("expected no WAL append: NextLSN before=%d after=%d", lsnBefore, got)
	}
}

func TestBatch_AddBeyondMaxSizeFails(t *testing.T) {
	b := New(2)
	if err := b.AddCreateNode(1, 1, nil); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := b.AddCreateNode(2, 1, nil); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if err := b.AddCreateNode(3, 1, nil); !errors.Is(err, types.ErrBatchFull) {
		t.Fatalf("expected ErrBatchFull, got %v", err)
	}
}

func TestBatch_ResetClearsMessagesForReuse(t *testing.T) {
	b := New(2)
	_ = b.AddCreateNode(1, 1, nil)
	if b.Len() != 1 {
		t.Fatalf("expected len 1, got %d", b.Len())
	}
	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("expected len 0 after reset, got %d", b.Len())
	}
	if err := b.AddCreateNode(2, 1, nil); err != nil {
		t.Fatalf("add after reset: %v", err)
	}
}
