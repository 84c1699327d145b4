package batch

import (
	"fmt"

	"github.com/cuemby/nendb/pkg/idindex"
	"github.com/cuemby/nendb/pkg/log"
	"github.com/cuemby/nendb/pkg/pool"
	"github.com/cuemby/nendb/pkg/types"
	"github.com/cuemby/nendb/pkg/wal"
	"github.com/google/uuid"
)

// Target groups the mutable state a commit applies to, so batch does not
// need to import the top-level engine package (which imports batch).
type Target struct {
	Nodes           *pool.NodePool
	Edges           *pool.EdgePool
	Embeddings      *pool.EmbeddingPool
	NodeIndex       *idindex.Index
	EmbeddingIndex  *idindex.Index
	WAL             *wal.WAL
	ForbidSelfLoops bool
}

// Result reports how many messages committed. BatchID identifies this
// commit for tracing across logs and metrics: every Commit call gets a
// fresh one, so a single log line or metric sample can be traced back to
// the exact batch that produced it.
type Result struct {
	BatchID   string
	Processed int
	LastLSN   uint64
}

// Commit runs the full protocol for b against target. The caller (engine)
// is responsible for holding the writer lock across this call.
func Commit(b *Batch, target Target) (Result, error) {
	batchID := uuid.NewString()
	logger := log.WithBatchID(batchID)

	if err := validate(b, target); err != nil {
		return Result{}, err
	}

	now := stampTime()
	lsns := make([]uint64, len(b.messages))
	for i, m := range b.messages {
		lsn, err := target.WAL.Append(m.Kind, encode(m), now)
		if err != nil {
			return Result{}, fmt.Errorf("batch wal append message %d: %w", i, err)
		}
		lsns[i] = lsn
	}
	markerLSN, err := target.WAL.Append(types.RecordBatchMarker, nil, now)
	if err != nil {
		return Result{}, fmt.Errorf("batch wal marker: %w", err)
	}
	if target.WAL.ShouldSyncPeriodic() {
		if err := target.WAL.Sync(); err != nil {
			return Result{}, fmt.Errorf("batch wal sync: %w", err)
		}
	}

	for i, m := range b.messages {
		if err := apply(m, target); err != nil {
			logger.Error().Err(err).Uint64("lsn", lsns[i]).Msg("batch message committed to wal but failed to apply to pools")
			return Result{}, fmt.Errorf("apply committed message %d (lsn %d): %w", i, lsns[i], err)
		}
	}

	logger.Info().Int("messages", len(b.messages)).Uint64("marker_lsn", markerLSN).Msg("batch committed")
	return Result{BatchID: batchID, Processed: len(b.messages), LastLSN: markerLSN}, nil
}

// validate checks every message in the batch without mutating anything,
// so a rejected message leaves the batch, the WAL and the pools
// untouched (the all-or-nothing guarantee). Capacity is checked here,
// against each pool's remaining headroom (capacity - cursor) less the
// creates already queued earlier in this same batch, so an over-capacity
// batch is rejected before anything is appended to the WAL -- pool.Alloc
// never runs against a message that has not already cleared this check.
func validate(b *Batch, target Target) error {
	seenNodeIDs := make(map[uint64]struct{})

	nodeStats, edgeStats, embeddingStats := target.Nodes.Stats(), target.Edges.Stats(), target.Embeddings.Stats()
	nodeRoom := nodeStats.Capacity - nodeStats.Cursor
	edgeRoom := edgeStats.Capacity - edgeStats.Cursor
	embeddingRoom := embeddingStats.Capacity - embeddingStats.Cursor
	var nodeCreates, edgeCreates, embeddingCreates uint32

	// knownNode reports whether id is already indexed or is created by an
	// earlier message of this same batch.
	knownNode := func(id uint64) bool {
		if _, ok := target.NodeIndex.Lookup(id); ok {
			return true
		}
		_, ok := seenNodeIDs[id]
		return ok
	}

	for i, m := range b.messages {
		switch m.Kind {
		case types.RecordCreateNode:
			if _, ok := target.NodeIndex.Lookup(m.NodeID); ok {
				return fmt.Errorf("message %d: node id %d: %w", i, m.NodeID, types.ErrDuplicateID)
			}
			if _, dup := seenNodeIDs[m.NodeID]; dup {
				return fmt.Errorf("message %d: node id %d duplicated within batch: %w", i, m.NodeID, types.ErrDuplicateID)
			}
			seenNodeIDs[m.NodeID] = struct{}{}
			nodeCreates++
			if nodeCreates > nodeRoom {
				return fmt.Errorf("message %d: node pool has room for %d more, batch queues %d: %w", i, nodeRoom, nodeCreates, types.ErrPoolExhausted)
			}

		case types.RecordCreateEdge:
			if target.ForbidSelfLoops && m.FromID == m.ToID {
				return fmt.Errorf("message %d: self-loop on node %d forbidden by configuration: %w", i, m.FromID, types.ErrInvalidConfiguration)
			}
			if !knownNode(m.FromID) {
				return fmt.Errorf("message %d: edge from unknown node %d: %w", i, m.FromID, types.ErrUnknownNode)
			}
			if !knownNode(m.ToID) {
				return fmt.Errorf("message %d: edge to unknown node %d: %w", i, m.ToID, types.ErrUnknownNode)
			}
			edgeCreates++
			if edgeCreates > edgeRoom {
				return fmt.Errorf("message %d: edge pool has room for %d more, batch queues %d: %w", i, edgeRoom, edgeCreates, types.ErrPoolExhausted)
			}

		case types.RecordCreateEmbedding:
			if !knownNode(m.NodeID) {
				return fmt.Errorf("message %d: embedding for unknown node %d: %w", i, m.NodeID, types.ErrUnknownNode)
			}
			if uint32(len(m.Vector)) != target.Embeddings.Dim() {
				return fmt.Errorf("message %d: embedding dim %d != pool dim %d: %w", i, len(m.Vector), target.Embeddings.Dim(), types.ErrInvalidConfiguration)
			}
			embeddingCreates++
			if embeddingCreates > embeddingRoom {
				return fmt.Errorf("message %d: embedding pool has room for %d more, batch queues %d: %w", i, embeddingRoom, embeddingCreates, types.ErrPoolExhausted)
			}

		case types.RecordDeleteNode:
			if _, ok := target.NodeIndex.Lookup(m.NodeID); !ok {
				return fmt.Errorf("message %d: delete unknown node %d: %w", i, m.NodeID, types.ErrUnknownNode)
			}

		case types.RecordDeleteEdge:
			if _, ok := target.Edges.FindActive(m.FromID, m.ToID, m.Label); !ok {
				return fmt.Errorf("message %d: delete unknown edge (from=%d to=%d label=%d): %w", i, m.FromID, m.ToID, m.Label, types.ErrUnknownNode)
			}

		case types.RecordUpdateNode:
			if _, ok := target.NodeIndex.Lookup(m.NodeID); !ok {
				return fmt.Errorf("message %d: update unknown node %d: %w", i, m.NodeID, types.ErrUnknownNode)
			}

		default:
			return fmt.Errorf("message %d: unsupported kind %v", i, m.Kind)
		}
	}
	return nil
}

// apply mutates the pools/index for one already-validated, already
// WAL-durable message.
func apply(m Message, target Target) error {
	switch m.Kind {
	case types.RecordCreateNode:
		slot, err := target.Nodes.Alloc(m.NodeID, m.NodeKind, m.Properties)
		if err != nil {
			return err
		}
		return target.NodeIndex.Insert(m.NodeID, slot)

	case types.RecordCreateEdge:
		_, err := target.Edges.Alloc(m.FromID, m.ToID, m.Label, m.Properties)
		return err

	case types.RecordCreateEmbedding:
		slot, err := target.Embeddings.Alloc(m.NodeID, m.Vector)
		if err != nil {
			return err
		}
		return target.EmbeddingIndex.Insert(m.NodeID, slot)

	case types.RecordDeleteNode:
		slot, ok := target.NodeIndex.Lookup(m.NodeID)
		if !ok {
			return fmt.Errorf("delete_node: id %d vanished before apply: %w", m.NodeID, types.ErrUnknownNode)
		}
		target.NodeIndex.Remove(m.NodeID)
		return target.Nodes.MarkDeleted(slot)

	case types.RecordDeleteEdge:
		slot, ok := target.Edges.FindActive(m.FromID, m.ToID, m.Label)
		if !ok {
			return fmt.Errorf("delete_edge: (from=%d to=%d label=%d) vanished before apply: %w", m.FromID, m.ToID, m.Label, types.ErrUnknownNode)
		}
		return target.Edges.MarkDeleted(slot)

	case types.RecordUpdateNode:
		slot, ok := target.NodeIndex.Lookup(m.NodeID)
		if !ok {
			return fmt.Errorf("update_node: id %d vanished before apply: %w", m.NodeID, types.ErrUnknownNode)
		}
		return target.Nodes.Update(slot, m.NodeKind, m.Properties)

	default:
		return fmt.Errorf("unsupported kind %v during apply", m.Kind)
	}
}
