package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/nendb/pkg/types"
)

// EmbeddingPool is the struct-of-arrays store for fixed-dimension vector
// embeddings. Unlike NodePool/EdgePool there is no inline property blob;
// the only payload is the vector itself, laid out as a flat float32
// buffer of capacity*dim.
type EmbeddingPool struct {
	version

	capacity uint32
	dim      uint32

	cursor atomic.Uint32
	live   atomic.Uint32

	mu sync.Mutex

	nodeIDs []uint64
	active  []bool
	vectors []float32
}

// NewEmbeddingPool constructs a pool with the given capacity and fixed
// vector dimension.
func NewEmbeddingPool(capacity, dim uint32) *EmbeddingPool {
	return &EmbeddingPool{
		capacity: capacity,
		dim:      dim,
		nodeIDs:  make([]uint64, capacity),
		active:   make([]bool, capacity),
		vectors:  make([]float32, uint64(capacity)*uint64(dim)),
	}
}

// Alloc places an embedding for nodeID at the next free slot. vector must
// be exactly Dim() long.
func (p *EmbeddingPool) Alloc(nodeID uint64, vector []float32) (uint32, error) {
	if uint32(len(vector)) != p.dim {
		return 0, fmt.Errorf("embedding vector length %d != dim %d: %w", len(vector), p.dim, types.ErrInvalidConfiguration)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.cursor.Load()
	if cur >= p.capacity {
		return 0, fmt.Errorf("embedding pool at capacity %d: %w", p.capacity, types.ErrPoolExhausted)
	}
	slot := cur

	p.nodeIDs[slot] = nodeID
	p.copyVector(slot, vector)
	p.active[slot] = true

	p.live.Add(1)
	p.cursor.Store(cur + 1)
	p.bump()
	return slot, nil
}

// AllocWithState places a record at a specific slot during recovery or
// snapshot load.
func (p *EmbeddingPool) AllocWithState(slot uint32, nodeID uint64, active bool, vector []float32) error {
	if uint32(len(vector)) != p.dim {
		return fmt.Errorf("embedding vector length %d != dim %d: %w", len(vector), p.dim, types.ErrInvalidConfiguration)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if slot >= p.capacity {
		return fmt.Errorf("embedding slot %d out of range: %w", slot, types.ErrInvalidSlot)
	}

	wasActive := p.active[slot]
	p.nodeIDs[slot] = nodeID
	p.copyVector(slot, vector)
	p.active[slot] = active

	if active && !wasActive {
		p.live.Add(1)
	} else if !active && wasActive && p.live.Load() > 0 {
		p.live.Add(^uint32(0))
	}
	if slot >= p.cursor.Load() {
		p.cursor.Store(slot + 1)
	}
	p.bump()
	return nil
}

func (p *EmbeddingPool) copyVector(slot uint32, vector []float32) {
	off := uint64(slot) * uint64(p.dim)
	copy(p.vectors[off:off+uint64(p.dim)], vector)
}

// Get returns the embedding at slot iff active and within the current
// cursor.
func (p *EmbeddingPool) Get(slot uint32) (types.Embedding, bool) {
	cur := p.cursor.Load()
	if slot >= cur || !p.active[slot] {
		return types.Embedding{}, false
	}
	return p.recordAt(slot), true
}

func (p *EmbeddingPool) recordAt(slot uint32) types.Embedding {
	off := uint64(slot) * uint64(p.dim)
	vec := make([]float32, p.dim)
	copy(vec, p.vectors[off:off+uint64(p.dim)])
	return types.Embedding{
		NodeID: p.nodeIDs[slot],
		Vector: vec,
		Active: p.active[slot],
	}
}

// MarkDeleted soft-deletes a slot. Idempotent on already-deleted slots.
func (p *EmbeddingPool) MarkDeleted(slot uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot >= p.cursor.Load() {
		return fmt.Errorf("embedding slot %d out of range: %w", slot, types.ErrInvalidSlot)
	}
	if !p.active[slot] {
		return nil
	}
	p.active[slot] = false
	if p.live.Load() > 0 {
		p.live.Add(^uint32(0))
	}
	p.bump()
	return nil
}

// IterActive calls fn for every active slot in slot order.
func (p *EmbeddingPool) IterActive(fn func(slot uint32, e types.Embedding) bool) {
	cur := p.cursor.Load()
	for i := uint32(0); i < cur; i++ {
		if !p.active[i] {
			continue
		}
		if !fn(i, p.recordAt(i)) {
			return
		}
	}
}

// Dim returns the fixed vector dimension.
func (p *EmbeddingPool) Dim() uint32 {
	return p.dim
}

// Stats reports capacity/live/cursor.
func (p *EmbeddingPool) Stats() Stats {
	return Stats{Capacity: p.capacity, Live: p.live.Load(), Cursor: p.cursor.Load()}
}

// Version returns a counter that advances on every mutation.
func (p *EmbeddingPool) Version() uint64 {
	return p.load()
}
