package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/nendb/pkg/types"
)

// EdgePool is the struct-of-arrays store for edges.
type EdgePool struct {
	version

	capacity uint32
	propSize uint32
	propStr  uint32

	cursor atomic.Uint32
	live   atomic.Uint32

	mu sync.Mutex

	froms       []uint64
	tos         []uint64
	labels      []uint16
	active      []bool
	generations []uint32
	properties  []byte
}

// NewEdgePool constructs a pool with the given capacity and inline
// property blob size.
func NewEdgePool(capacity, propSize uint32) *EdgePool {
	props, stride := alignedByteBuffer(capacity, propSize)
	return &EdgePool{
		capacity:    capacity,
		propSize:    propSize,
		propStr:     stride,
		froms:       make([]uint64, capacity),
		tos:         make([]uint64, capacity),
		labels:      make([]uint16, capacity),
		active:      make([]bool, capacity),
		generations: make([]uint32, capacity),
		properties:  props,
	}
}

// Alloc places an edge at the next free slot.
func (p *EdgePool) Alloc(from, to uint64, label uint16, properties []byte) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.cursor.Load()
	if cur >= p.capacity {
		return 0, fmt.Errorf("edge pool at capacity %d: %w", p.capacity, types.ErrPoolExhausted)
	}
	slot := cur

	p.froms[slot] = from
	p.tos[slot] = to
	p.labels[slot] = label
	p.generations[slot] = 0
	p.copyProps(slot, properties)
	p.active[slot] = true

	p.live.Add(1)
	p.cursor.Store(cur + 1)
	p.bump()
	return slot, nil
}

// AllocWithGeneration places a record at a specific slot during
// recovery/snapshot load.
func (p *EdgePool) AllocWithGeneration(slot uint32, from, to uint64, label uint16, generation uint32, active bool, properties []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot >= p.capacity {
		return fmt.Errorf("edge slot %d out of range: %w", slot, types.ErrInvalidSlot)
	}

	wasActive := p.active[slot]
	p.froms[slot] = from
	p.tos[slot] = to
	p.labels[slot] = label
	p.generations[slot] = generation
	p.copyProps(slot, properties)
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

func (p *EdgePool) copyProps(slot uint32, properties []byte) {
	off := uint64(slot) * uint64(p.propStr)
	dst := p.properties[off : off+uint64(p.propSize)]
	n := copy(dst, properties)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// Get returns the edge at slot iff active and within the current cursor.
func (p *EdgePool) Get(slot uint32) (types.Edge, bool) {
	cur := p.cursor.Load()
	if slot >= cur || !p.active[slot] {
		return types.Edge{}, false
	}
	return p.recordAt(slot), true
}

func (p *EdgePool) recordAt(slot uint32) types.Edge {
	off := uint64(slot) * uint64(p.propStr)
	props := make([]byte, p.propSize)
	copy(props, p.properties[off:off+uint64(p.propSize)])
	return types.Edge{
		From:       p.froms[slot],
		To:         p.tos[slot],
		Label:      p.labels[slot],
		Active:     p.active[slot],
		Generation: p.generations[slot],
		Properties: props,
	}
}

// MarkDeleted soft-deletes a slot. Idempotent on already-deleted slots.
func (p *EdgePool) MarkDeleted(slot uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot >= p.cursor.Load() {
		return fmt.Errorf("edge slot %d out of range: %w", slot, types.ErrInvalidSlot)
	}
	if !p.active[slot] {
		return nil
	}
	p.active[slot] = false
	p.generations[slot]++
	if p.live.Load() > 0 {
		p.live.Add(^uint32(0))
	}
	p.bump()
	return nil
}

// IterActive calls fn for every active slot in slot order.
func (p *EdgePool) IterActive(fn func(slot uint32, e types.Edge) bool) {
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

// FilterByFrom scans the from column for edges leaving fromID, writing
// slot indices into out and returning the count written, saturating at
// len(out). This is the primary edge-by-endpoint scan; callers needing
// edges by destination or label pay the same linear cost rather than a
// dedicated index being kept in sync on every mutation.
func (p *EdgePool) FilterByFrom(fromID uint64, out []uint32) int {
	cur := p.cursor.Load()
	n := 0
	for i := uint32(0); i < cur && n < len(out); i++ {
		if p.active[i] && p.froms[i] == fromID {
			out[n] = i
			n++
		}
	}
	return n
}

// FindActive scans for the first active edge matching from, to and
// label, in slot order, and reports its slot. Edges carry no external
// id of their own, so this endpoint+label scan is how a caller's
// (from, to, label) triple is resolved back to a slot for deletion.
func (p *EdgePool) FindActive(from, to uint64, label uint16) (uint32, bool) {
	cur := p.cursor.Load()
	for i := uint32(0); i < cur; i++ {
		if p.active[i] && p.froms[i] == from && p.tos[i] == to && p.labels[i] == label {
			return i, true
		}
	}
	return 0, false
}

// Stats reports capacity/live/cursor.
func (p *EdgePool) Stats() Stats {
	return Stats{Capacity: p.capacity, Live: p.live.Load(), Cursor: p.cursor.Load()}
}

// Version returns a counter that advances on every mutation.
func (p *EdgePool) Version() uint64 {
	return p.load()
}
