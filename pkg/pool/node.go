package pool

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/nendb/pkg/types"
)

// NodePool is the struct-of-arrays store for nodes.
type NodePool struct {
	version

	capacity uint32
	propSize uint32
	propStr  uint32 // per-record stride in the flat properties buffer

	cursor atomic.Uint32
	live   atomic.Uint32

	mu sync.Mutex // serializes Alloc/MarkDeleted bookkeeping

	ids         []uint64
	kinds       []uint8
	active      []bool
	generations []uint32
	properties  []byte
}

// NewNodePool constructs a pool with the given capacity and inline
// property blob size.
func NewNodePool(capacity, propSize uint32) *NodePool {
	props, stride := alignedByteBuffer(capacity, propSize)
	return &NodePool{
		capacity:    capacity,
		propSize:    propSize,
		propStr:     stride,
		ids:         make([]uint64, capacity),
		kinds:       make([]uint8, capacity),
		active:      make([]bool, capacity),
		generations: make([]uint32, capacity),
		properties:  props,
	}
}

// Alloc places a node at the next free slot. Only the single writer may
// call this.
func (p *NodePool) Alloc(id uint64, kind uint8, properties []byte) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cur := p.cursor.Load()
	if cur >= p.capacity {
		return 0, fmt.Errorf("node pool at capacity %d: %w", p.capacity, types.ErrPoolExhausted)
	}
	slot := cur

	p.ids[slot] = id
	p.kinds[slot] = kind
	p.generations[slot] = 0
	p.copyProps(slot, properties)
	p.active[slot] = true

	p.live.Add(1)
	p.cursor.Store(cur + 1)
	p.bump()
	return slot, nil
}

// AllocWithGeneration is used by recovery/snapshot-load to place a record
// at a specific slot and generation without disturbing the cursor policy,
// provided the slot is the next one to be claimed.
func (p *NodePool) AllocWithGeneration(slot uint32, id uint64, kind uint8, generation uint32, active bool, properties []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot >= p.capacity {
		return fmt.Errorf("node slot %d out of range: %w", slot, types.ErrInvalidSlot)
	}

	wasActive := p.active[slot]
	p.ids[slot] = id
	p.kinds[slot] = kind
	p.generations[slot] = generation
	p.copyProps(slot, properties)
	p.active[slot] = active

	if active && !wasActive {
		p.live.Add(1)
	} else if !active && wasActive {
		if p.live.Load() > 0 {
			p.live.Add(^uint32(0))
		}
	}
	if slot >= p.cursor.Load() {
		p.cursor.Store(slot + 1)
	}
	p.bump()
	return nil
}

func (p *NodePool) copyProps(slot uint32, properties []byte) {
	off := uint64(slot) * uint64(p.propStr)
	dst := p.properties[off : off+uint64(p.propSize)]
	n := copy(dst, properties)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// Get returns the node at slot iff active and within the current cursor.
func (p *NodePool) Get(slot uint32) (types.Node, bool) {
	cur := p.cursor.Load()
	if slot >= cur || !p.active[slot] {
		return types.Node{}, false
	}
	return p.recordAt(slot), true
}

func (p *NodePool) recordAt(slot uint32) types.Node {
	off := uint64(slot) * uint64(p.propStr)
	props := make([]byte, p.propSize)
	copy(props, p.properties[off:off+uint64(p.propSize)])
	return types.Node{
		ID:         p.ids[slot],
		Kind:       p.kinds[slot],
		Active:     p.active[slot],
		Generation: p.generations[slot],
		Properties: props,
	}
}

// MarkDeleted soft-deletes a slot: clears active and bumps generation.
// Idempotent on already-deleted slots.
func (p *NodePool) MarkDeleted(slot uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot >= p.cursor.Load() {
		return fmt.Errorf("node slot %d out of range: %w", slot, types.ErrInvalidSlot)
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

// Update overwrites the kind and properties of an already-active slot
// (the update_node record). It does not touch generation, live count or
// cursor.
func (p *NodePool) Update(slot uint32, kind uint8, properties []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if slot >= p.cursor.Load() || !p.active[slot] {
		return fmt.Errorf("node slot %d not active: %w", slot, types.ErrInvalidSlot)
	}
	p.kinds[slot] = kind
	p.copyProps(slot, properties)
	p.bump()
	return nil
}

// Version returns a counter that advances on every mutation (alloc,
// delete, update), usable by readers as a coarse staleness check.
func (p *NodePool) Version() uint64 {
	return p.load()
}

// IterActive calls fn for every active slot in slot order. fn returning
// false stops iteration early.
func (p *NodePool) IterActive(fn func(slot uint32, n types.Node) bool) {
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

// FilterByKind scans the kind column for matches, writing slot indices
// into out and returning the count written, saturating at len(out).
func (p *NodePool) FilterByKind(kind uint8, out []uint32) int {
	cur := p.cursor.Load()
	n := 0
	for i := uint32(0); i < cur && n < len(out); i++ {
		if p.active[i] && p.kinds[i] == kind {
			out[n] = i
			n++
		}
	}
	return n
}

// Stats reports capacity/live/cursor.
func (p *NodePool) Stats() Stats {
	return Stats{Capacity: p.capacity, Live: p.live.Load(), Cursor: p.cursor.Load()}
}

// Generation returns the current generation of a slot, for idempotence
// checks during WAL replay.
func (p *NodePool) Generation(slot uint32) (uint32, bool) {
	if slot >= p.cursor.Load() {
		return 0, false
	}
	return p.generations[slot], true
}
