/*
Package idindex maps external ids to pool slot indices.

The index backs two lookups in the engine: external node id -> node pool
slot, and node id -> embedding pool slot (an embedding is owned by exactly
one node, so the same id-to-slot shape serves both). It is a plain
mutex-guarded map rather than a lock-free structure: only the single
writer mutates it, but LookupNode and similar reads can be called
concurrently by readers, so access is synchronized with a RWMutex.
*/
package idindex

import (
	"fmt"
	"sync"

	"github.com/cuemby/nendb/pkg/types"
)

// Index maps a uint64 external id to a pool slot.
type Index struct {
	mu   sync.RWMutex
	byID map[uint64]uint32
}

// New constructs an empty index sized for the given expected capacity.
func New(capacityHint uint32) *Index {
	return &Index{byID: make(map[uint64]uint32, capacityHint)}
}

// Insert records id -> slot. It returns DuplicateID if id is already
// present, unless the existing mapping already points at slot.
func (x *Index) Insert(id uint64, slot uint32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if existing, ok := x.byID[id]; ok {
		if existing == slot {
			return nil
		}
		return fmt.Errorf("id %d already mapped to slot %d: %w", id, existing, types.ErrDuplicateID)
	}
	x.byID[id] = slot
	return nil
}

// Lookup returns the slot mapped to id, if any.
func (x *Index) Lookup(id uint64) (uint32, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	slot, ok := x.byID[id]
	return slot, ok
}

// Remove deletes id's mapping, if present. Removal does not touch the
// underlying pool slot; callers soft-delete the pool record separately.
func (x *Index) Remove(id uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.byID, id)
}

// Len returns the number of live mappings.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}

// SnapshotIter calls fn for every id->slot mapping, for serialization into
// a snapshot image. fn must not mutate the index.
func (x *Index) SnapshotIter(fn func(id uint64, slot uint32)) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for id, slot := range x.byID {
		fn(id, slot)
	}
}

// Reset clears the index, for snapshot load.
func (x *Index) Reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byID = make(map[uint64]uint32, len(x.byID))
}
