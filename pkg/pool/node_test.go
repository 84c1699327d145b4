package pool

import (
	"errors"
	"testing"

	"github.com/cuemby/nendb/pkg/types"
)

func TestNodePool_AllocAndGet(t *testing.T) {
	p := NewNodePool(4, 8)

	slot, err := p.Alloc(1, 5, []byte("abcd"))
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if slot != 0 {
		t.Fatalf("expected slot 0, got %d", slot)
	}

	n, ok := p.Get(slot)
	if !ok {
		t.Fatal("Get: expected node present")
	}
	if n.ID != 1 || n.Kind != 5 || !n.Active || n.Generation != 0 {
		t.Fatalf("unexpected node: %+v", n)
	}
	if string(n.Properties[:4]) != "abcd" {
		t.Fatalf("unexpected properties: %v", n.Properties)
	}
	// properties must be zero-padded to the configured width.
	for _, b := range n.Properties[4:] {
		if b != 0 {
			t.Fatalf("expected zero padding, got %v", n.Properties)
		}
	}
}

func TestNodePool_PoolExhausted(t *testing.T) {
	p := NewNodePool(2, 4)

	if _, err := p.Alloc(1, 0, nil); err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	if _, err := p.Alloc(2, 0, nil); err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}

	_, err := p.Alloc(3, 0, nil)
	if !errors.Is(err, types.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	stats := p.Stats()
	if stats.Live != 2 || stats.Cursor != 2 {
		t.Fatalf("state should be unchanged after rejected alloc: %+v", stats)
	}
}

func TestNodePool_MarkDeletedIdempotentAndBumpsGeneration(t *testing.T) {
	p := NewNodePool(2, 4)
	slot, _ := p.Alloc(1, 0, nil)

	if err := p.MarkDeleted(slot); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	gen1, _ := p.Generation(slot)
	if gen1 != 1 {
		t.Fatalf("expected generation 1 after delete, got %d", gen1)
	}
	if _, ok := p.Get(slot); ok {
		t.Fatal("deleted slot should not be returned by Get")
	}

	// idempotent: a second delete does not bump generation again.
	if err := p.MarkDeleted(slot); err != nil {
		t.Fatalf("second MarkDeleted: %v", err)
	}
	gen2, _ := p.Generation(slot)
	if gen2 != gen1 {
		t.Fatalf("generation should not advance on repeated delete: %d -> %d", gen1, gen2)
	}

	if p.Stats().Live != 0 {
		t.Fatalf("live count should be 0 after delete, got %d", p.Stats().Live)
	}
}

func TestNodePool_InvalidSlot(t *testing.T) {
	p := NewNodePool(2, 4)

	if err := p.MarkDeleted(5); !errors.Is(err, types.ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot, got %v", err)
	}
	if _, ok := p.Get(5); ok {
		t.Fatal("Get on out-of-range slot should report absent, not panic")
	}
}

func TestNodePool_IterActiveSkipsDeleted(t *testing.T) {
	p := NewNodePool(4, 4)
	s0, _ := p.Alloc(10, 0, nil)
	s1, _ := p.Alloc(11, 0, nil)
	_, _ = p.Alloc(12, 0, nil)
	_ = p.MarkDeleted(s1)

	var seen []uint64
	p.IterActive(func(slot uint32, n types.Node) bool {
		seen = append(seen, n.ID)
		return true
	})
	if len(seen) != 2 || seen[0] != 10 || seen[1] != 12 {
		t.Fatalf("expected [10 12], got %v", seen)
	}
	_ = s0
}

func TestNodePool_FilterByKind(t *testing.T) {
	p := NewNodePool(8, 4)
	for i := uint64(0); i < 6; i++ {
		kind := uint8(i % 2)
		if _, err := p.Alloc(i, kind, nil); err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
	}

	out := make([]uint32, 8)
	n := p.FilterByKind(0, out)
	if n != 3 {
		t.Fatalf("expected 3 matches for kind 0, got %d", n)
	}

	// saturating buffer: a shorter out slice caps the result count.
	small := make([]uint32, 1)
	n = p.FilterByKind(0, small)
	if n != 1 {
		t.Fatalf("expected filter to saturate at buffer length 1, got %d", n)
	}
}

func TestNodePool_UpdateRejectsInactiveOrOutOfRange(t *testing.T) {
	p := NewNodePool(2, 4)
	slot, _ := p.Alloc(1, 0, []byte("x"))
	_ = p.MarkDeleted(slot)

	if err := p.Update(slot, 1, nil); !errors.Is(err, types.ErrInvalidSlot) {
		t.Fatalf("expected ErrInvalidSlot updating deleted slot, got %v", err)
	}
}
