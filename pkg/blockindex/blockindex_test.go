// Copyright 2025 Certen Protocol

package blockindex

import (
	"errors"
	"testing"
)

const addrA = "0x00000000000000000000000000000000000000aa"
const addrB = "0x00000000000000000000000000000000000000bb"

func TestAppendHeightIdempotentAndOrdered(t *testing.T) {
	l := New()
	l.AppendHeight(10)
	l.AppendHeight(5)
	l.AppendHeight(10)
	l.AppendHeight(15)
	got := l.Heights()
	want := []uint64{5, 10, 15}
	if len(got) != len(want) {
		t.Fatalf("heights = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("heights = %v, want %v", got, want)
		}
	}
}

func TestRecordOwnershipChangeAddsHeight(t *testing.T) {
	l := New()
	if err := l.RecordOwnershipChange(0, addrA); err != nil {
		t.Fatal(err)
	}
	if err := l.RecordOwnershipChange(15, addrB); err != nil {
		t.Fatal(err)
	}
	if err := l.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	owner, ok := l.OwnerAt(20)
	if !ok || owner != addrB {
		t.Fatalf("OwnerAt(20) = %q, %v, want %q", owner, ok, addrB)
	}
}

func TestValidateRejectsUnsortedHeights(t *testing.T) {
	_, err := FromParts([]uint64{5, 3}, nil)
	if err != ErrHeightsNotSorted {
		t.Fatalf("expected ErrHeightsNotSorted, got %v", err)
	}
}

func TestValidateRejectsOwnerHeightNotInHeights(t *testing.T) {
	_, err := FromParts([]uint64{0, 10}, []Owner{{Height: 5, Address: addrA}})
	if !errors.Is(err, ErrOwnerHeightMissing) {
		t.Fatalf("expected ErrOwnerHeightMissing, got %v", err)
	}
}

func TestOwnerAtEpochAttribution(t *testing.T) {
	l, err := FromParts(
		[]uint64{0, 15, 27, 56, 58},
		[]Owner{{Height: 0, Address: addrA}, {Height: 27, Address: addrB}},
	)
	if err != nil {
		t.Fatal(err)
	}
	if owner, _ := l.OwnerAt(15); owner != addrA {
		t.Fatalf("block 15 should still be owned by %s, got %s", addrA, owner)
	}
	if owner, _ := l.OwnerAt(56); owner != addrB {
		t.Fatalf("block 56 should be owned by %s, got %s", addrB, owner)
	}
}

func TestMergeUnionsAndPrefersLatest(t *testing.T) {
	a, _ := FromParts([]uint64{0, 10}, []Owner{{Height: 0, Address: addrA}})
	b, _ := FromParts([]uint64{10, 20}, []Owner{{Height: 10, Address: addrB}})
	a.Merge(b)
	if len(a.Heights()) != 3 {
		t.Fatalf("expected 3 merged heights, got %v", a.Heights())
	}
	owner, ok := a.OwnerAt(10)
	if !ok || owner != addrB {
		t.Fatalf("merge should keep the later owner record at height 10, got %q", owner)
	}
}

func TestSliceFromKeepsParallelIndex(t *testing.T) {
	l, _ := FromParts([]uint64{0, 8, 15, 16, 25, 27}, []Owner{{Height: 0, Address: addrA}, {Height: 27, Address: addrB}})
	heights, _, idx := l.SliceFrom(16)
	if idx != 3 {
		t.Fatalf("startIndex = %d, want 3", idx)
	}
	want := []uint64{16, 25, 27}
	if len(heights) != len(want) {
		t.Fatalf("heights = %v, want %v", heights, want)
	}
}
