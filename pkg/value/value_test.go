// Copyright 2025 Certen Protocol

package value

import (
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	cases := []struct {
		name    string
		begin   string
		num     uint64
		state   State
		wantErr error
	}{
		{"valid", "0x1000", 100, StateUnspent, nil},
		{"bad hex prefix", "1000", 100, StateUnspent, ErrInvalidHex},
		{"uppercase 0X", "0X1000", 100, StateUnspent, ErrInvalidHex},
		{"zero num", "0x1000", 0, StateUnspent, ErrNonPositiveNum},
		{"bad state", "0x1000", 100, State("bogus"), ErrInvalidState},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New(c.begin, c.num, c.state, nil)
			if c.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c.wantErr != nil && err == nil {
				t.Fatalf("expected error %v, got nil", c.wantErr)
			}
		})
	}
}

func TestVerifiedAtInvariant(t *testing.T) {
	now := time.Now()
	if _, err := New("0x10", 5, StateVerified, nil); err == nil {
		t.Fatal("expected error when Verified without verified_at")
	}
	if _, err := New("0x10", 5, StateUnspent, &now); err == nil {
		t.Fatal("expected error when verified_at set but not Verified")
	}
	if _, err := New("0x10", 5, StateVerified, &now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSplitUnionAndDisjoint(t *testing.T) {
	v, err := New("0x1000", 100, StateUnspent, nil)
	if err != nil {
		t.Fatal(err)
	}
	keep, carved, err := v.Split(30, StatePending)
	if err != nil {
		t.Fatal(err)
	}
	if keep.Num()+carved.Num() != v.Num() {
		t.Fatalf("split does not partition: %d + %d != %d", keep.Num(), carved.Num(), v.Num())
	}
	if keep.IsOverlap(carved) {
		t.Fatal("split halves must be disjoint")
	}
	wantCarvedBegin := "0x1046" // 0x1000 + 70
	if carved.Begin() != wantCarvedBegin {
		t.Fatalf("carved begin = %s, want %s", carved.Begin(), wantCarvedBegin)
	}
}

func TestSplitOutOfRange(t *testing.T) {
	v, _ := New("0x1000", 10, StateUnspent, nil)
	if _, _, err := v.Split(0, StatePending); err != ErrSplitOutOfRange {
		t.Fatalf("change=0 should fail, got %v", err)
	}
	if _, _, err := v.Split(10, StatePending); err != ErrSplitOutOfRange {
		t.Fatalf("change=num should fail, got %v", err)
	}
}

func TestIntersectSelf(t *testing.T) {
	v, _ := New("0x1000", 50, StateUnspent, nil)
	overlap, remainders, ok := v.Intersect(v)
	if !ok {
		t.Fatal("a value must overlap itself")
	}
	if !overlap.IsSame(v) {
		t.Fatalf("self-intersection overlap should equal self, got %v", overlap)
	}
	if len(remainders) != 0 {
		t.Fatalf("self-intersection should have no remainders, got %d", len(remainders))
	}
}

func TestIntersectCommutative(t *testing.T) {
	a, _ := New("0x1000", 100, StateUnspent, nil)
	b, _ := New("0x1030", 100, StateUnspent, nil)
	ov1, _, ok1 := a.Intersect(b)
	ov2, _, ok2 := b.Intersect(a)
	if ok1 != ok2 {
		t.Fatal("intersect must agree on overlap existence regardless of order")
	}
	if ov1.Num() != ov2.Num() || ov1.Begin() != ov2.Begin() {
		t.Fatalf("intersect ranges differ by order: %v vs %v", ov1, ov2)
	}
}

func TestIntersectDisjoint(t *testing.T) {
	a, _ := New("0x1000", 10, StateUnspent, nil)
	b, _ := New("0x2000", 10, StateUnspent, nil)
	if _, _, ok := a.Intersect(b); ok {
		t.Fatal("disjoint ranges must not intersect")
	}
}

func TestIsSubrange(t *testing.T) {
	parent, _ := New("0x1000", 100, StateUnspent, nil)
	child, _ := New("0x1020", 30, StateUnspent, nil)
	if !child.IsSubrange(parent) {
		t.Fatal("child should be a subrange of parent")
	}
	if parent.IsSubrange(child) {
		t.Fatal("parent should not be a subrange of smaller child")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	v, _ := New("0x1000", 5, StateVerified, &now)
	data, err := v.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	var out Value
	if err := out.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if !out.IsSame(v) || out.State() != v.State() {
		t.Fatalf("round trip mismatch: %v vs %v", out, v)
	}
}
