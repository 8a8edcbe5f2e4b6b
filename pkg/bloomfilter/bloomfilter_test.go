// Copyright 2025 Certen Protocol

package bloomfilter

import "testing"

func TestEstimateParametersMatchesFormula(t *testing.T) {
	m, k := EstimateParameters(1000, 0.01)
	if m == 0 || k == 0 {
		t.Fatalf("expected non-zero m,k got m=%d k=%d", m, k)
	}
	// Sanity bound: for n=1000, p=0.01 the classic result is m~9585, k~7.
	if m < 9000 || m > 10200 {
		t.Fatalf("m out of expected range: %d", m)
	}
	if k < 6 || k > 8 {
		t.Fatalf("k out of expected range: %d", k)
	}
}

func TestAddTestNoFalseNegatives(t *testing.T) {
	f := New(100, 0.01)
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, k := range keys {
		f.Add(k)
	}
	for _, k := range keys {
		if !f.Test(k) {
			t.Fatalf("false negative for key %q", k)
		}
	}
}

func TestResetClearsMembership(t *testing.T) {
	f := New(10, 0.01)
	f.Add([]byte("x"))
	if !f.Test([]byte("x")) {
		t.Fatal("expected x to test present before reset")
	}
	f.Reset()
	if f.Test([]byte("x")) {
		t.Fatal("expected x to test absent after reset (barring hash collision)")
	}
}

func TestStatsReportsSizingAndOccupancy(t *testing.T) {
	f := New(100, 0.01)
	if s := f.Stats(); s.ExpectedItems != 100 || s.TargetFalsePositiveRate != 0.01 || s.CurrentItems != 0 {
		t.Fatalf("expected fresh filter stats (100, 0.01, 0 items), got %+v", s)
	}

	f.Add([]byte("a"))
	f.Add([]byte("b"))
	s := f.Stats()
	if s.CurrentItems != 2 {
		t.Fatalf("expected current_items=2, got %d", s.CurrentItems)
	}
	if s.CurrentFalsePositiveRate <= 0 || s.CurrentFalsePositiveRate >= 1 {
		t.Fatalf("expected current false-positive rate in (0,1), got %v", s.CurrentFalsePositiveRate)
	}
	if s.BitArraySize != f.M() || s.HashCount != f.K() {
		t.Fatalf("expected Stats to report M/K, got bit_array_size=%d hash_count=%d", s.BitArraySize, s.HashCount)
	}

	f.Reset()
	if s := f.Stats(); s.CurrentItems != 0 {
		t.Fatalf("expected current_items=0 after Reset, got %d", s.CurrentItems)
	}
}
