package buffer

import "testing"

func TestRingRecentNewestFirst(t *testing.T) {
	rb := NewRing[int](3)
	if got := rb.Recent(5); len(got) != 0 {
		t.Fatalf("expected empty ring, got %v", got)
	}
	for i := 1; i <= 5; i++ {
		rb.Add(i)
	}
	got := rb.Recent(10)
	if len(got) != 3 || got[0] != 5 || got[1] != 4 || got[2] != 3 {
		t.Fatalf("expected [5 4 3], got %v", got)
	}
	if rb.Len() != 3 || rb.Count() != 5 || rb.Capacity() != 3 {
		t.Fatalf("unexpected sizes len=%d count=%d cap=%d", rb.Len(), rb.Count(), rb.Capacity())
	}
	if got := rb.Recent(2); len(got) != 2 || got[0] != 5 {
		t.Fatalf("expected two newest entries, got %v", got)
	}
}

func TestRingMinimumCapacity(t *testing.T) {
	rb := NewRing[string](0)
	rb.Add("a")
	rb.Add("b")
	if got := rb.Recent(1); len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected [b], got %v", got)
	}
}
