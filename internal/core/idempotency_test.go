package core

import (
	"errors"
	"testing"
)

type erroringDB struct{ calls int }

func (e *erroringDB) IsDuplicate(string, string) (bool, error) {
	e.calls++
	return false, errors.New("connection refused")
}

func TestIdempotencyChecker_LRUEviction(t *testing.T) {
	ic := NewIdempotencyChecker(2, nil, nil)

	ic.MarkProcessed("ClockUpdated", "a")
	ic.MarkProcessed("ClockUpdated", "b")
	ic.MarkProcessed("ClockUpdated", "c")

	if ic.Size() != 2 {
		t.Errorf("size: got %d, want 2", ic.Size())
	}
	if ic.Evictions() != 1 {
		t.Errorf("evictions: got %d, want 1", ic.Evictions())
	}
	if ic.IsDuplicate("ClockUpdated", "a") {
		t.Error("evicted key should not be a duplicate")
	}
	if !ic.IsDuplicate("ClockUpdated", "c") {
		t.Error("recent key should be a duplicate")
	}
}

func TestIdempotencyChecker_TypeScopedKeys(t *testing.T) {
	ic := NewIdempotencyChecker(8, nil, nil)
	ic.MarkProcessed("ClockUpdated", "k")
	if ic.IsDuplicate("CustodyBalanceUpdated", "k") {
		t.Error("keys must be scoped by update type")
	}
}

func TestIdempotencyChecker_Tier2ErrorNotDuplicate(t *testing.T) {
	db := &erroringDB{}
	ic := NewIdempotencyChecker(8, db, nil)

	if ic.IsDuplicate("ClockUpdated", "x") {
		t.Error("tier-2 error should not report a duplicate")
	}
	if db.calls != 1 || ic.Tier2Errors() != 1 {
		t.Errorf("calls=%d errors=%d, want 1/1", db.calls, ic.Tier2Errors())
	}
}

func TestIdempotencyChecker_WarmKeepsNewest(t *testing.T) {
	ic := NewIdempotencyChecker(2, nil, nil)
	// newest first, as loaded from applied_updates
	ic.WarmFromKeys([]string{"T:new", "T:mid", "T:old"})

	if !ic.IsDuplicate("T", "new") || !ic.IsDuplicate("T", "mid") {
		t.Error("newest keys should survive warming")
	}
	if ic.IsDuplicate("T", "old") {
		t.Error("oldest key should have been evicted")
	}
}

func TestSlotValidator(t *testing.T) {
	sv := NewSlotValidator()

	if sv.IsStale("p", 0) {
		t.Error("first update is never stale")
	}
	sv.Advance("p", 10)

	cases := []struct {
		slot  uint64
		stale bool
	}{
		{9, true},
		{10, false},
		{25, false},
	}
	for _, tc := range cases {
		if got := sv.IsStale("p", tc.slot); got != tc.stale {
			t.Errorf("slot %d: got stale=%v, want %v", tc.slot, got, tc.stale)
		}
	}

	sv.Advance("p", 5)
	if last, _ := sv.LastSlot("p"); last != 10 {
		t.Errorf("advance must not move backwards: got %d, want 10", last)
	}
	if sv.StaleCount("p") != 1 {
		t.Errorf("stale count: got %d, want 1", sv.StaleCount("p"))
	}
	if _, ok := sv.LastSlot("other"); ok {
		t.Error("unknown partition should not be seen")
	}
}
