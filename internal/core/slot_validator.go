package core

import "fmt"

// SlotValidator orders account updates by chain slot, per partition. Slots
// skip freely, so gaps are normal; only regressions are rejected.
// Not thread-safe: only accessed from the single-threaded indexer.
type SlotValidator struct {
	lastSlot map[string]uint64 // partition -> last applied slot
	seen     map[string]bool
	stale    map[string]int64 // partition -> stale count
}

func NewSlotValidator() *SlotValidator {
	return &SlotValidator{
		lastSlot: make(map[string]uint64),
		seen:     make(map[string]bool),
		stale:    make(map[string]int64),
	}
}

// IsStale reports whether an update at slot is older than the last one
// applied to partition. An equal slot is not stale: the later delivery of
// the same slot wins.
func (sv *SlotValidator) IsStale(partition string, slot uint64) bool {
	if sv.seen[partition] && slot < sv.lastSlot[partition] {
		sv.stale[partition]++
		return true
	}
	return false
}

// Advance records slot as the last applied slot for partition.
func (sv *SlotValidator) Advance(partition string, slot uint64) {
	if !sv.seen[partition] || slot > sv.lastSlot[partition] {
		sv.lastSlot[partition] = slot
	}
	sv.seen[partition] = true
}

// LastSlot returns the last applied slot for partition.
func (sv *SlotValidator) LastSlot(partition string) (uint64, bool) {
	return sv.lastSlot[partition], sv.seen[partition]
}

// StaleCount returns how many stale updates partition has rejected.
func (sv *SlotValidator) StaleCount(partition string) int64 {
	return sv.stale[partition]
}

func partitionKey(kind string, addr fmt.Stringer) string {
	return kind + ":" + addr.String()
}
