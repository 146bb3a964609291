package core

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"StakeLedger/internal/observability"
)

// IdempotencyChecker implements two-tier deduplication
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU of "type:key"
	lru       *lru.Cache
	evictions int64

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics     *observability.Metrics
	tier2Errors int64
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(updateType string, updateID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	if capacity <= 0 {
		capacity = 1
	}
	ic := &IdempotencyChecker{dbChecker: dbChecker, metrics: metrics}
	// lru.New only fails for a non-positive size
	ic.lru, _ = lru.NewWithEvict(capacity, func(interface{}, interface{}) {
		ic.evictions++
		if ic.metrics != nil {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	})
	return ic
}

func compositeKey(updateType, key string) string {
	return fmt.Sprintf("%s:%s", updateType, key)
}

// IsDuplicate checks if the update has been applied (two-tier lookup).
func (ic *IdempotencyChecker) IsDuplicate(updateType string, key string) bool {
	ck := compositeKey(updateType, key)

	if ic.lru.Contains(ck) {
		ic.recordDuplicate(updateType, "lru")
		return true
	}

	if ic.dbChecker == nil {
		return false
	}

	start := time.Now()
	isDup, err := ic.dbChecker.IsDuplicate(updateType, key)
	if ic.metrics != nil {
		ic.metrics.DedupTier2Duration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		// tier-2 errors count as not duplicate
		ic.tier2Errors++
		return false
	}
	if isDup {
		ic.recordDuplicate(updateType, "postgres")
		ic.add(ck)
		return true
	}
	return false
}

// MarkProcessed adds the key to the LRU after the update is applied.
func (ic *IdempotencyChecker) MarkProcessed(updateType string, key string) {
	ic.add(compositeKey(updateType, key))
}

// WarmFromKeys loads composite "type:key" entries, oldest last, so the
// newest keys survive when there are more than the LRU holds.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		ic.add(keys[i])
	}
}

func (ic *IdempotencyChecker) add(ck string) {
	ic.lru.Add(ck, struct{}{})
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Len()))
	}
}

func (ic *IdempotencyChecker) recordDuplicate(updateType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(updateType, tier).Inc()
	}
}

// Size returns the number of keys held in the LRU.
func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

// Evictions returns total LRU evictions.
func (ic *IdempotencyChecker) Evictions() int64 {
	return ic.evictions
}

// Tier2Errors returns how many Postgres lookups failed.
func (ic *IdempotencyChecker) Tier2Errors() int64 {
	return ic.tier2Errors
}
