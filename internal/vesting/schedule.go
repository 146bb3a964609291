// Package vesting evaluates how much of a stake account's balance is still
// unvested at a point in time.
package vesting

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	ErrUnsortedTranches = errors.New("vesting tranches must be strictly ordered by unlock time")
	ErrEmptyTranche     = errors.New("vesting tranche amount must be positive")
	ErrAmountOverflow   = errors.New("vesting total overflows uint64")
)

// Schedule is the evaluator contract: UnvestedAmount never increases as now
// grows, never exceeds TotalAmount, and is zero from EndTime on.
type Schedule interface {
	UnvestedAmount(now int64) uint64
	TotalAmount() uint64
	EndTime() int64
}

// FullyVested is the schedule every new stake account starts with.
type FullyVested struct{}

func (FullyVested) UnvestedAmount(int64) uint64 { return 0 }
func (FullyVested) TotalAmount() uint64         { return 0 }
func (FullyVested) EndTime() int64              { return math.MinInt64 }

// Tranche releases Amount tokens at UnlockAt (Unix seconds).
type Tranche struct {
	UnlockAt int64  `json:"unlock_at"`
	Amount   uint64 `json:"amount"`
}

// Tranches is an explicit release table. A tranche counts as vested once
// now reaches its UnlockAt.
type Tranches struct {
	entries []Tranche
	total   uint64
}

// NewTranches validates ordering, positive amounts and the uint64 total.
func NewTranches(entries []Tranche) (*Tranches, error) {
	var total uint64
	for i, tr := range entries {
		if tr.Amount == 0 {
			return nil, fmt.Errorf("%w: index %d", ErrEmptyTranche, i)
		}
		if i > 0 && tr.UnlockAt <= entries[i-1].UnlockAt {
			return nil, fmt.Errorf("%w: index %d", ErrUnsortedTranches, i)
		}
		if total > math.MaxUint64-tr.Amount {
			return nil, fmt.Errorf("%w: index %d", ErrAmountOverflow, i)
		}
		total += tr.Amount
	}

	out := make([]Tranche, len(entries))
	copy(out, entries)
	return &Tranches{entries: out, total: total}, nil
}

// UnvestedAmount sums the tranches still in the future.
func (t *Tranches) UnvestedAmount(now int64) uint64 {
	first := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].UnlockAt > now
	})
	var unvested uint64
	for _, tr := range t.entries[first:] {
		unvested += tr.Amount
	}
	return unvested
}

func (t *Tranches) TotalAmount() uint64 {
	return t.total
}

func (t *Tranches) EndTime() int64 {
	if len(t.entries) == 0 {
		return math.MinInt64
	}
	return t.entries[len(t.entries)-1].UnlockAt
}

// Entries returns a copy of the release table.
func (t *Tranches) Entries() []Tranche {
	out := make([]Tranche, len(t.entries))
	copy(out, t.entries)
	return out
}

// Evaluator adapts a pure function to Schedule. The caller owns the contract.
// A nil Fn vests everything.
type Evaluator struct {
	Fn    func(now int64) uint64
	Total uint64
	End   int64
}

func (e Evaluator) UnvestedAmount(now int64) uint64 {
	if e.Fn == nil || now >= e.End {
		return 0
	}
	return min(e.Fn(now), e.Total)
}

func (e Evaluator) TotalAmount() uint64 { return e.Total }
func (e Evaluator) EndTime() int64      { return e.End }
