package ledger

import (
	"StakeLedger/internal/state"

	"github.com/holiman/uint256"
)

const numPositionStates = int(state.PositionStateWithdrawable) + 1

// BalanceTracker accumulates position amounts per state. Totals are 256-bit
// so summing a full ledger of max-value positions cannot wrap.
type BalanceTracker struct {
	totals [numPositionStates]uint256.Int
	counts [numPositionStates]int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{}
}

// TrackLedger classifies every occupied slot at currentEpoch and adds it.
func (bt *BalanceTracker) TrackLedger(l *PositionLedger, currentEpoch, unlockingDuration uint64) {
	for _, pos := range l.Positions {
		if pos == nil {
			continue
		}
		bt.Track(pos.State(currentEpoch, unlockingDuration), pos.Amount)
	}
}

// Track adds amount under ps.
func (bt *BalanceTracker) Track(ps state.PositionState, amount uint64) {
	if ps < 0 || int(ps) >= numPositionStates {
		return
	}
	bt.totals[ps].Add(&bt.totals[ps], uint256.NewInt(amount))
	bt.counts[ps]++
}

// Total returns a copy of the running total for ps.
func (bt *BalanceTracker) Total(ps state.PositionState) *uint256.Int {
	if ps < 0 || int(ps) >= numPositionStates {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(&bt.totals[ps])
}

// Count returns the number of positions tracked under ps.
func (bt *BalanceTracker) Count(ps state.PositionState) int {
	if ps < 0 || int(ps) >= numPositionStates {
		return 0
	}
	return bt.counts[ps]
}

// Locked is warmup + active + cooldown.
func (bt *BalanceTracker) Locked() *uint256.Int {
	out := new(uint256.Int)
	for ps := range numPositionStates {
		if state.PositionState(ps).IsLocked() {
			out.Add(out, &bt.totals[ps])
		}
	}
	return out
}

func (bt *BalanceTracker) Withdrawable() *uint256.Int {
	return bt.Total(state.PositionStateWithdrawable)
}

// Sum is the total amount over all tracked positions.
func (bt *BalanceTracker) Sum() *uint256.Int {
	out := new(uint256.Int)
	for ps := range numPositionStates {
		out.Add(out, &bt.totals[ps])
	}
	return out
}
