// Package accounting derives a stake account's balance summary from its
// position ledger, custody balance, the epoch clock and a vesting schedule.
package accounting

import (
	"errors"
	"fmt"

	"StakeLedger/internal/epoch"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/vesting"

	"github.com/holiman/uint256"
)

// ErrInternalInconsistency means the ledger and custody balance disagree, or
// a derived quantity would go negative.
var ErrInternalInconsistency = errors.New("internal inconsistency between ledger and custody")

// BalanceSummary splits a custody balance. The three fields always sum to
// the custody balance the summary was computed from.
type BalanceSummary struct {
	Withdrawable uint64 `json:"withdrawable"`
	Locked       uint64 `json:"locked"`
	Unvested     uint64 `json:"unvested"`
}

// Total is Withdrawable + Locked + Unvested.
func (s BalanceSummary) Total() uint64 {
	return s.Withdrawable + s.Locked + s.Unvested
}

type Input struct {
	Ledger            *ledger.PositionLedger
	CustodyBalance    uint64
	UnlockingDuration uint64 // epochs
	Clock             epoch.Clock
	Vesting           vesting.Schedule // nil means fully vested
	Now               int64            // Unix seconds
}

// ComputeBalanceSummary is pure: it reads the ledger and never mutates it.
func ComputeBalanceSummary(in Input) (BalanceSummary, error) {
	currentEpoch, err := in.Clock.EpochOf(in.Now)
	if err != nil {
		return BalanceSummary{}, fmt.Errorf("compute balance summary: %w", err)
	}

	bt := ledger.NewBalanceTracker()
	if in.Ledger != nil {
		bt.TrackLedger(in.Ledger, currentEpoch, in.UnlockingDuration)
	}

	custody := uint256.NewInt(in.CustodyBalance)
	lockedRaw := bt.Locked()
	withdrawableRaw := bt.Withdrawable()

	claimed := new(uint256.Int).Add(lockedRaw, withdrawableRaw)
	if claimed.Gt(custody) {
		return BalanceSummary{}, fmt.Errorf("%w: positions=%s custody=%d",
			ErrInternalInconsistency, claimed.Dec(), in.CustodyBalance)
	}

	var unvested uint64
	if in.Vesting != nil {
		unvested = min(in.Vesting.UnvestedAmount(in.Now), in.CustodyBalance)
	}

	vested, err := checkedSub(custody, uint256.NewInt(unvested), "custody - unvested")
	if err != nil {
		return BalanceSummary{}, err
	}

	withdrawable := withdrawableRaw
	if withdrawable.Gt(vested) {
		withdrawable = vested
	}

	locked, err := checkedSub(vested, withdrawable, "custody - unvested - withdrawable")
	if err != nil {
		return BalanceSummary{}, err
	}

	// Both are bounded by custody, so they fit in 64 bits.
	return BalanceSummary{
		Withdrawable: withdrawable.Uint64(),
		Locked:       locked.Uint64(),
		Unvested:     unvested,
	}, nil
}

func checkedSub(a, b *uint256.Int, what string) (*uint256.Int, error) {
	out, underflow := new(uint256.Int).SubOverflow(a, b)
	if underflow {
		return nil, fmt.Errorf("%w: %s underflows (%s - %s)", ErrInternalInconsistency, what, a.Dec(), b.Dec())
	}
	return out, nil
}
