package accounting

import (
	"fmt"

	"StakeLedger/internal/ledger"
	"StakeLedger/internal/state"
)

// PositionView is one occupied slot classified at an epoch.
type PositionView struct {
	Slot                int                 `json:"slot"`
	Amount              uint64              `json:"amount"`
	State               state.PositionState `json:"-"`
	StateName           string              `json:"state"`
	Target              state.Target        `json:"-"`
	ActivationEpoch     *uint64             `json:"activation_epoch,omitempty"`
	UnlockingStartEpoch *uint64             `json:"unlocking_start_epoch,omitempty"`
	WithdrawableEpoch   *uint64             `json:"withdrawable_epoch,omitempty"`

	// WithdrawableAt is the Unix start of WithdrawableEpoch. Only set by
	// callers that know the epoch clock.
	WithdrawableAt *int64 `json:"withdrawable_at,omitempty"`
}

// ClassifyPositions lists the occupied slots in slot order with their state
// at currentEpoch.
func ClassifyPositions(l *ledger.PositionLedger, currentEpoch, unlockingDuration uint64) []PositionView {
	if l == nil {
		return nil
	}

	views := make([]PositionView, 0, l.Occupied())
	for slot, pos := range l.Positions {
		if pos == nil {
			continue
		}
		ps := pos.State(currentEpoch, unlockingDuration)
		v := PositionView{
			Slot:      slot,
			Amount:    pos.Amount,
			State:     ps,
			StateName: ps.String(),
			Target:    pos.Target,
		}
		if pos.ActivationEpoch != nil {
			v.ActivationEpoch = state.Uint64Ptr(*pos.ActivationEpoch)
		}
		if pos.UnlockingStartEpoch != nil {
			v.UnlockingStartEpoch = state.Uint64Ptr(*pos.UnlockingStartEpoch)
		}
		if from, ok := pos.WithdrawableFrom(unlockingDuration); ok {
			v.WithdrawableEpoch = state.Uint64Ptr(from)
		}
		views = append(views, v)
	}
	return views
}

// StateTotals is the raw amount held in each lifecycle state.
type StateTotals struct {
	Warmup       uint64 `json:"warmup"`
	Active       uint64 `json:"active"`
	Cooldown     uint64 `json:"cooldown"`
	Withdrawable uint64 `json:"withdrawable"`
}

// Locked is warmup + active + cooldown.
func (t StateTotals) Locked() uint64 {
	return t.Warmup + t.Active + t.Cooldown
}

// ComputeStateTotals sums amounts per state. A per-state total that does not
// fit in 64 bits means the ledger claims more than any custody could hold.
func ComputeStateTotals(l *ledger.PositionLedger, currentEpoch, unlockingDuration uint64) (StateTotals, error) {
	var out StateTotals
	if l == nil {
		return out, nil
	}

	bt := ledger.NewBalanceTracker()
	bt.TrackLedger(l, currentEpoch, unlockingDuration)

	if !bt.Sum().IsUint64() {
		return StateTotals{}, fmt.Errorf("%w: position total %s exceeds 64 bits",
			ErrInternalInconsistency, bt.Sum().Dec())
	}

	out.Warmup = bt.Total(state.PositionStateWarmup).Uint64()
	out.Active = bt.Total(state.PositionStateActive).Uint64()
	out.Cooldown = bt.Total(state.PositionStateCooldown).Uint64()
	out.Withdrawable = bt.Total(state.PositionStateWithdrawable).Uint64()
	return out, nil
}
