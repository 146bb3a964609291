package state

// PositionState is a position's lifecycle state relative to a current epoch.
// Warmup → Active → Cooldown → Withdrawable → Uninitialized, and round again.
type PositionState int32

const (
	PositionStateUninitialized PositionState = iota
	PositionStateWarmup
	PositionStateActive
	PositionStateCooldown
	PositionStateWithdrawable
)

func (ps PositionState) String() string {
	switch ps {
	case PositionStateUninitialized:
		return "Uninitialized"
	case PositionStateWarmup:
		return "Warmup"
	case PositionStateActive:
		return "Active"
	case PositionStateCooldown:
		return "Cooldown"
	case PositionStateWithdrawable:
		return "Withdrawable"
	default:
		return "Unknown"
	}
}

// IsLocked reports whether tokens in this state count as locked.
func (ps PositionState) IsLocked() bool {
	return ps == PositionStateWarmup ||
		ps == PositionStateActive ||
		ps == PositionStateCooldown
}

// validTransitions: Warmup → Active and Cooldown → Withdrawable happen by
// the clock alone; the rest need an explicit ledger operation.
var validTransitions = map[PositionState][]PositionState{
	PositionStateUninitialized: {
		PositionStateWarmup, // Deposit
	},
	PositionStateWarmup: {
		PositionStateActive,   // Epoch rollover
		PositionStateCooldown, // Unlock after the activation epoch
	},
	PositionStateActive: {
		PositionStateCooldown,
	},
	PositionStateCooldown: {
		PositionStateWithdrawable, // Epoch rollover
	},
	PositionStateWithdrawable: {
		PositionStateUninitialized, // Full withdrawal, slot reclaimed
	},
}

// CanTransitionTo validates state transitions.
func (ps PositionState) CanTransitionTo(next PositionState) bool {
	for _, allowed := range validTransitions[ps] {
		if next == allowed {
			return true
		}
	}
	return false
}

// State classifies p at currentEpoch. A nil position is Uninitialized.
func (p *Position) State(currentEpoch, unlockingDuration uint64) PositionState {
	if p == nil {
		return PositionStateUninitialized
	}

	if p.UnlockingStartEpoch != nil {
		if currentEpoch >= withdrawableFrom(*p.UnlockingStartEpoch, unlockingDuration) {
			return PositionStateWithdrawable
		}
		return PositionStateCooldown
	}

	// A missing activation epoch only appears on malformed input; treat the
	// position as not yet active rather than unlocking it.
	if p.ActivationEpoch == nil || *p.ActivationEpoch >= currentEpoch {
		return PositionStateWarmup
	}
	return PositionStateActive
}

// WithdrawableFrom returns the first epoch in which an unlocking position is
// withdrawable, or false if no unlock was requested.
func (p *Position) WithdrawableFrom(unlockingDuration uint64) (uint64, bool) {
	if p == nil || p.UnlockingStartEpoch == nil {
		return 0, false
	}
	return withdrawableFrom(*p.UnlockingStartEpoch, unlockingDuration), true
}

// withdrawableFrom saturates so a huge duration means "never".
func withdrawableFrom(start, duration uint64) uint64 {
	end := start + duration
	if end < start {
		return ^uint64(0)
	}
	return end
}
