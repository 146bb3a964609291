package ledger

import (
	"fmt"

	"StakeLedger/internal/address"
	"StakeLedger/internal/state"
)

// MaxPositions is the fixed slot count of a positions account.
const MaxPositions = 100

// PositionLedger is the decoded positions account: an owner and a fixed
// array of slots. A nil slot is empty; slot identity is the index.
type PositionLedger struct {
	Owner     address.PublicKey
	Positions [MaxPositions]*state.Position
}

func NewPositionLedger(owner address.PublicKey) *PositionLedger {
	return &PositionLedger{Owner: owner}
}

// Get returns the position in slot, or ErrSlotEmpty.
func (l *PositionLedger) Get(slot int) (*state.Position, error) {
	if err := checkSlot(slot); err != nil {
		return nil, err
	}
	pos := l.Positions[slot]
	if pos == nil {
		return nil, fmt.Errorf("%w: slot %d", ErrSlotEmpty, slot)
	}
	return pos, nil
}

// Occupied returns the number of non-empty slots.
func (l *PositionLedger) Occupied() int {
	n := 0
	for _, pos := range l.Positions {
		if pos != nil {
			n++
		}
	}
	return n
}

func (l *PositionLedger) freeSlot() (int, bool) {
	for i, pos := range l.Positions {
		if pos == nil {
			return i, true
		}
	}
	return -1, false
}

// CreatePosition places a new position in the lowest free slot. The
// position is in Warmup until the epoch after currentEpoch.
func (l *PositionLedger) CreatePosition(amount uint64, target state.Target, currentEpoch uint64) (int, error) {
	if amount == 0 {
		return -1, fmt.Errorf("%w: zero amount", ErrInvalidAmount)
	}
	if !target.Valid() {
		return -1, fmt.Errorf("%w: %s", ErrInvalidTarget, target.Kind)
	}

	slot, ok := l.freeSlot()
	if !ok {
		return -1, fmt.Errorf("%w: %d positions", ErrLedgerFull, MaxPositions)
	}
	if from := l.Positions[slot].State(currentEpoch, 0); !from.CanTransitionTo(state.PositionStateWarmup) {
		return -1, fmt.Errorf("%w: slot %d %s -> %s", ErrInvalidTransition, slot, from, state.PositionStateWarmup)
	}

	l.Positions[slot] = state.NewPosition(amount, target, currentEpoch)
	return slot, nil
}

// RequestUnlock starts the cooldown of amount tokens from slot. Unlocking
// the whole amount marks the position in place. A partial unlock moves
// amount into a free slot with the same target and activation, so it needs
// one (ErrLedgerFull otherwise). Returns the slot now in cooldown.
func (l *PositionLedger) RequestUnlock(slot int, amount uint64, currentEpoch uint64) (int, error) {
	pos, err := l.Get(slot)
	if err != nil {
		return -1, err
	}
	if pos.IsUnlocking() {
		return -1, fmt.Errorf("%w: slot %d since epoch %d", ErrAlreadyUnlocking, slot, *pos.UnlockingStartEpoch)
	}
	// not unlocking, so the duration does not affect the state
	from := pos.State(currentEpoch, 0)
	if from == state.PositionStateWarmup {
		return -1, fmt.Errorf("%w: slot %d at epoch %d", ErrUnlockTooEarly, slot, currentEpoch)
	}
	if !from.CanTransitionTo(state.PositionStateCooldown) {
		return -1, fmt.Errorf("%w: slot %d %s -> %s", ErrInvalidTransition, slot, from, state.PositionStateCooldown)
	}
	if amount == 0 || amount > pos.Amount {
		return -1, fmt.Errorf("%w: unlock %d of %d", ErrInvalidAmount, amount, pos.Amount)
	}

	if amount == pos.Amount {
		pos.UnlockingStartEpoch = state.Uint64Ptr(currentEpoch)
		return slot, nil
	}

	free, ok := l.freeSlot()
	if !ok {
		return -1, fmt.Errorf("%w: partial unlock needs a free slot", ErrLedgerFull)
	}

	split := pos.Clone()
	split.Amount = amount
	split.UnlockingStartEpoch = state.Uint64Ptr(currentEpoch)
	pos.Amount -= amount
	l.Positions[free] = split
	return free, nil
}

// WithdrawPosition removes amount tokens from a withdrawable position. A
// full withdrawal empties the slot for reuse.
func (l *PositionLedger) WithdrawPosition(slot int, amount uint64, currentEpoch, unlockingDuration uint64) error {
	pos, err := l.Get(slot)
	if err != nil {
		return err
	}
	if ps := pos.State(currentEpoch, unlockingDuration); !ps.CanTransitionTo(state.PositionStateUninitialized) {
		return fmt.Errorf("%w: slot %d is %s", ErrNotWithdrawable, slot, ps)
	}
	if amount == 0 || amount > pos.Amount {
		return fmt.Errorf("%w: withdraw %d of %d", ErrInvalidAmount, amount, pos.Amount)
	}

	if amount == pos.Amount {
		l.Positions[slot] = nil
		return nil
	}
	pos.Amount -= amount
	return nil
}

// Validate checks the structure every encodable ledger must have.
func (l *PositionLedger) Validate() error {
	for i, pos := range l.Positions {
		if pos == nil {
			continue
		}
		if pos.Amount == 0 {
			return fmt.Errorf("%w: slot %d has zero amount", ErrCorruptPosition, i)
		}
		if pos.ActivationEpoch == nil {
			return fmt.Errorf("%w: slot %d has no activation epoch", ErrCorruptPosition, i)
		}
		if !pos.Target.Valid() {
			return fmt.Errorf("%w: slot %d target", ErrCorruptPosition, i)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (l *PositionLedger) Clone() *PositionLedger {
	out := &PositionLedger{Owner: l.Owner}
	for i, pos := range l.Positions {
		out.Positions[i] = pos.Clone()
	}
	return out
}

func checkSlot(slot int) error {
	if slot < 0 || slot >= MaxPositions {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, slot)
	}
	return nil
}
