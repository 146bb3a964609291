package ledger

import "errors"

var (
	ErrLedgerFull        = errors.New("position ledger is full")
	ErrUnlockTooEarly    = errors.New("position cannot be unlocked in its activation epoch")
	ErrSlotOutOfRange    = errors.New("position slot out of range")
	ErrSlotEmpty         = errors.New("position slot is empty")
	ErrAlreadyUnlocking  = errors.New("position is already unlocking")
	ErrNotWithdrawable   = errors.New("position is not withdrawable")
	ErrInvalidAmount     = errors.New("invalid position amount")
	ErrInvalidTarget     = errors.New("invalid position target")
	ErrInvalidTransition = errors.New("invalid position state transition")

	// Codec errors.
	ErrTruncatedInput  = errors.New("account data shorter than position account size")
	ErrBadDiscriminant = errors.New("account discriminant is not PositionData")
	ErrCorruptPosition = errors.New("corrupt position record")

	// ErrCustodyExceeded means the positions claim more tokens than custody holds.
	ErrCustodyExceeded = errors.New("position amounts exceed custody balance")
)
