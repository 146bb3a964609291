package state

import (
	"StakeLedger/internal/address"
)

// TargetKind identifies what a position's stake is committed to.
type TargetKind uint8

const (
	TargetVoting TargetKind = iota
	TargetStaking
)

func (k TargetKind) String() string {
	switch k {
	case TargetVoting:
		return "Voting"
	case TargetStaking:
		return "Staking"
	default:
		return "Unknown"
	}
}

// PublisherKind selects whether a staking target names a specific publisher.
type PublisherKind uint8

const (
	PublisherDefault PublisherKind = iota
	PublisherSome
)

// Target carries the target tag and its parameters. The accounting engine
// never inspects it.
type Target struct {
	Kind          TargetKind
	Product       address.PublicKey // Staking only
	PublisherKind PublisherKind     // Staking only
	Publisher     address.PublicKey // PublisherSome only
}

// VotingTarget is the governance target.
func VotingTarget() Target {
	return Target{Kind: TargetVoting}
}

// StakingTarget targets a product, optionally pinned to one publisher.
func StakingTarget(product address.PublicKey, publisher *address.PublicKey) Target {
	t := Target{Kind: TargetStaking, Product: product}
	if publisher != nil {
		t.PublisherKind = PublisherSome
		t.Publisher = *publisher
	}
	return t
}

// Valid reports whether the target's fields are consistent with its kind.
func (t Target) Valid() bool {
	switch t.Kind {
	case TargetVoting:
		return t.Product.IsZero() && t.PublisherKind == PublisherDefault && t.Publisher.IsZero()
	case TargetStaking:
		switch t.PublisherKind {
		case PublisherDefault:
			return t.Publisher.IsZero()
		case PublisherSome:
			return true
		}
	}
	return false
}

// Position is one stake commitment held in a ledger slot.
type Position struct {
	Amount              uint64
	Target              Target
	ActivationEpoch     *uint64 // Set on creation, fixed afterwards
	UnlockingStartEpoch *uint64 // Set once on unlock, immutable afterwards
}

// NewPosition creates a position activating in the given epoch.
func NewPosition(amount uint64, target Target, activationEpoch uint64) *Position {
	return &Position{
		Amount:          amount,
		Target:          target,
		ActivationEpoch: Uint64Ptr(activationEpoch),
	}
}

// IsUnlocking reports whether an unlock has been requested.
func (p *Position) IsUnlocking() bool {
	return p.UnlockingStartEpoch != nil
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	out := &Position{Amount: p.Amount, Target: p.Target}
	if p.ActivationEpoch != nil {
		out.ActivationEpoch = Uint64Ptr(*p.ActivationEpoch)
	}
	if p.UnlockingStartEpoch != nil {
		out.UnlockingStartEpoch = Uint64Ptr(*p.UnlockingStartEpoch)
	}
	return out
}

// Uint64Ptr returns a pointer to a copy of v.
func Uint64Ptr(v uint64) *uint64 {
	return &v
}
