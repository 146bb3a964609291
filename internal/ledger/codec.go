package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"StakeLedger/internal/address"
	"StakeLedger/internal/state"
)

// Positions account layout.
const (
	DiscriminantSize   = 8
	PositionRecordSize = 104

	ownerOffset     = DiscriminantSize
	positionsOffset = ownerOffset + address.PublicKeySize

	// AccountSize is the exact byte size of a positions account.
	AccountSize = positionsOffset + PositionRecordSize*MaxPositions
)

// Position record layout.
const (
	recSlotTag        = 0
	recAmount         = 1
	recActivationTag  = 9
	recActivation     = 10
	recUnlockingTag   = 18
	recUnlocking      = 19
	recTargetKind     = 27
	recProduct        = 28
	recPublisherKind  = 60
	recPublisher      = 61
	recReservedOffset = 93
)

// Discriminant identifies a positions account.
var Discriminant = AccountDiscriminant("PositionData")

// AccountDiscriminant is the 8-byte type tag the staking program prefixes to
// an account named name.
func AccountDiscriminant(name string) [DiscriminantSize]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [DiscriminantSize]byte
	copy(d[:], sum[:DiscriminantSize])
	return d
}

// HasDiscriminant reports whether data starts with the positions account tag.
func HasDiscriminant(data []byte) bool {
	return len(data) >= DiscriminantSize && bytes.Equal(data[:DiscriminantSize], Discriminant[:])
}

// Encode serializes l into exactly AccountSize bytes. A structurally
// malformed ledger is a programming error and panics.
func Encode(l *PositionLedger) []byte {
	if err := l.Validate(); err != nil {
		panic(fmt.Sprintf("FATAL: encode malformed position ledger: %v", err))
	}

	buf := make([]byte, AccountSize)
	copy(buf[:DiscriminantSize], Discriminant[:])
	copy(buf[ownerOffset:positionsOffset], l.Owner[:])

	for i, pos := range l.Positions {
		if pos == nil {
			continue
		}
		off := positionsOffset + i*PositionRecordSize
		encodePosition(buf[off:off+PositionRecordSize], pos)
	}
	return buf
}

func encodePosition(rec []byte, pos *state.Position) {
	rec[recSlotTag] = 1
	binary.LittleEndian.PutUint64(rec[recAmount:], pos.Amount)

	rec[recActivationTag] = 1
	binary.LittleEndian.PutUint64(rec[recActivation:], *pos.ActivationEpoch)

	if pos.UnlockingStartEpoch != nil {
		rec[recUnlockingTag] = 1
		binary.LittleEndian.PutUint64(rec[recUnlocking:], *pos.UnlockingStartEpoch)
	}

	rec[recTargetKind] = byte(pos.Target.Kind)
	if pos.Target.Kind == state.TargetStaking {
		copy(rec[recProduct:recPublisherKind], pos.Target.Product[:])
		rec[recPublisherKind] = byte(pos.Target.PublisherKind)
		if pos.Target.PublisherKind == state.PublisherSome {
			copy(rec[recPublisher:recReservedOffset], pos.Target.Publisher[:])
		}
	}
}

// Decode parses a positions account. Bytes past AccountSize are ignored.
func Decode(data []byte) (*PositionLedger, error) {
	if len(data) < AccountSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrTruncatedInput, len(data), AccountSize)
	}
	if !HasDiscriminant(data) {
		return nil, fmt.Errorf("%w: %x", ErrBadDiscriminant, data[:DiscriminantSize])
	}

	l := &PositionLedger{}
	copy(l.Owner[:], data[ownerOffset:positionsOffset])

	for i := range MaxPositions {
		off := positionsOffset + i*PositionRecordSize
		pos, err := decodePosition(data[off : off+PositionRecordSize])
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		l.Positions[i] = pos
	}
	return l, nil
}

func decodePosition(rec []byte) (*state.Position, error) {
	switch rec[recSlotTag] {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, fmt.Errorf("%w: slot tag %d", ErrCorruptPosition, rec[recSlotTag])
	}

	pos := &state.Position{Amount: binary.LittleEndian.Uint64(rec[recAmount:])}
	if pos.Amount == 0 {
		return nil, fmt.Errorf("%w: zero amount", ErrCorruptPosition)
	}

	activation, err := decodeOptionalEpoch(rec, recActivationTag, recActivation)
	if err != nil {
		return nil, fmt.Errorf("activation: %w", err)
	}
	if activation == nil {
		return nil, fmt.Errorf("%w: missing activation epoch", ErrCorruptPosition)
	}
	pos.ActivationEpoch = activation

	pos.UnlockingStartEpoch, err = decodeOptionalEpoch(rec, recUnlockingTag, recUnlocking)
	if err != nil {
		return nil, fmt.Errorf("unlocking: %w", err)
	}

	switch kind := state.TargetKind(rec[recTargetKind]); kind {
	case state.TargetVoting:
		pos.Target = state.VotingTarget()
	case state.TargetStaking:
		product, _ := address.PublicKeyFromBytes(rec[recProduct:recPublisherKind])
		var publisher *address.PublicKey
		switch state.PublisherKind(rec[recPublisherKind]) {
		case state.PublisherDefault:
		case state.PublisherSome:
			pk, _ := address.PublicKeyFromBytes(rec[recPublisher:recReservedOffset])
			publisher = &pk
		default:
			return nil, fmt.Errorf("%w: publisher kind %d", ErrCorruptPosition, rec[recPublisherKind])
		}
		pos.Target = state.StakingTarget(product, publisher)
	default:
		return nil, fmt.Errorf("%w: target kind %d", ErrCorruptPosition, kind)
	}

	return pos, nil
}

func decodeOptionalEpoch(rec []byte, tagOff, valueOff int) (*uint64, error) {
	switch rec[tagOff] {
	case 0:
		return nil, nil
	case 1:
		return state.Uint64Ptr(binary.LittleEndian.Uint64(rec[valueOff:])), nil
	default:
		return nil, fmt.Errorf("%w: option tag %d", ErrCorruptPosition, rec[tagOff])
	}
}
