package address

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
)

// Seeds used by the staking program for per-account derived addresses.
const (
	SeedStakeMetadata = "stake_metadata"
	SeedCustody       = "custody"
	SeedAuthority     = "authority"
	SeedVoterWeight   = "voter_weight"
	SeedConfig        = "config"
)

const (
	MaxSeeds      = 16
	MaxSeedLength = 32

	pdaMarker = "ProgramDerivedAddress"
)

var (
	ErrMaxSeedLengthExceeded = errors.New("seed exceeds max length")
	ErrTooManySeeds          = errors.New("too many seeds")
	ErrNoViableBump          = errors.New("unable to find a viable program address bump")
	errOnCurve               = errors.New("derived address is on the ed25519 curve")
)

// CreateProgramAddress hashes seeds with the program ID and fails if the
// result is a valid curve point (i.e. could have a private key).
func CreateProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, error) {
	if len(seeds) > MaxSeeds {
		return PublicKey{}, fmt.Errorf("%w: %d", ErrTooManySeeds, len(seeds))
	}
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > MaxSeedLength {
			return PublicKey{}, fmt.Errorf("%w: %d bytes", ErrMaxSeedLengthExceeded, len(s))
		}
		h.Write(s)
	}
	h.Write(programID[:])
	h.Write([]byte(pdaMarker))

	var pk PublicKey
	copy(pk[:], h.Sum(nil))
	if isOnCurve(pk) {
		return PublicKey{}, errOnCurve
	}
	return pk, nil
}

// FindProgramAddress searches bumps from 255 down and returns the first
// off-curve address together with its bump seed.
func FindProgramAddress(seeds [][]byte, programID PublicKey) (PublicKey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		withBump[len(seeds)] = []byte{uint8(bump)}
		pk, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return pk, uint8(bump), nil
		}
		if !errors.Is(err, errOnCurve) {
			return PublicKey{}, 0, err
		}
	}
	return PublicKey{}, 0, ErrNoViableBump
}

func isOnCurve(pk PublicKey) bool {
	_, err := new(edwards25519.Point).SetBytes(pk[:])
	return err == nil
}

// StakeAccountAddresses are the derived accounts that belong to one stake
// positions account.
type StakeAccountAddresses struct {
	Positions   PublicKey `json:"positions"`
	Metadata    PublicKey `json:"metadata"`
	Custody     PublicKey `json:"custody"`
	Authority   PublicKey `json:"authority"`
	VoterRecord PublicKey `json:"voter_record"`
}

// DeriveStakeAccountAddresses derives the metadata, custody, authority and
// voter-weight addresses for a positions account.
func DeriveStakeAccountAddresses(positions, programID PublicKey) (StakeAccountAddresses, error) {
	out := StakeAccountAddresses{Positions: positions}

	targets := []struct {
		seed string
		dst  *PublicKey
	}{
		{SeedStakeMetadata, &out.Metadata},
		{SeedCustody, &out.Custody},
		{SeedAuthority, &out.Authority},
		{SeedVoterWeight, &out.VoterRecord},
	}
	for _, tgt := range targets {
		pk, _, err := FindProgramAddress([][]byte{[]byte(tgt.seed), positions[:]}, programID)
		if err != nil {
			return StakeAccountAddresses{}, fmt.Errorf("derive %s address: %w", tgt.seed, err)
		}
		*tgt.dst = pk
	}
	return out, nil
}

// ConfigAddress derives the program's global config address.
func ConfigAddress(programID PublicKey) (PublicKey, error) {
	pk, _, err := FindProgramAddress([][]byte{[]byte(SeedConfig)}, programID)
	return pk, err
}
