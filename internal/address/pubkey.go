package address

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKeySize is the width of an account address in bytes.
const PublicKeySize = 32

var ErrInvalidPublicKey = errors.New("invalid public key")

// PublicKey is a 32-byte account address, rendered as base58 text.
type PublicKey [PublicKeySize]byte

// ParsePublicKey decodes a base58 address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %q: %v", ErrInvalidPublicKey, s, err)
	}
	if len(raw) != PublicKeySize {
		return pk, fmt.Errorf("%w: %q decodes to %d bytes", ErrInvalidPublicKey, s, len(raw))
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustParsePublicKey is ParsePublicKey for constants; it panics on bad input.
func MustParsePublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(err)
	}
	return pk
}

// PublicKeyFromBytes copies b into a PublicKey.
func PublicKeyFromBytes(b []byte) (PublicKey, error) {
	var pk PublicKey
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

func (pk PublicKey) String() string {
	return base58.Encode(pk[:])
}

// IsZero reports whether pk is the all-zero key.
func (pk PublicKey) IsZero() bool {
	return pk == PublicKey{}
}

func (pk PublicKey) Bytes() []byte {
	out := make([]byte, PublicKeySize)
	copy(out, pk[:])
	return out
}

func (pk PublicKey) MarshalText() ([]byte, error) {
	return []byte(pk.String()), nil
}

func (pk *PublicKey) UnmarshalText(text []byte) error {
	parsed, err := ParsePublicKey(string(text))
	if err != nil {
		return err
	}
	*pk = parsed
	return nil
}
