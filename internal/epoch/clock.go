package epoch

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTimestamp = errors.New("timestamp precedes genesis")
	ErrInvalidDuration  = errors.New("epoch duration must be positive")
)

// Clock maps Unix timestamps (seconds) to epoch indexes.
// epoch = (timestamp - Genesis) / Duration
type Clock struct {
	Genesis  int64
	Duration int64
}

// NewClock validates the epoch duration and returns a Clock.
func NewClock(genesis, duration int64) (Clock, error) {
	if duration <= 0 {
		return Clock{}, fmt.Errorf("%w: got %d", ErrInvalidDuration, duration)
	}
	return Clock{Genesis: genesis, Duration: duration}, nil
}

// EpochOf returns the epoch containing ts. Timestamps before genesis are
// rejected, never clamped.
func (c Clock) EpochOf(ts int64) (uint64, error) {
	if c.Duration <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidDuration, c.Duration)
	}
	if ts < c.Genesis {
		return 0, fmt.Errorf("%w: ts=%d genesis=%d", ErrInvalidTimestamp, ts, c.Genesis)
	}
	// Subtract in uint64 so genesis near math.MinInt64 cannot overflow.
	elapsed := uint64(ts) - uint64(c.Genesis)
	return elapsed / uint64(c.Duration), nil
}

// EpochStart returns the first timestamp of epoch e, saturating at MaxInt64.
func (c Clock) EpochStart(e uint64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	d := uint64(c.Duration)
	if d == 0 {
		return c.Genesis
	}
	if e > uint64(maxInt64)/d {
		return maxInt64
	}
	offset := e * d
	if c.Genesis > 0 && offset > uint64(maxInt64-c.Genesis) {
		return maxInt64
	}
	return int64(uint64(c.Genesis) + offset)
}
