package vesting

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownSchedule = errors.New("unknown vesting schedule kind")

const (
	kindFullyVested = "fully_vested"
	kindTranches    = "tranches"
)

type scheduleJSON struct {
	Kind     string    `json:"kind"`
	Tranches []Tranche `json:"tranches,omitempty"`
}

// MarshalSchedule encodes a schedule for the metadata store and update feed.
// A nil schedule encodes as fully vested. Evaluator cannot be serialized.
func MarshalSchedule(s Schedule) ([]byte, error) {
	switch v := s.(type) {
	case nil, FullyVested, *FullyVested:
		return json.Marshal(scheduleJSON{Kind: kindFullyVested})
	case *Tranches:
		return json.Marshal(scheduleJSON{Kind: kindTranches, Tranches: v.entries})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownSchedule, s)
	}
}

// UnmarshalSchedule is the inverse of MarshalSchedule. Empty input means
// fully vested.
func UnmarshalSchedule(data []byte) (Schedule, error) {
	if len(data) == 0 || string(data) == "null" {
		return FullyVested{}, nil
	}

	var raw scheduleJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode vesting schedule: %w", err)
	}

	switch raw.Kind {
	case kindFullyVested, "":
		return FullyVested{}, nil
	case kindTranches:
		return NewTranches(raw.Tranches)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSchedule, raw.Kind)
	}
}
