package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"StakeLedger/internal/address"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/vesting"
)

var ErrUnknownEventType = errors.New("unknown event type")

// updateNamespace seeds update IDs derived from (type, address, slot) when a
// producer omits update_id, so redeliveries dedup to the same key.
var updateNamespace = uuid.MustParse("6f1b3c2e-5d0a-4c55-9a63-2b8e0f7d4a91")

// ParseRawEvent converts a RawEvent (JSON bytes + update type) into a typed
// event.Event. Position blobs must pass the account codec.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PositionAccountUpdated":
		return parsePositionAccount(raw.Data)
	case "MetadataUpdated":
		return parseMetadata(raw.Data)
	case "CustodyBalanceUpdated":
		return parseCustodyBalance(raw.Data)
	case "ClockUpdated":
		return parseClock(raw.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Addresses are
// base58, account data is base64.

type positionAccountJSON struct {
	UpdateID string `json:"update_id"`
	Address  string `json:"address"`
	Slot     uint64 `json:"slot"`
	Data     []byte `json:"data"`
}

func parsePositionAccount(data []byte) (*event.PositionAccountUpdated, error) {
	var j positionAccountJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionAccountUpdated: %w", err)
	}
	addr, err := address.ParsePublicKey(j.Address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	id, err := updateID(j.UpdateID, "PositionAccountUpdated", addr, j.Slot)
	if err != nil {
		return nil, err
	}

	l, err := ledger.Decode(j.Data)
	if err != nil {
		return nil, fmt.Errorf("decode positions account %s: %w", addr, err)
	}

	return &event.PositionAccountUpdated{
		UpdateID: id,
		Address:  addr,
		Slot:     j.Slot,
		Data:     j.Data[:ledger.AccountSize],
		Ledger:   l,
	}, nil
}

type metadataJSON struct {
	UpdateID     string          `json:"update_id"`
	Address      string          `json:"address"`
	StakeAccount string          `json:"stake_account"`
	Owner        string          `json:"owner"`
	Vesting      json.RawMessage `json:"vesting,omitempty"`
	Slot         uint64          `json:"slot"`
}

func parseMetadata(data []byte) (*event.MetadataUpdated, error) {
	var j metadataJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse MetadataUpdated: %w", err)
	}
	addr, err := address.ParsePublicKey(j.Address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	stake, err := address.ParsePublicKey(j.StakeAccount)
	if err != nil {
		return nil, fmt.Errorf("parse stake_account: %w", err)
	}
	owner, err := address.ParsePublicKey(j.Owner)
	if err != nil {
		return nil, fmt.Errorf("parse owner: %w", err)
	}
	schedule, err := vesting.UnmarshalSchedule(j.Vesting)
	if err != nil {
		return nil, fmt.Errorf("parse vesting: %w", err)
	}
	id, err := updateID(j.UpdateID, "MetadataUpdated", addr, j.Slot)
	if err != nil {
		return nil, err
	}

	return &event.MetadataUpdated{
		UpdateID:     id,
		Address:      addr,
		StakeAccount: stake,
		Owner:        owner,
		Vesting:      schedule,
		Slot:         j.Slot,
	}, nil
}

type custodyJSON struct {
	UpdateID     string      `json:"update_id"`
	Address      string      `json:"address"`
	StakeAccount string      `json:"stake_account"`
	Amount       json.Number `json:"amount"` // number or decimal string
	Slot         uint64      `json:"slot"`
}

func parseCustodyBalance(data []byte) (*event.CustodyBalanceUpdated, error) {
	var j custodyJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse CustodyBalanceUpdated: %w", err)
	}
	addr, err := address.ParsePublicKey(j.Address)
	if err != nil {
		return nil, fmt.Errorf("parse address: %w", err)
	}
	stake, err := address.ParsePublicKey(j.StakeAccount)
	if err != nil {
		return nil, fmt.Errorf("parse stake_account: %w", err)
	}
	amount, err := strconv.ParseUint(j.Amount.String(), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", j.Amount, err)
	}
	id, err := updateID(j.UpdateID, "CustodyBalanceUpdated", addr, j.Slot)
	if err != nil {
		return nil, err
	}

	return &event.CustodyBalanceUpdated{
		UpdateID:     id,
		Address:      addr,
		StakeAccount: stake,
		Amount:       amount,
		Slot:         j.Slot,
	}, nil
}

type clockJSON struct {
	UpdateID string `json:"update_id"`
	UnixTime int64  `json:"unix_time"`
	Slot     uint64 `json:"slot"`
}

func parseClock(data []byte) (*event.ClockUpdated, error) {
	var j clockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClockUpdated: %w", err)
	}
	id, err := updateID(j.UpdateID, "ClockUpdated", address.PublicKey{}, j.Slot)
	if err != nil {
		return nil, err
	}
	return &event.ClockUpdated{
		UpdateID: id,
		UnixTime: j.UnixTime,
		Slot:     j.Slot,
	}, nil
}

func updateID(raw, eventType string, addr address.PublicKey, slot uint64) (uuid.UUID, error) {
	if raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse update_id: %w", err)
		}
		return id, nil
	}
	name := eventType + ":" + addr.String() + ":" + strconv.FormatUint(slot, 10)
	return uuid.NewSHA1(updateNamespace, []byte(name)), nil
}
