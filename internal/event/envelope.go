package event

import (
	"time"

	"StakeLedger/internal/address"
)

// EventType discriminator for account update payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionAccountUpdated
	EventTypeMetadataUpdated
	EventTypeCustodyBalanceUpdated
	EventTypeClockUpdated
)

// Envelope records an applied update for the dedup table and logs.
type Envelope struct {
	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Account the update targets (zero for clock ticks)
	Address address.PublicKey

	// Chain slot the account data was observed at
	Slot uint64

	// Wall-clock time the indexer received the update
	ReceivedAt time.Time
}

// Event is the interface all account updates implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// AccountAddress returns the updated account (zero for clock ticks)
	AccountAddress() address.PublicKey

	// SourceSlot returns the chain slot used for ordering
	SourceSlot() uint64
}

// NewEnvelope captures the routing fields of evt.
func NewEnvelope(evt Event, receivedAt time.Time) Envelope {
	return Envelope{
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Address:        evt.AccountAddress(),
		Slot:           evt.SourceSlot(),
		ReceivedAt:     receivedAt,
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionAccountUpdated:
		return "PositionAccountUpdated"
	case EventTypeMetadataUpdated:
		return "MetadataUpdated"
	case EventTypeCustodyBalanceUpdated:
		return "CustodyBalanceUpdated"
	case EventTypeClockUpdated:
		return "ClockUpdated"
	default:
		return "Unknown"
	}
}
