package event

import (
	"github.com/google/uuid"

	"StakeLedger/internal/address"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/vesting"
)

// PositionAccountUpdated carries the raw positions account at a slot.
// Ledger is the decoded form, filled by the parser after codec validation.
type PositionAccountUpdated struct {
	UpdateID uuid.UUID
	Address  address.PublicKey
	Slot     uint64
	Data     []byte
	Ledger   *ledger.PositionLedger
}

func (u *PositionAccountUpdated) IdempotencyKey() string {
	return u.UpdateID.String()
}

func (u *PositionAccountUpdated) EventType() EventType {
	return EventTypePositionAccountUpdated
}

func (u *PositionAccountUpdated) AccountAddress() address.PublicKey {
	return u.Address
}

func (u *PositionAccountUpdated) SourceSlot() uint64 {
	return u.Slot
}

// MetadataUpdated carries a stake account's metadata: owner and vesting.
type MetadataUpdated struct {
	UpdateID     uuid.UUID
	Address      address.PublicKey // metadata account
	StakeAccount address.PublicKey // positions account it belongs to
	Owner        address.PublicKey
	Vesting      vesting.Schedule
	Slot         uint64
}

func (u *MetadataUpdated) IdempotencyKey() string {
	return u.UpdateID.String()
}

func (u *MetadataUpdated) EventType() EventType {
	return EventTypeMetadataUpdated
}

func (u *MetadataUpdated) AccountAddress() address.PublicKey {
	return u.Address
}

func (u *MetadataUpdated) SourceSlot() uint64 {
	return u.Slot
}

// CustodyBalanceUpdated carries the token balance of a custody account.
type CustodyBalanceUpdated struct {
	UpdateID     uuid.UUID
	Address      address.PublicKey // custody account
	StakeAccount address.PublicKey
	Amount       uint64
	Slot         uint64
}

func (u *CustodyBalanceUpdated) IdempotencyKey() string {
	return u.UpdateID.String()
}

func (u *CustodyBalanceUpdated) EventType() EventType {
	return EventTypeCustodyBalanceUpdated
}

func (u *CustodyBalanceUpdated) AccountAddress() address.PublicKey {
	return u.Address
}

func (u *CustodyBalanceUpdated) SourceSlot() uint64 {
	return u.Slot
}

// ClockUpdated carries the chain clock sysvar.
type ClockUpdated struct {
	UpdateID uuid.UUID
	UnixTime int64
	Slot     uint64
}

func (u *ClockUpdated) IdempotencyKey() string {
	return u.UpdateID.String()
}

func (u *ClockUpdated) EventType() EventType {
	return EventTypeClockUpdated
}

func (u *ClockUpdated) AccountAddress() address.PublicKey {
	return address.PublicKey{}
}

func (u *ClockUpdated) SourceSlot() uint64 {
	return u.Slot
}
