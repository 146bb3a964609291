package query

import (
	"StakeLedger/internal/accounting"
	"StakeLedger/internal/address"
)

// BalanceSummaryResponse is a stake account's balance split at a point in
// chain time.
type BalanceSummaryResponse struct {
	StakeAccount address.PublicKey `json:"stake_account"`
	Owner        address.PublicKey `json:"owner"`
	Withdrawable uint64            `json:"withdrawable"`
	Locked       uint64            `json:"locked"`
	Unvested     uint64            `json:"unvested"`
	Custody      uint64            `json:"custody"`
	Epoch        uint64            `json:"epoch"`
	UnixTime     int64             `json:"unix_time"`
	AsOfSlot     uint64            `json:"as_of_slot"` // slot of the positions account
}

// PositionsResponse lists a stake account's occupied slots.
type PositionsResponse struct {
	StakeAccount address.PublicKey         `json:"stake_account"`
	Epoch        uint64                    `json:"epoch"`
	UnixTime     int64                     `json:"unix_time"`
	Positions    []accounting.PositionView `json:"positions"`
	Totals       accounting.StateTotals    `json:"totals"`
	AsOfSlot     uint64                    `json:"as_of_slot"`
}

// StakeAccountsResponse lists the stake accounts of one owner.
type StakeAccountsResponse struct {
	Owner    address.PublicKey        `json:"owner"`
	Accounts []BalanceSummaryResponse `json:"accounts"`
}

// AddressesResponse is the set of derived addresses for a stake account.
type AddressesResponse struct {
	address.StakeAccountAddresses
	Config address.PublicKey `json:"config"`
}
