package query

import (
	"errors"
	"fmt"

	"StakeLedger/internal/accounting"
	"StakeLedger/internal/address"
	"StakeLedger/internal/epoch"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/vesting"
)

// ErrCustodyUnavailable means the custody balance of a stake account has not
// been indexed yet, so no summary can be computed.
var ErrCustodyUnavailable = errors.New("custody balance unavailable")

// StakeAccount is a loaded stake account: its decoded positions plus the
// metadata and custody balance of its derived accounts.
type StakeAccount struct {
	Address   address.PublicKey
	Addresses address.StakeAccountAddresses
	Owner     address.PublicKey
	Ledger    *ledger.PositionLedger
	Vesting   vesting.Schedule
	Slot      uint64

	Custody    uint64
	HasCustody bool

	clock             epoch.Clock
	unlockingDuration uint64
}

// GetBalanceSummary splits the custody balance at now (Unix seconds).
func (sa *StakeAccount) GetBalanceSummary(now int64) (accounting.BalanceSummary, error) {
	if !sa.HasCustody {
		return accounting.BalanceSummary{}, fmt.Errorf("%w: %s", ErrCustodyUnavailable, sa.Addresses.Custody)
	}
	return accounting.ComputeBalanceSummary(accounting.Input{
		Ledger:            sa.Ledger,
		CustodyBalance:    sa.Custody,
		UnlockingDuration: sa.unlockingDuration,
		Clock:             sa.clock,
		Vesting:           sa.Vesting,
		Now:               now,
	})
}

// Positions classifies every occupied slot at now.
func (sa *StakeAccount) Positions(now int64) ([]accounting.PositionView, accounting.StateTotals, uint64, error) {
	currentEpoch, err := sa.clock.EpochOf(now)
	if err != nil {
		return nil, accounting.StateTotals{}, 0, err
	}
	totals, err := accounting.ComputeStateTotals(sa.Ledger, currentEpoch, sa.unlockingDuration)
	if err != nil {
		return nil, accounting.StateTotals{}, 0, err
	}
	views := accounting.ClassifyPositions(sa.Ledger, currentEpoch, sa.unlockingDuration)
	for i := range views {
		if e := views[i].WithdrawableEpoch; e != nil {
			at := sa.clock.EpochStart(*e)
			views[i].WithdrawableAt = &at
		}
	}
	return views, totals, currentEpoch, nil
}

// Epoch returns the epoch containing now.
func (sa *StakeAccount) Epoch(now int64) (uint64, error) {
	return sa.clock.EpochOf(now)
}
