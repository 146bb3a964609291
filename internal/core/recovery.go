package core

import (
	"fmt"

	"StakeLedger/internal/address"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/vesting"
)

// Restore rebuilds account state from persisted rows. It must run before the
// first ProcessEvent. Rows that fail to decode are skipped and counted in the
// returned error list; the indexer re-learns them from the next update.
// Metadata and custody rows not derived from their stake account are skipped
// the same way.
func (ix *Indexer) Restore(st *persistence.RecoveredState) []error {
	var errs []error

	for _, r := range st.Positions {
		addr, err := address.ParsePublicKey(r.Address)
		if err != nil {
			errs = append(errs, fmt.Errorf("positions %s: %w", r.Address, err))
			continue
		}
		l, err := ledger.Decode(r.Data)
		if err != nil {
			errs = append(errs, fmt.Errorf("positions %s: %w", r.Address, err))
			continue
		}
		acct := ix.account(addr)
		acct.Ledger = l
		if acct.Owner.IsZero() {
			acct.Owner = l.Owner
		}
		ix.slotValidator.Advance(partitionKey("positions", addr), r.Slot)
	}

	for _, r := range st.Metadata {
		addr, err1 := address.ParsePublicKey(r.Address)
		stake, err2 := address.ParsePublicKey(r.StakeAccount)
		owner, err3 := address.ParsePublicKey(r.Owner)
		if err1 != nil || err2 != nil || err3 != nil {
			errs = append(errs, fmt.Errorf("metadata %s: bad address", r.Address))
			continue
		}
		if err := ix.checkDerived("metadata", addr, stake); err != nil {
			errs = append(errs, err)
			continue
		}
		schedule, err := vesting.UnmarshalSchedule(r.Vesting)
		if err != nil {
			errs = append(errs, fmt.Errorf("metadata %s: %w", r.Address, err))
			continue
		}
		acct := ix.account(stake)
		acct.Owner = owner
		acct.Vesting = schedule
		ix.slotValidator.Advance(partitionKey("metadata", addr), r.Slot)
	}

	for _, r := range st.Custody {
		addr, err1 := address.ParsePublicKey(r.Address)
		stake, err2 := address.ParsePublicKey(r.StakeAccount)
		if err1 != nil || err2 != nil {
			errs = append(errs, fmt.Errorf("custody %s: bad address", r.Address))
			continue
		}
		if err := ix.checkDerived("custody", addr, stake); err != nil {
			errs = append(errs, err)
			continue
		}
		acct := ix.account(stake)
		acct.Custody = r.Amount
		acct.HasCustody = true
		ix.slotValidator.Advance(partitionKey("custody", addr), r.Slot)
	}

	for _, acct := range ix.accounts {
		ix.checkCustody(acct)
	}

	if st.Clock != nil {
		ix.now = st.Clock.UnixTime
		ix.nowSlot = st.Clock.Slot
		ix.hasClock = true
		ix.slotValidator.Advance("clock", st.Clock.Slot)
	}

	ix.idempotency.WarmFromKeys(st.RecentUpdateKeys)

	if ix.metrics != nil {
		ix.metrics.AccountsTracked.Set(float64(len(ix.accounts)))
		ix.metrics.RecoveryAccounts.Set(float64(len(ix.accounts)))
	}
	return errs
}
