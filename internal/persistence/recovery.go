package persistence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
)

// RecoveredState is everything the indexer needs to resume after a restart:
// the last persisted view of every account plus recently applied update keys
// ("type:id") for warming the dedup LRU.
type RecoveredState struct {
	Positions        []PositionRow
	Metadata         []MetadataRow
	Custody          []CustodyRow
	Clock            *ClockRow
	RecentUpdateKeys []string
}

// RecoveryLoader reads the persisted account tables at startup. Account rows
// are the full latest state, so there is no replay step.
type RecoveryLoader struct {
	store    *AccountStore
	pageSize int
}

func NewRecoveryLoader(store *AccountStore) *RecoveryLoader {
	return &RecoveryLoader{store: store, pageSize: 1000}
}

// Load returns the persisted state. recentUpdates bounds how many applied
// update keys are returned, newest first.
func (rl *RecoveryLoader) Load(ctx context.Context, recentUpdates int) (*RecoveredState, error) {
	st := &RecoveredState{}

	after := ""
	for {
		page, err := rl.store.ListPositionAccounts(ctx, after, rl.pageSize)
		if err != nil {
			return nil, err
		}
		st.Positions = append(st.Positions, page...)
		if len(page) < rl.pageSize {
			break
		}
		after = page[len(page)-1].Address
	}

	var err error
	if st.Metadata, err = rl.loadMetadata(ctx); err != nil {
		return nil, err
	}
	if st.Custody, err = rl.loadCustody(ctx); err != nil {
		return nil, err
	}

	clock, err := rl.store.LoadChainTime(ctx)
	switch {
	case err == nil:
		st.Clock = &clock
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	if st.RecentUpdateKeys, err = rl.loadRecentUpdateKeys(ctx, recentUpdates); err != nil {
		return nil, err
	}
	return st, nil
}

func (rl *RecoveryLoader) loadMetadata(ctx context.Context) ([]MetadataRow, error) {
	rows, err := rl.store.db.QueryContext(ctx, `
		SELECT address, stake_account, owner, vesting, slot FROM stake.account_metadata
	`)
	if err != nil {
		return nil, fmt.Errorf("recover metadata: %w", err)
	}
	defer rows.Close()

	var out []MetadataRow
	for rows.Next() {
		var r MetadataRow
		var slot int64
		if err := rows.Scan(&r.Address, &r.StakeAccount, &r.Owner, &r.Vesting, &slot); err != nil {
			return nil, err
		}
		r.Slot = uint64(slot)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (rl *RecoveryLoader) loadCustody(ctx context.Context) ([]CustodyRow, error) {
	rows, err := rl.store.db.QueryContext(ctx, `
		SELECT address, stake_account, amount::TEXT, slot FROM stake.custody_balances
	`)
	if err != nil {
		return nil, fmt.Errorf("recover custody: %w", err)
	}
	defer rows.Close()

	var out []CustodyRow
	for rows.Next() {
		var r CustodyRow
		var amount string
		var slot int64
		if err := rows.Scan(&r.Address, &r.StakeAccount, &amount, &slot); err != nil {
			return nil, err
		}
		if r.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("custody %s amount %q: %w", r.Address, amount, err)
		}
		r.Slot = uint64(slot)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (rl *RecoveryLoader) loadRecentUpdateKeys(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := rl.store.db.QueryContext(ctx, `
		SELECT update_type || ':' || update_id FROM stake.applied_updates ORDER BY applied_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recover applied updates: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
