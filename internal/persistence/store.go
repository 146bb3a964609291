package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"StakeLedger/internal/ledger"
)

// ErrNotFound is returned when an account has never been indexed.
var ErrNotFound = errors.New("account not found")

// AccountStore reads indexed accounts back from Postgres. Addresses are
// stored in base58 text form.
type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// LoadPositionAccount returns the latest positions blob for address.
func (s *AccountStore) LoadPositionAccount(ctx context.Context, address string) (PositionRow, error) {
	var r PositionRow
	var slot int64
	err := s.db.QueryRowContext(ctx, `
		SELECT address, owner, data, slot
		FROM stake.position_accounts
		WHERE address = $1
	`, address).Scan(&r.Address, &r.Owner, &r.Data, &slot)
	if err == sql.ErrNoRows {
		return PositionRow{}, fmt.Errorf("%w: positions %s", ErrNotFound, address)
	}
	if err != nil {
		return PositionRow{}, fmt.Errorf("load positions %s: %w", address, err)
	}
	r.Slot = uint64(slot)
	return r, nil
}

// LoadMetadata returns the metadata account at address.
func (s *AccountStore) LoadMetadata(ctx context.Context, address string) (MetadataRow, error) {
	var r MetadataRow
	var slot int64
	err := s.db.QueryRowContext(ctx, `
		SELECT address, stake_account, owner, vesting, slot
		FROM stake.account_metadata
		WHERE address = $1
	`, address).Scan(&r.Address, &r.StakeAccount, &r.Owner, &r.Vesting, &slot)
	if err == sql.ErrNoRows {
		return MetadataRow{}, fmt.Errorf("%w: metadata %s", ErrNotFound, address)
	}
	if err != nil {
		return MetadataRow{}, fmt.Errorf("load metadata %s: %w", address, err)
	}
	r.Slot = uint64(slot)
	return r, nil
}

// LoadCustodyBalance returns the custody token balance at address.
func (s *AccountStore) LoadCustodyBalance(ctx context.Context, address string) (CustodyRow, error) {
	var r CustodyRow
	var amount string
	var slot int64
	err := s.db.QueryRowContext(ctx, `
		SELECT address, stake_account, amount::TEXT, slot
		FROM stake.custody_balances
		WHERE address = $1
	`, address).Scan(&r.Address, &r.StakeAccount, &amount, &slot)
	if err == sql.ErrNoRows {
		return CustodyRow{}, fmt.Errorf("%w: custody %s", ErrNotFound, address)
	}
	if err != nil {
		return CustodyRow{}, fmt.Errorf("load custody %s: %w", address, err)
	}
	if r.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
		return CustodyRow{}, fmt.Errorf("custody %s amount %q: %w", address, amount, err)
	}
	r.Slot = uint64(slot)
	return r, nil
}

// LoadChainTime returns the latest chain clock.
func (s *AccountStore) LoadChainTime(ctx context.Context) (ClockRow, error) {
	var r ClockRow
	var slot int64
	err := s.db.QueryRowContext(ctx, `
		SELECT unix_time, slot FROM stake.chain_clock WHERE id = 1
	`).Scan(&r.UnixTime, &slot)
	if err == sql.ErrNoRows {
		return ClockRow{}, fmt.Errorf("%w: chain clock", ErrNotFound)
	}
	if err != nil {
		return ClockRow{}, fmt.Errorf("load chain clock: %w", err)
	}
	r.Slot = uint64(slot)
	return r, nil
}

// ListPositionAccountsByOwner returns every positions account owned by
// owner. Rows whose blob lacks the positions discriminant are skipped.
func (s *AccountStore) ListPositionAccountsByOwner(ctx context.Context, owner string) ([]PositionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, owner, data, slot
		FROM stake.position_accounts
		WHERE owner = $1
		ORDER BY address
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", owner, err)
	}
	return scanPositionRows(rows)
}

// ListPositionAccounts pages through all positions accounts in address
// order, starting after the given address.
func (s *AccountStore) ListPositionAccounts(ctx context.Context, after string, limit int) ([]PositionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT address, owner, data, slot
		FROM stake.position_accounts
		WHERE address > $1
		ORDER BY address
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	return scanPositionRows(rows)
}

func scanPositionRows(rows *sql.Rows) ([]PositionRow, error) {
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		var slot int64
		if err := rows.Scan(&r.Address, &r.Owner, &r.Data, &slot); err != nil {
			return nil, err
		}
		if !ledger.HasDiscriminant(r.Data) {
			continue
		}
		r.Slot = uint64(slot)
		out = append(out, r)
	}
	return out, rows.Err()
}
