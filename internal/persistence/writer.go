package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PositionRow is a row in stake.position_accounts.
type PositionRow struct {
	Address string
	Owner   string
	Data    []byte
	Slot    uint64
}

// MetadataRow is a row in stake.account_metadata. Vesting is the JSON form
// produced by vesting.MarshalSchedule.
type MetadataRow struct {
	Address      string
	StakeAccount string
	Owner        string
	Vesting      []byte
	Slot         uint64
}

// CustodyRow is a row in stake.custody_balances.
type CustodyRow struct {
	Address      string
	StakeAccount string
	Amount       uint64
	Slot         uint64
}

// ClockRow is the single row of stake.chain_clock.
type ClockRow struct {
	UnixTime int64
	Slot     uint64
}

// AppliedRow is a row in stake.applied_updates.
type AppliedRow struct {
	UpdateID   string
	UpdateType string
	Address    string
	Slot       uint64
	AppliedAt  time.Time
}

// AccountWrite is everything one applied update needs persisted. Exactly one
// of the row pointers is set.
type AccountWrite struct {
	Applied  AppliedRow
	Position *PositionRow
	Metadata *MetadataRow
	Custody  *CustodyRow
	Clock    *ClockRow

	EnqueuedAt time.Time
}

// AccountWriter writes batches of account rows with multi-row upserts. Every
// upsert is guarded by slot so an older observation never replaces a newer one.
type AccountWriter struct {
	db *sql.DB
}

func NewAccountWriter(db *sql.DB) *AccountWriter {
	return &AccountWriter{db: db}
}

// batchRows splits writes by table and keeps only the highest-slot row per
// address; Postgres rejects an upsert that touches the same key twice.
type batchRows struct {
	positions []PositionRow
	metadata  []MetadataRow
	custody   []CustodyRow
	clock     *ClockRow
	applied   []AppliedRow
}

func coalesce(writes []AccountWrite) batchRows {
	var b batchRows
	posIdx := map[string]int{}
	metaIdx := map[string]int{}
	custIdx := map[string]int{}
	seen := map[string]bool{}

	for _, w := range writes {
		switch {
		case w.Position != nil:
			if i, ok := posIdx[w.Position.Address]; ok {
				if w.Position.Slot >= b.positions[i].Slot {
					b.positions[i] = *w.Position
				}
			} else {
				posIdx[w.Position.Address] = len(b.positions)
				b.positions = append(b.positions, *w.Position)
			}
		case w.Metadata != nil:
			if i, ok := metaIdx[w.Metadata.Address]; ok {
				if w.Metadata.Slot >= b.metadata[i].Slot {
					b.metadata[i] = *w.Metadata
				}
			} else {
				metaIdx[w.Metadata.Address] = len(b.metadata)
				b.metadata = append(b.metadata, *w.Metadata)
			}
		case w.Custody != nil:
			if i, ok := custIdx[w.Custody.Address]; ok {
				if w.Custody.Slot >= b.custody[i].Slot {
					b.custody[i] = *w.Custody
				}
			} else {
				custIdx[w.Custody.Address] = len(b.custody)
				b.custody = append(b.custody, *w.Custody)
			}
		case w.Clock != nil:
			if b.clock == nil || w.Clock.Slot >= b.clock.Slot {
				c := *w.Clock
				b.clock = &c
			}
		}

		if w.Applied.UpdateID != "" && !seen[w.Applied.UpdateID] {
			seen[w.Applied.UpdateID] = true
			b.applied = append(b.applied, w.Applied)
		}
	}
	return b
}

// WriteBatch writes all rows of writes inside tx.
func (w *AccountWriter) WriteBatch(ctx context.Context, tx *sql.Tx, writes []AccountWrite) (map[string]int, error) {
	b := coalesce(writes)
	counts := map[string]int{}

	steps := []struct {
		table string
		n     int
		fn    func() error
	}{
		{"position_accounts", len(b.positions), func() error { return w.writePositions(ctx, tx, b.positions) }},
		{"account_metadata", len(b.metadata), func() error { return w.writeMetadata(ctx, tx, b.metadata) }},
		{"custody_balances", len(b.custody), func() error { return w.writeCustody(ctx, tx, b.custody) }},
		{"chain_clock", boolToInt(b.clock != nil), func() error { return w.writeClock(ctx, tx, b.clock) }},
		{"applied_updates", len(b.applied), func() error { return w.writeApplied(ctx, tx, b.applied) }},
	}
	for _, s := range steps {
		if s.n == 0 {
			continue
		}
		if err := s.fn(); err != nil {
			return nil, fmt.Errorf("write %s: %w", s.table, err)
		}
		counts[s.table] = s.n
	}
	return counts, nil
}

func (w *AccountWriter) writePositions(ctx context.Context, tx *sql.Tx, rows []PositionRow) error {
	args := make([]interface{}, 0, len(rows)*4)
	for _, r := range rows {
		args = append(args, r.Address, r.Owner, r.Data, int64(r.Slot))
	}
	query := `INSERT INTO stake.position_accounts (address, owner, data, slot) VALUES ` +
		placeholders(len(rows), 4) + `
		ON CONFLICT (address) DO UPDATE
		SET owner = EXCLUDED.owner, data = EXCLUDED.data, slot = EXCLUDED.slot, updated_at = NOW()
		WHERE stake.position_accounts.slot <= EXCLUDED.slot`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *AccountWriter) writeMetadata(ctx context.Context, tx *sql.Tx, rows []MetadataRow) error {
	args := make([]interface{}, 0, len(rows)*5)
	for _, r := range rows {
		args = append(args, r.Address, r.StakeAccount, r.Owner, string(r.Vesting), int64(r.Slot))
	}
	query := `INSERT INTO stake.account_metadata (address, stake_account, owner, vesting, slot) VALUES ` +
		placeholders(len(rows), 5) + `
		ON CONFLICT (address) DO UPDATE
		SET stake_account = EXCLUDED.stake_account, owner = EXCLUDED.owner,
		    vesting = EXCLUDED.vesting, slot = EXCLUDED.slot, updated_at = NOW()
		WHERE stake.account_metadata.slot <= EXCLUDED.slot`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *AccountWriter) writeCustody(ctx context.Context, tx *sql.Tx, rows []CustodyRow) error {
	args := make([]interface{}, 0, len(rows)*4)
	for _, r := range rows {
		// database/sql rejects uint64 values with the high bit set
		args = append(args, r.Address, r.StakeAccount, strconv.FormatUint(r.Amount, 10), int64(r.Slot))
	}
	query := `INSERT INTO stake.custody_balances (address, stake_account, amount, slot) VALUES ` +
		placeholders(len(rows), 4) + `
		ON CONFLICT (address) DO UPDATE
		SET stake_account = EXCLUDED.stake_account, amount = EXCLUDED.amount,
		    slot = EXCLUDED.slot, updated_at = NOW()
		WHERE stake.custody_balances.slot <= EXCLUDED.slot`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *AccountWriter) writeClock(ctx context.Context, tx *sql.Tx, c *ClockRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stake.chain_clock (id, unix_time, slot) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE
		SET unix_time = EXCLUDED.unix_time, slot = EXCLUDED.slot, updated_at = NOW()
		WHERE stake.chain_clock.slot <= EXCLUDED.slot`,
		c.UnixTime, int64(c.Slot))
	return err
}

func (w *AccountWriter) writeApplied(ctx context.Context, tx *sql.Tx, rows []AppliedRow) error {
	args := make([]interface{}, 0, len(rows)*5)
	for _, r := range rows {
		args = append(args, r.UpdateID, r.UpdateType, r.Address, int64(r.Slot), r.AppliedAt)
	}
	query := `INSERT INTO stake.applied_updates (update_id, update_type, address, slot, applied_at) VALUES ` +
		placeholders(len(rows), 5) + ` ON CONFLICT (update_id) DO NOTHING`
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// placeholders builds "($1, $2), ($3, $4)" for rows x cols.
func placeholders(rows, cols int) string {
	values := make([]string, 0, rows)
	for i := 0; i < rows; i++ {
		ph := make([]string, cols)
		for j := 0; j < cols; j++ {
			ph[j] = "$" + strconv.Itoa(i*cols+j+1)
		}
		values = append(values, "("+strings.Join(ph, ", ")+")")
	}
	return strings.Join(values, ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
