package core_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"StakeLedger/internal/address"
	"StakeLedger/internal/core"
	"StakeLedger/internal/epoch"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/state"
	"StakeLedger/internal/vesting"
)

// --- Test helpers ---

var (
	programID = address.PublicKey{0xAA}
	stakeAcct = address.PublicKey{1}
	ownerKey  = address.PublicKey{2}
	derived   = mustDerive(stakeAcct)
	custodyPK = derived.Custody
	metaPK    = derived.Metadata
)

func mustDerive(stake address.PublicKey) address.StakeAccountAddresses {
	addrs, err := address.DeriveStakeAccountAddresses(stake, programID)
	if err != nil {
		panic(err)
	}
	return addrs
}

const epochSeconds = 100

func newTestIndexer(t *testing.T) (*core.Indexer, chan persistence.AccountWrite, chan core.SummaryOutput, *observability.Metrics) {
	t.Helper()
	clock, err := epoch.NewClock(0, epochSeconds)
	if err != nil {
		t.Fatalf("clock: %v", err)
	}
	persistChan := make(chan persistence.AccountWrite, 1024)
	summaryChan := make(chan core.SummaryOutput, 1024)
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	ix := core.NewIndexer(core.IndexerConfig{
		Clock:                  clock,
		UnlockingDuration:      1,
		IdempotencyLRUCapacity: 128,
		ProgramID:              programID,
	}, persistChan, summaryChan, nil, metrics, zerolog.Nop())
	return ix, persistChan, summaryChan, metrics
}

func positionsUpdate(t *testing.T, slot uint64, build func(l *ledger.PositionLedger)) *event.PositionAccountUpdated {
	t.Helper()
	l := ledger.NewPositionLedger(ownerKey)
	build(l)
	return &event.PositionAccountUpdated{
		UpdateID: uuid.New(),
		Address:  stakeAcct,
		Slot:     slot,
		Data:     ledger.Encode(l),
		Ledger:   l,
	}
}

func custodyUpdate(amount, slot uint64) *event.CustodyBalanceUpdated {
	return &event.CustodyBalanceUpdated{
		UpdateID:     uuid.New(),
		Address:      custodyPK,
		StakeAccount: stakeAcct,
		Amount:       amount,
		Slot:         slot,
	}
}

func clockUpdate(unix int64, slot uint64) *event.ClockUpdated {
	return &event.ClockUpdated{UpdateID: uuid.New(), UnixTime: unix, Slot: slot}
}

func mustProcess(t *testing.T, ix *core.Indexer, evt event.Event) {
	t.Helper()
	if err := ix.ProcessEvent(evt); err != nil {
		t.Fatalf("ProcessEvent(%s): %v", evt.EventType(), err)
	}
}

func drainSummaries(ch chan core.SummaryOutput) []core.SummaryOutput {
	var out []core.SummaryOutput
	for {
		select {
		case s := <-ch:
			out = append(out, s)
		default:
			return out
		}
	}
}

func lastSummary(t *testing.T, ch chan core.SummaryOutput) core.SummaryOutput {
	t.Helper()
	all := drainSummaries(ch)
	if len(all) == 0 {
		t.Fatal("expected a summary")
	}
	return all[len(all)-1]
}

// ====================================================================
// Summary lifecycle
// ====================================================================

func TestIndexer_SummaryNeedsClockAndCustody(t *testing.T) {
	ix, persistChan, summaryChan, _ := newTestIndexer(t)

	mustProcess(t, ix, positionsUpdate(t, 1, func(l *ledger.PositionLedger) {
		l.CreatePosition(1000, state.VotingTarget(), 5)
	}))
	if n := len(drainSummaries(summaryChan)); n != 0 {
		t.Errorf("summaries before custody/clock: got %d, want 0", n)
	}

	mustProcess(t, ix, custodyUpdate(1000, 1))
	if n := len(drainSummaries(summaryChan)); n != 0 {
		t.Errorf("summaries before clock: got %d, want 0", n)
	}

	// epoch 5: position is in warmup
	mustProcess(t, ix, clockUpdate(5*epochSeconds, 2))
	s := lastSummary(t, summaryChan)
	if s.Summary.Locked != 1000 || s.Summary.Withdrawable != 0 {
		t.Errorf("summary: got %+v, want locked 1000", s.Summary)
	}
	if s.Epoch != 5 {
		t.Errorf("epoch: got %d, want 5", s.Epoch)
	}
	if s.Owner != ownerKey {
		t.Errorf("owner: got %s, want %s", s.Owner, ownerKey)
	}

	if got := len(persistChan); got != 3 {
		t.Errorf("persist writes: got %d, want 3", got)
	}
}

func TestIndexer_UnlockThroughCooldown(t *testing.T) {
	ix, _, summaryChan, _ := newTestIndexer(t)

	mustProcess(t, ix, clockUpdate(10*epochSeconds, 1))
	mustProcess(t, ix, custodyUpdate(1000, 1))
	mustProcess(t, ix, positionsUpdate(t, 2, func(l *ledger.PositionLedger) {
		l.CreatePosition(1000, state.VotingTarget(), 5)
		l.RequestUnlock(0, 1000, 10)
	}))

	// epoch 10: cooldown
	if s := lastSummary(t, summaryChan); s.Summary.Locked != 1000 {
		t.Errorf("cooldown: got %+v, want locked 1000", s.Summary)
	}

	// epoch 11: unlock + 1 epoch duration has passed
	mustProcess(t, ix, clockUpdate(11*epochSeconds, 3))
	if s := lastSummary(t, summaryChan); s.Summary.Withdrawable != 1000 {
		t.Errorf("withdrawable: got %+v, want 1000", s.Summary)
	}
}

func TestIndexer_VestingCapsWithdrawable(t *testing.T) {
	ix, _, summaryChan, _ := newTestIndexer(t)

	schedule, err := vesting.NewTranches([]vesting.Tranche{{UnlockAt: 1_000_000, Amount: 400}})
	if err != nil {
		t.Fatalf("tranches: %v", err)
	}

	mustProcess(t, ix, &event.MetadataUpdated{
		UpdateID: uuid.New(), Address: metaPK, StakeAccount: stakeAcct, Owner: ownerKey, Vesting: schedule, Slot: 1,
	})
	mustProcess(t, ix, custodyUpdate(1000, 1))
	mustProcess(t, ix, positionsUpdate(t, 1, func(l *ledger.PositionLedger) {
		l.CreatePosition(1000, state.VotingTarget(), 1)
		l.RequestUnlock(0, 1000, 2)
	}))
	mustProcess(t, ix, clockUpdate(20*epochSeconds, 2))

	s := lastSummary(t, summaryChan)
	want := [3]uint64{600, 0, 400}
	got := [3]uint64{s.Summary.Withdrawable, s.Summary.Locked, s.Summary.Unvested}
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if s.Summary.Total() != s.Custody {
		t.Errorf("sum: got %d, want %d", s.Summary.Total(), s.Custody)
	}
}

// ====================================================================
// Dedup and ordering
// ====================================================================

func TestIndexer_DuplicateSkipped(t *testing.T) {
	ix, persistChan, _, metrics := newTestIndexer(t)

	u := custodyUpdate(500, 10)
	mustProcess(t, ix, u)
	mustProcess(t, ix, u)

	if got := len(persistChan); got != 1 {
		t.Errorf("persist writes: got %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.UpdatesRejected.WithLabelValues("CustodyBalanceUpdated", "duplicate")); got != 1 {
		t.Errorf("rejected duplicates: got %v, want 1", got)
	}
}

type fakeDB struct{ known map[string]bool }

func (f *fakeDB) IsDuplicate(updateType, id string) (bool, error) {
	return f.known[updateType+":"+id], nil
}

func TestIndexer_PostgresTierDedup(t *testing.T) {
	clock, _ := epoch.NewClock(0, epochSeconds)
	persistChan := make(chan persistence.AccountWrite, 8)
	u := custodyUpdate(1, 1)
	db := &fakeDB{known: map[string]bool{"CustodyBalanceUpdated:" + u.IdempotencyKey(): true}}
	ix := core.NewIndexer(core.IndexerConfig{Clock: clock, ProgramID: programID}, persistChan, nil, db, nil, zerolog.Nop())

	mustProcess(t, ix, u)
	if len(persistChan) != 0 {
		t.Error("update known to Postgres should not be re-applied")
	}
	if ix.AccountCount() != 0 {
		t.Errorf("accounts: got %d, want 0", ix.AccountCount())
	}
}

func TestIndexer_StaleSlotIgnored(t *testing.T) {
	ix, persistChan, _, metrics := newTestIndexer(t)

	mustProcess(t, ix, custodyUpdate(900, 20))
	mustProcess(t, ix, custodyUpdate(100, 19))

	acct, ok := ix.Account(stakeAcct)
	if !ok {
		t.Fatal("account not tracked")
	}
	if acct.Custody != 900 {
		t.Errorf("custody: got %d, want 900", acct.Custody)
	}
	if got := len(persistChan); got != 1 {
		t.Errorf("persist writes: got %d, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.StaleUpdates.WithLabelValues("CustodyBalanceUpdated")); got != 1 {
		t.Errorf("stale: got %v, want 1", got)
	}

	// same slot is accepted
	mustProcess(t, ix, custodyUpdate(800, 20))
	if acct, _ := ix.Account(stakeAcct); acct.Custody != 800 {
		t.Errorf("custody: got %d, want 800", acct.Custody)
	}
}

// ====================================================================
// Custody invariant
// ====================================================================

func TestIndexer_CustodyViolationSuppressesSummary(t *testing.T) {
	ix, _, summaryChan, metrics := newTestIndexer(t)

	mustProcess(t, ix, clockUpdate(10*epochSeconds, 1))
	mustProcess(t, ix, custodyUpdate(100, 1))
	mustProcess(t, ix, positionsUpdate(t, 2, func(l *ledger.PositionLedger) {
		l.CreatePosition(1000, state.VotingTarget(), 1)
	}))
	drainSummaries(summaryChan)

	acct, _ := ix.Account(stakeAcct)
	if acct.Consistent {
		t.Error("account should be inconsistent")
	}
	if got := testutil.ToFloat64(metrics.CustodyViolations); got != 1 {
		t.Errorf("violations: got %v, want 1", got)
	}

	mustProcess(t, ix, clockUpdate(11*epochSeconds, 3))
	if n := len(drainSummaries(summaryChan)); n != 0 {
		t.Errorf("summaries while inconsistent: got %d, want 0", n)
	}

	// custody catches up
	mustProcess(t, ix, custodyUpdate(1000, 4))
	if s := lastSummary(t, summaryChan); s.Summary.Locked != 1000 {
		t.Errorf("summary: got %+v, want locked 1000", s.Summary)
	}
}

func TestIndexer_RejectsUndecodablePositions(t *testing.T) {
	ix, persistChan, _, _ := newTestIndexer(t)

	err := ix.ProcessEvent(&event.PositionAccountUpdated{
		UpdateID: uuid.New(),
		Address:  stakeAcct,
		Slot:     1,
		Data:     make([]byte, ledger.AccountSize),
	})
	if !errors.Is(err, ledger.ErrBadDiscriminant) {
		t.Errorf("got %v, want ErrBadDiscriminant", err)
	}
	if len(persistChan) != 0 {
		t.Error("rejected update must not be persisted")
	}
}

func TestIndexer_RejectsForeignCustodyAddress(t *testing.T) {
	ix, persistChan, _, metrics := newTestIndexer(t)

	mustProcess(t, ix, custodyUpdate(1000, 10))

	foreign := custodyUpdate(5, 11)
	foreign.Address = address.PublicKey{9, 9, 9}
	if err := ix.ProcessEvent(foreign); !errors.Is(err, core.ErrForeignAddress) {
		t.Fatalf("got %v, want ErrForeignAddress", err)
	}

	acct, _ := ix.Account(stakeAcct)
	if acct.Custody != 1000 {
		t.Errorf("custody: got %d, want 1000", acct.Custody)
	}
	if got := len(persistChan); got != 1 {
		t.Errorf("persist writes: got %d, want 1", got)
	}
	if w := <-persistChan; w.Custody == nil || w.Custody.Address != custodyPK.String() {
		t.Errorf("persisted custody row: got %+v", w.Custody)
	}
	if got := testutil.ToFloat64(metrics.UpdatesRejected.WithLabelValues("CustodyBalanceUpdated", "foreign_address")); got != 1 {
		t.Errorf("rejected: got %v, want 1", got)
	}

	// the custody account of another stake account is foreign too
	other := custodyUpdate(7, 12)
	other.Address = mustDerive(address.PublicKey{5}).Custody
	if err := ix.ProcessEvent(other); !errors.Is(err, core.ErrForeignAddress) {
		t.Errorf("got %v, want ErrForeignAddress", err)
	}
}

func TestIndexer_RejectsForeignMetadataAddress(t *testing.T) {
	ix, persistChan, _, _ := newTestIndexer(t)

	err := ix.ProcessEvent(&event.MetadataUpdated{
		UpdateID: uuid.New(), Address: custodyPK, StakeAccount: stakeAcct, Owner: address.PublicKey{8}, Slot: 1,
	})
	if !errors.Is(err, core.ErrForeignAddress) {
		t.Fatalf("got %v, want ErrForeignAddress", err)
	}
	if len(persistChan) != 0 {
		t.Error("rejected update must not be persisted")
	}
	if _, ok := ix.Account(stakeAcct); ok {
		t.Error("rejected metadata must not create an account")
	}
}

// ====================================================================
// Output channels
// ====================================================================

func TestIndexer_SummaryDropWhenFull(t *testing.T) {
	clock, _ := epoch.NewClock(0, epochSeconds)
	persistChan := make(chan persistence.AccountWrite, 16)
	summaryChan := make(chan core.SummaryOutput) // unbuffered, nobody reading
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	ix := core.NewIndexer(core.IndexerConfig{Clock: clock, UnlockingDuration: 1, ProgramID: programID}, persistChan, summaryChan, nil, metrics, zerolog.Nop())

	mustProcess(t, ix, clockUpdate(epochSeconds, 1))
	mustProcess(t, ix, custodyUpdate(10, 1))

	if got := testutil.ToFloat64(metrics.PublishDrops); got != 1 {
		t.Errorf("drops: got %v, want 1", got)
	}
}

func TestIndexer_SummaryEventIDDeterministic(t *testing.T) {
	run := func() uuid.UUID {
		ix, _, summaryChan, _ := newTestIndexer(t)
		mustProcess(t, ix, clockUpdate(3*epochSeconds, 1))
		mustProcess(t, ix, custodyUpdate(42, 1))
		return lastSummary(t, summaryChan).EventID
	}
	if a, b := run(), run(); a != b {
		t.Errorf("event IDs differ: %s vs %s", a, b)
	}
}

func TestIndexer_PersistRows(t *testing.T) {
	ix, persistChan, _, _ := newTestIndexer(t)

	schedule, _ := vesting.NewTranches([]vesting.Tranche{{UnlockAt: 50, Amount: 5}})
	mustProcess(t, ix, &event.MetadataUpdated{
		UpdateID: uuid.New(), Address: metaPK, StakeAccount: stakeAcct, Owner: ownerKey, Vesting: schedule, Slot: 7,
	})

	w := <-persistChan
	if w.Metadata == nil {
		t.Fatal("expected a metadata row")
	}
	if w.Metadata.StakeAccount != stakeAcct.String() || w.Metadata.Slot != 7 {
		t.Errorf("row: got %+v", w.Metadata)
	}
	back, err := vesting.UnmarshalSchedule(w.Metadata.Vesting)
	if err != nil {
		t.Fatalf("unmarshal vesting: %v", err)
	}
	if back.UnvestedAmount(49) != 5 {
		t.Errorf("vesting round trip: got %d, want 5", back.UnvestedAmount(49))
	}
	if w.Applied.UpdateType != "MetadataUpdated" || w.Applied.Address != metaPK.String() {
		t.Errorf("applied: got %+v", w.Applied)
	}
}

// ====================================================================
// Recovery
// ====================================================================

func TestIndexer_Restore(t *testing.T) {
	ix, persistChan, summaryChan, _ := newTestIndexer(t)

	l := ledger.NewPositionLedger(ownerKey)
	l.CreatePosition(300, state.VotingTarget(), 1)

	replayed := custodyUpdate(300, 5)
	errs := ix.Restore(&persistence.RecoveredState{
		Positions: []persistence.PositionRow{{Address: stakeAcct.String(), Owner: ownerKey.String(), Data: ledger.Encode(l), Slot: 5}},
		Custody:   []persistence.CustodyRow{{Address: custodyPK.String(), StakeAccount: stakeAcct.String(), Amount: 300, Slot: 5}},
		Metadata: []persistence.MetadataRow{
			{Address: "not-base58-0OIl", StakeAccount: stakeAcct.String(), Owner: ownerKey.String()},
			{Address: custodyPK.String(), StakeAccount: stakeAcct.String(), Owner: address.PublicKey{8}.String(), Vesting: []byte(`{"kind":"fully_vested"}`)},
		},
		Clock:            &persistence.ClockRow{UnixTime: 4 * epochSeconds, Slot: 5},
		RecentUpdateKeys: []string{"CustodyBalanceUpdated:" + replayed.IdempotencyKey()},
	})
	if len(errs) != 2 {
		t.Errorf("restore errors: got %v, want 2", errs)
	}

	acct, ok := ix.Account(stakeAcct)
	if !ok || acct.Custody != 300 || acct.Ledger == nil {
		t.Fatalf("restored account: %+v", acct)
	}
	if acct.Owner != ownerKey {
		t.Errorf("owner: got %s, want %s (foreign metadata row must be skipped)", acct.Owner, ownerKey)
	}
	if now, ok := ix.ChainTime(); !ok || now != 4*epochSeconds {
		t.Errorf("chain time: got %d", now)
	}

	// warmed key is a duplicate; an older slot is stale
	mustProcess(t, ix, replayed)
	mustProcess(t, ix, custodyUpdate(1, 4))
	if len(persistChan) != 0 {
		t.Errorf("persist writes: got %d, want 0", len(persistChan))
	}

	mustProcess(t, ix, clockUpdate(5*epochSeconds, 6))
	if s := lastSummary(t, summaryChan); s.Summary.Locked != 300 {
		t.Errorf("summary after restore: got %+v", s.Summary)
	}
}
