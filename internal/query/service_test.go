package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"StakeLedger/internal/address"
	"StakeLedger/internal/config"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/state"
	"StakeLedger/internal/vesting"
)

const hour = 3600

type fakeStore struct {
	positions map[string]persistence.PositionRow
	metadata  map[string]persistence.MetadataRow
	custody   map[string]persistence.CustodyRow
	clock     *persistence.ClockRow
	failWith  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		positions: make(map[string]persistence.PositionRow),
		metadata:  make(map[string]persistence.MetadataRow),
		custody:   make(map[string]persistence.CustodyRow),
	}
}

func (f *fakeStore) LoadPositionAccount(_ context.Context, addr string) (persistence.PositionRow, error) {
	if f.failWith != nil {
		return persistence.PositionRow{}, f.failWith
	}
	row, ok := f.positions[addr]
	if !ok {
		return row, persistence.ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) LoadMetadata(_ context.Context, addr string) (persistence.MetadataRow, error) {
	row, ok := f.metadata[addr]
	if !ok {
		return row, persistence.ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) LoadCustodyBalance(_ context.Context, addr string) (persistence.CustodyRow, error) {
	row, ok := f.custody[addr]
	if !ok {
		return row, persistence.ErrNotFound
	}
	return row, nil
}

func (f *fakeStore) LoadChainTime(context.Context) (persistence.ClockRow, error) {
	if f.clock == nil {
		return persistence.ClockRow{}, persistence.ErrNotFound
	}
	return *f.clock, nil
}

func (f *fakeStore) ListPositionAccountsByOwner(_ context.Context, owner string) ([]persistence.PositionRow, error) {
	var out []persistence.PositionRow
	for _, row := range f.positions {
		if row.Owner == owner {
			out = append(out, row)
		}
	}
	return out, nil
}

var testOwner = address.PublicKey{9}

// putAccount stores a positions account holding one voting position of
// amount activated at epoch 0, plus its custody balance.
func (f *fakeStore) putAccount(t *testing.T, net config.Network, addr address.PublicKey, amount, custody uint64, slot uint64) address.StakeAccountAddresses {
	t.Helper()
	l := ledger.NewPositionLedger(testOwner)
	if amount > 0 {
		if _, err := l.CreatePosition(amount, state.VotingTarget(), 0); err != nil {
			t.Fatalf("create position: %v", err)
		}
	}
	return f.putLedger(t, net, addr, l, custody, slot)
}

func (f *fakeStore) putLedger(t *testing.T, net config.Network, addr address.PublicKey, l *ledger.PositionLedger, custody uint64, slot uint64) address.StakeAccountAddresses {
	t.Helper()
	addrs, err := address.DeriveStakeAccountAddresses(addr, net.ProgramID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	f.positions[addr.String()] = persistence.PositionRow{
		Address: addr.String(),
		Owner:   l.Owner.String(),
		Data:    ledger.Encode(l),
		Slot:    slot,
	}
	f.custody[addrs.Custody.String()] = persistence.CustodyRow{
		Address:      addrs.Custody.String(),
		StakeAccount: addr.String(),
		Amount:       custody,
		Slot:         slot,
	}
	return addrs
}

func newTestService(t *testing.T, store AccountReader) (*StakeService, *observability.Metrics) {
	t.Helper()
	net, err := config.LookupNetwork(config.Localnet)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	metrics := observability.NewMetricsWith(prometheus.NewRegistry())
	svc, err := NewStakeService(store, net, 16, metrics, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStakeService: %v", err)
	}
	return svc, metrics
}

func at(v int64) *int64 { return &v }

func TestGetBalanceSummary_LockedPosition(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)
	acct := address.PublicKey{1}
	store.putAccount(t, svc.Network(), acct, 1000, 1500, 10)

	got, err := svc.GetBalanceSummary(context.Background(), acct, at(2*hour))
	if err != nil {
		t.Fatalf("GetBalanceSummary: %v", err)
	}
	if got.Withdrawable != 0 || got.Locked != 1500 || got.Unvested != 0 {
		t.Errorf("got %+v, want withdrawable=0 locked=1500 unvested=0", got)
	}
	if got.Epoch != 2 {
		t.Errorf("epoch: got %d, want 2", got.Epoch)
	}
	if got.Owner != testOwner {
		t.Errorf("owner: got %s, want %s", got.Owner, testOwner)
	}
	if got.AsOfSlot != 10 {
		t.Errorf("as of slot: got %d, want 10", got.AsOfSlot)
	}
}

func TestGetBalanceSummary_WithdrawableAfterCooldown(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)
	acct := address.PublicKey{1}

	l := ledger.NewPositionLedger(testOwner)
	slot, err := l.CreatePosition(1000, state.VotingTarget(), 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := l.RequestUnlock(slot, 1000, 1); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	store.putLedger(t, svc.Network(), acct, l, 1000, 5)

	got, err := svc.GetBalanceSummary(context.Background(), acct, at(5*hour))
	if err != nil {
		t.Fatalf("GetBalanceSummary: %v", err)
	}
	if got.Withdrawable != 1000 || got.Locked != 0 {
		t.Errorf("got %+v, want withdrawable=1000 locked=0", got)
	}
}

func TestGetBalanceSummary_VestingFromMetadata(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)
	acct := address.PublicKey{1}
	addrs := store.putAccount(t, svc.Network(), acct, 1000, 1500, 10)

	schedule, err := vesting.NewTranches([]vesting.Tranche{{UnlockAt: 10 * hour, Amount: 400}})
	if err != nil {
		t.Fatalf("tranches: %v", err)
	}
	raw, err := vesting.MarshalSchedule(schedule)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	otherOwner := address.PublicKey{7}
	store.metadata[addrs.Metadata.String()] = persistence.MetadataRow{
		Address:      addrs.Metadata.String(),
		StakeAccount: acct.String(),
		Owner:        otherOwner.String(),
		Vesting:      raw,
		Slot:         10,
	}

	got, err := svc.GetBalanceSummary(context.Background(), acct, at(2*hour))
	if err != nil {
		t.Fatalf("GetBalanceSummary: %v", err)
	}
	if got.Unvested != 400 || got.Locked != 1100 || got.Withdrawable != 0 {
		t.Errorf("got %+v, want unvested=400 locked=1100 withdrawable=0", got)
	}
	if got.Owner != otherOwner {
		t.Errorf("metadata owner should win: got %s", got.Owner)
	}

	got, err = svc.GetBalanceSummary(context.Background(), acct, at(11*hour))
	if err != nil {
		t.Fatalf("GetBalanceSummary: %v", err)
	}
	if got.Unvested != 0 {
		t.Errorf("after unlock: got unvested %d, want 0", got.Unvested)
	}
}

func TestGetBalanceSummary_Errors(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)
	ctx := context.Background()

	_, err := svc.GetBalanceSummary(ctx, address.PublicKey{42}, at(hour))
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("unknown account: got %v, want ErrNotFound", err)
	}

	acct := address.PublicKey{1}
	addrs := store.putAccount(t, svc.Network(), acct, 1000, 1000, 1)
	delete(store.custody, addrs.Custody.String())
	_, err = svc.GetBalanceSummary(ctx, acct, at(hour))
	if !errors.Is(err, ErrCustodyUnavailable) {
		t.Errorf("missing custody: got %v, want ErrCustodyUnavailable", err)
	}

	store.failWith = errors.New("connection reset")
	_, err = svc.GetBalanceSummary(ctx, acct, at(hour))
	if err == nil || errors.Is(err, persistence.ErrNotFound) {
		t.Errorf("store failure: got %v, want a passthrough error", err)
	}
}

func TestGetBalanceSummary_CustodyBelowPositions(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)
	acct := address.PublicKey{1}
	store.putAccount(t, svc.Network(), acct, 1000, 999, 1)

	if _, err := svc.GetBalanceSummary(context.Background(), acct, at(hour)); err == nil {
		t.Error("expected an inconsistency error")
	}
}

func TestCurrentTime(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)
	svc.wallClock = func() time.Time { return time.Unix(1234, 0) }

	now, err := svc.CurrentTime(context.Background())
	if err != nil || now != 1234 {
		t.Errorf("no clock: got %d, %v, want 1234", now, err)
	}

	store.clock = &persistence.ClockRow{UnixTime: 7 * hour, Slot: 99}
	now, err = svc.CurrentTime(context.Background())
	if err != nil || now != 7*hour {
		t.Errorf("indexed clock: got %d, %v, want %d", now, err, 7*hour)
	}

	acct := address.PublicKey{1}
	store.putAccount(t, svc.Network(), acct, 10, 10, 1)
	got, err := svc.GetBalanceSummary(context.Background(), acct, nil)
	if err != nil {
		t.Fatalf("GetBalanceSummary: %v", err)
	}
	if got.UnixTime != 7*hour || got.Epoch != 7 {
		t.Errorf("default time: got unix=%d epoch=%d, want %d/7", got.UnixTime, got.Epoch, 7*hour)
	}
}

func TestLedgerCache(t *testing.T) {
	store := newFakeStore()
	svc, metrics := newTestService(t, store)
	acct := address.PublicKey{1}
	store.putAccount(t, svc.Network(), acct, 1000, 1000, 3)
	ctx := context.Background()

	first, err := svc.LoadStakeAccount(ctx, acct)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// mutating a loaded ledger must not leak into the cache
	first.Ledger.Positions[0] = nil

	second, err := svc.LoadStakeAccount(ctx, acct)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if second.Ledger.Positions[0] == nil {
		t.Error("cached ledger was mutated through a previous load")
	}
	if hits := testutil.ToFloat64(metrics.LedgerCacheHits); hits != 1 {
		t.Errorf("cache hits: got %v, want 1", hits)
	}

	// a newer slot is a different cache entry
	store.putAccount(t, svc.Network(), acct, 500, 1000, 4)
	third, err := svc.LoadStakeAccount(ctx, acct)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if third.Ledger.Positions[0].Amount != 500 {
		t.Errorf("amount: got %d, want 500", third.Ledger.Positions[0].Amount)
	}
	if miss := testutil.ToFloat64(metrics.LedgerCacheMiss); miss != 2 {
		t.Errorf("cache misses: got %v, want 2", miss)
	}
}

func TestGetPositions(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)
	acct := address.PublicKey{1}

	l := ledger.NewPositionLedger(testOwner)
	if _, err := l.CreatePosition(100, state.VotingTarget(), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CreatePosition(50, state.VotingTarget(), 3); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RequestUnlock(0, 100, 1); err != nil {
		t.Fatal(err)
	}
	store.putLedger(t, svc.Network(), acct, l, 150, 8)

	got, err := svc.GetPositions(context.Background(), acct, at(2*hour))
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(got.Positions) != 2 {
		t.Fatalf("positions: got %d, want 2", len(got.Positions))
	}
	if got.Totals.Locked() != 50 || got.Totals.Withdrawable != 100 {
		t.Errorf("totals: got %+v, want locked 50, withdrawable 100", got.Totals)
	}
	if got.Epoch != 2 || got.AsOfSlot != 8 {
		t.Errorf("got epoch=%d slot=%d, want 2/8", got.Epoch, got.AsOfSlot)
	}

	// unlocked at epoch 1 with a one-epoch cooldown: withdrawable from the
	// start of epoch 2
	unlocked := got.Positions[0]
	if unlocked.WithdrawableAt == nil || *unlocked.WithdrawableAt != 2*hour {
		t.Errorf("withdrawable_at: got %v, want %d", unlocked.WithdrawableAt, 2*hour)
	}
	if got.Positions[1].WithdrawableAt != nil {
		t.Errorf("position without unlock: got withdrawable_at %d", *got.Positions[1].WithdrawableAt)
	}
}

func TestListStakeAccounts(t *testing.T) {
	store := newFakeStore()
	svc, _ := newTestService(t, store)

	accts := []address.PublicKey{{5}, {3}, {4}}
	for i, a := range accts {
		store.putAccount(t, svc.Network(), a, uint64(100*(i+1)), uint64(100*(i+1)), 1)
	}
	// no custody yet: skipped
	pending := address.PublicKey{6}
	addrs := store.putAccount(t, svc.Network(), pending, 10, 10, 1)
	delete(store.custody, addrs.Custody.String())

	got, err := svc.ListStakeAccounts(context.Background(), testOwner, at(2*hour))
	if err != nil {
		t.Fatalf("ListStakeAccounts: %v", err)
	}
	if len(got.Accounts) != 3 {
		t.Fatalf("accounts: got %d, want 3", len(got.Accounts))
	}
	for i := 1; i < len(got.Accounts); i++ {
		if got.Accounts[i-1].StakeAccount.String() >= got.Accounts[i].StakeAccount.String() {
			t.Errorf("accounts not sorted at %d", i)
		}
	}

	empty, err := svc.ListStakeAccounts(context.Background(), address.PublicKey{77}, at(hour))
	if err != nil {
		t.Fatalf("ListStakeAccounts: %v", err)
	}
	if len(empty.Accounts) != 0 {
		t.Errorf("unknown owner: got %d accounts, want 0", len(empty.Accounts))
	}
}

func TestDeriveAddresses(t *testing.T) {
	svc, _ := newTestService(t, newFakeStore())
	acct := address.PublicKey{1}

	got, err := svc.DeriveAddresses(acct)
	if err != nil {
		t.Fatalf("DeriveAddresses: %v", err)
	}
	if got.Positions != acct {
		t.Errorf("positions: got %s, want %s", got.Positions, acct)
	}
	seen := map[address.PublicKey]bool{}
	for _, pk := range []address.PublicKey{got.Metadata, got.Custody, got.Authority, got.VoterRecord, got.Config} {
		if pk.IsZero() || seen[pk] {
			t.Errorf("derived address %s is zero or repeated", pk)
		}
		seen[pk] = true
	}
}
