package core

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"StakeLedger/internal/accounting"
	"StakeLedger/internal/address"
	"StakeLedger/internal/epoch"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/vesting"
)

// summaryNamespace seeds summary event IDs so a recomputation of the same
// account at the same chain time dedups on the outbound stream.
var summaryNamespace = uuid.MustParse("0b6f6a0e-7d57-4c3c-8f0e-52d7a8e1c3b4")

// AccountState is the indexer's view of one stake account, keyed by the
// positions account address.
type AccountState struct {
	StakeAccount address.PublicKey
	Owner        address.PublicKey

	// Ledger is nil until the positions account has been seen.
	Ledger *ledger.PositionLedger

	Vesting vesting.Schedule

	Custody    uint64
	HasCustody bool

	// Consistent is false while the positions claim more than custody holds.
	Consistent bool
}

// SummaryOutput is a recomputed balance summary for one account.
type SummaryOutput struct {
	EventID      uuid.UUID
	StakeAccount address.PublicKey
	Owner        address.PublicKey
	Epoch        uint64
	UnixTime     int64
	Slot         uint64
	Summary      accounting.BalanceSummary
	Custody      uint64
}

// IndexerConfig carries the network parameters summaries are computed with.
type IndexerConfig struct {
	Clock                  epoch.Clock
	UnlockingDuration      uint64
	IdempotencyLRUCapacity int

	// ProgramID is the staking program that metadata and custody addresses
	// are derived from.
	ProgramID address.PublicKey
}

// Indexer is the single-threaded update applier. It owns all account state;
// nothing else may touch it concurrently.
type Indexer struct {
	cfg           IndexerConfig
	accounts      map[address.PublicKey]*AccountState
	derived       map[address.PublicKey]address.StakeAccountAddresses
	idempotency   *IdempotencyChecker
	slotValidator *SlotValidator
	metrics       *observability.Metrics
	log           zerolog.Logger

	now      int64
	nowSlot  uint64
	hasClock bool

	persistChan chan<- persistence.AccountWrite
	summaryChan chan<- SummaryOutput
}

func NewIndexer(
	cfg IndexerConfig,
	persistChan chan<- persistence.AccountWrite,
	summaryChan chan<- SummaryOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Indexer {
	capacity := cfg.IdempotencyLRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	return &Indexer{
		cfg:           cfg,
		accounts:      make(map[address.PublicKey]*AccountState),
		derived:       make(map[address.PublicKey]address.StakeAccountAddresses),
		idempotency:   NewIdempotencyChecker(capacity, dbChecker, metrics),
		slotValidator: NewSlotValidator(),
		metrics:       metrics,
		log:           log,
		persistChan:   persistChan,
		summaryChan:   summaryChan,
	}
}

// ProcessEvent applies one update: dedup, slot ordering, state change,
// persistence, then summary recomputation.
func (ix *Indexer) ProcessEvent(evt event.Event) error {
	start := time.Now()
	env := event.NewEnvelope(evt, start)
	updateType := env.EventType.String()
	key := env.IdempotencyKey

	if ix.idempotency.IsDuplicate(updateType, key) {
		ix.reject(updateType, "duplicate")
		return nil
	}

	partition := ix.partition(evt)
	if ix.slotValidator.IsStale(partition, env.Slot) {
		ix.reject(updateType, "stale")
		if ix.metrics != nil {
			ix.metrics.StaleUpdates.WithLabelValues(updateType).Inc()
		}
		ix.log.Debug().Str("partition", partition).Uint64("slot", env.Slot).Msg("stale update ignored")
		ix.idempotency.MarkProcessed(updateType, key)
		return nil
	}

	write := persistence.AccountWrite{
		Applied: persistence.AppliedRow{
			UpdateID:   key,
			UpdateType: updateType,
			Address:    env.Address.String(),
			Slot:       env.Slot,
			AppliedAt:  env.ReceivedAt,
		},
	}

	var touched []*AccountState
	switch e := evt.(type) {
	case *event.PositionAccountUpdated:
		acct, err := ix.applyPositions(e, &write)
		if err != nil {
			ix.reject(updateType, "invalid")
			return err
		}
		touched = append(touched, acct)
	case *event.MetadataUpdated:
		acct, err := ix.applyMetadata(e, &write)
		if errors.Is(err, ErrForeignAddress) {
			ix.reject(updateType, "foreign_address")
			return err
		}
		if err != nil {
			ix.reject(updateType, "invalid")
			return err
		}
		touched = append(touched, acct)
	case *event.CustodyBalanceUpdated:
		acct, err := ix.applyCustody(e, &write)
		if errors.Is(err, ErrForeignAddress) {
			ix.reject(updateType, "foreign_address")
			return err
		}
		if err != nil {
			ix.reject(updateType, "invalid")
			return err
		}
		touched = append(touched, acct)
	case *event.ClockUpdated:
		ix.applyClock(e, &write)
		touched = ix.sortedAccounts()
	default:
		ix.reject(updateType, "unknown_type")
		return fmt.Errorf("unhandled update type %T", evt)
	}

	ix.slotValidator.Advance(partition, env.Slot)

	// Persistence: blocking send. The indexer stalls until the worker
	// drains, so an applied update is never lost.
	write.EnqueuedAt = time.Now()
	select {
	case ix.persistChan <- write:
	default:
		if ix.metrics != nil {
			ix.metrics.PersistBackpressure.Inc()
		}
		ix.persistChan <- write
	}

	for _, acct := range touched {
		ix.emitSummary(acct)
	}

	ix.idempotency.MarkProcessed(updateType, key)

	if ix.metrics != nil {
		ix.metrics.UpdatesApplied.WithLabelValues(updateType).Inc()
		ix.metrics.UpdateDuration.WithLabelValues(updateType).Observe(time.Since(start).Seconds())
		ix.metrics.AccountsTracked.Set(float64(len(ix.accounts)))
	}
	return nil
}

func (ix *Indexer) partition(evt event.Event) string {
	switch evt.EventType() {
	case event.EventTypePositionAccountUpdated:
		return partitionKey("positions", evt.AccountAddress())
	case event.EventTypeMetadataUpdated:
		return partitionKey("metadata", evt.AccountAddress())
	case event.EventTypeCustodyBalanceUpdated:
		return partitionKey("custody", evt.AccountAddress())
	default:
		return "clock"
	}
}

func (ix *Indexer) account(stake address.PublicKey) *AccountState {
	acct, ok := ix.accounts[stake]
	if !ok {
		acct = &AccountState{StakeAccount: stake, Vesting: vesting.FullyVested{}, Consistent: true}
		ix.accounts[stake] = acct
	}
	return acct
}

func (ix *Indexer) applyPositions(e *event.PositionAccountUpdated, w *persistence.AccountWrite) (*AccountState, error) {
	l := e.Ledger
	if l == nil {
		var err error
		if l, err = ledger.Decode(e.Data); err != nil {
			return nil, fmt.Errorf("positions %s: %w", e.Address, err)
		}
	}

	acct := ix.account(e.Address)
	acct.Ledger = l
	if acct.Owner.IsZero() {
		acct.Owner = l.Owner
	} else if acct.Owner != l.Owner {
		ix.log.Warn().Str("stake_account", e.Address.String()).Str("metadata_owner", acct.Owner.String()).
			Str("positions_owner", l.Owner.String()).Msg("owner mismatch between metadata and positions")
	}
	ix.checkCustody(acct)

	data := e.Data
	if len(data) == 0 {
		data = ledger.Encode(l)
	}
	w.Position = &persistence.PositionRow{
		Address: e.Address.String(),
		Owner:   l.Owner.String(),
		Data:    data,
		Slot:    e.Slot,
	}
	return acct, nil
}

// addresses returns the derived accounts of stake, memoized per account.
func (ix *Indexer) addresses(stake address.PublicKey) (address.StakeAccountAddresses, error) {
	if addrs, ok := ix.derived[stake]; ok {
		return addrs, nil
	}
	addrs, err := address.DeriveStakeAccountAddresses(stake, ix.cfg.ProgramID)
	if err != nil {
		return address.StakeAccountAddresses{}, err
	}
	ix.derived[stake] = addrs
	return addrs, nil
}

// checkDerived fails unless addr is the account derived for stake under
// kind ("metadata" or "custody").
func (ix *Indexer) checkDerived(kind string, addr, stake address.PublicKey) error {
	addrs, err := ix.addresses(stake)
	if err != nil {
		return fmt.Errorf("%s %s: %w", kind, addr, err)
	}
	want := addrs.Custody
	if kind == "metadata" {
		want = addrs.Metadata
	}
	if addr != want {
		return fmt.Errorf("%w: %s %s is not %s of stake account %s", ErrForeignAddress, kind, addr, want, stake)
	}
	return nil
}

func (ix *Indexer) applyMetadata(e *event.MetadataUpdated, w *persistence.AccountWrite) (*AccountState, error) {
	if err := ix.checkDerived("metadata", e.Address, e.StakeAccount); err != nil {
		return nil, err
	}
	schedule := e.Vesting
	if schedule == nil {
		schedule = vesting.FullyVested{}
	}
	raw, err := vesting.MarshalSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", e.Address, err)
	}

	acct := ix.account(e.StakeAccount)
	acct.Owner = e.Owner
	acct.Vesting = schedule

	w.Metadata = &persistence.MetadataRow{
		Address:      e.Address.String(),
		StakeAccount: e.StakeAccount.String(),
		Owner:        e.Owner.String(),
		Vesting:      raw,
		Slot:         e.Slot,
	}
	return acct, nil
}

func (ix *Indexer) applyCustody(e *event.CustodyBalanceUpdated, w *persistence.AccountWrite) (*AccountState, error) {
	if err := ix.checkDerived("custody", e.Address, e.StakeAccount); err != nil {
		return nil, err
	}
	acct := ix.account(e.StakeAccount)
	acct.Custody = e.Amount
	acct.HasCustody = true
	ix.checkCustody(acct)

	w.Custody = &persistence.CustodyRow{
		Address:      e.Address.String(),
		StakeAccount: e.StakeAccount.String(),
		Amount:       e.Amount,
		Slot:         e.Slot,
	}
	return acct, nil
}

func (ix *Indexer) applyClock(e *event.ClockUpdated, w *persistence.AccountWrite) {
	ix.now = e.UnixTime
	ix.nowSlot = e.Slot
	ix.hasClock = true
	if ix.metrics != nil {
		ix.metrics.ChainTime.Set(float64(e.UnixTime))
	}
	w.Clock = &persistence.ClockRow{UnixTime: e.UnixTime, Slot: e.Slot}
}

// checkCustody marks the account inconsistent while its positions claim
// more than its custody balance. The position and custody feeds are
// independent, so this can be transient.
func (ix *Indexer) checkCustody(acct *AccountState) {
	if acct.Ledger == nil || !acct.HasCustody {
		acct.Consistent = true
		return
	}
	err := ledger.ValidateCustody(acct.Ledger, acct.Custody)
	if err == nil {
		acct.Consistent = true
		return
	}
	if acct.Consistent {
		ix.log.Warn().Err(err).Str("stake_account", acct.StakeAccount.String()).Msg("custody invariant violated")
		if ix.metrics != nil {
			ix.metrics.CustodyViolations.Inc()
		}
	}
	acct.Consistent = false
}

// Summary computes the current balance summary for acct.
func (ix *Indexer) Summary(acct *AccountState) (accounting.BalanceSummary, uint64, error) {
	if !ix.hasClock {
		return accounting.BalanceSummary{}, 0, ErrNoClock
	}
	if !acct.HasCustody {
		return accounting.BalanceSummary{}, 0, ErrNoCustody
	}
	currentEpoch, err := ix.cfg.Clock.EpochOf(ix.now)
	if err != nil {
		return accounting.BalanceSummary{}, 0, err
	}

	start := time.Now()
	s, err := accounting.ComputeBalanceSummary(accounting.Input{
		Ledger:            acct.Ledger,
		CustodyBalance:    acct.Custody,
		UnlockingDuration: ix.cfg.UnlockingDuration,
		Clock:             ix.cfg.Clock,
		Vesting:           acct.Vesting,
		Now:               ix.now,
	})
	if ix.metrics != nil {
		ix.metrics.SummaryDuration.Observe(time.Since(start).Seconds())
	}
	return s, currentEpoch, err
}

var (
	ErrNoClock   = errors.New("chain clock not yet observed")
	ErrNoCustody = errors.New("custody balance not yet observed")

	// ErrForeignAddress means an update names an account that is not the
	// one derived for its stake account.
	ErrForeignAddress = errors.New("address is not derived from the stake account")
)

// emitSummary recomputes and sends acct's summary. Non-blocking: summaries
// are dropped when the publish channel is full.
func (ix *Indexer) emitSummary(acct *AccountState) {
	if !acct.Consistent || ix.summaryChan == nil {
		return
	}

	s, currentEpoch, err := ix.Summary(acct)
	switch {
	case errors.Is(err, ErrNoClock), errors.Is(err, ErrNoCustody):
		return
	case err != nil:
		reason := "compute"
		if errors.Is(err, accounting.ErrInternalInconsistency) {
			reason = "inconsistent"
		} else if errors.Is(err, epoch.ErrInvalidTimestamp) {
			reason = "timestamp"
		}
		if ix.metrics != nil {
			ix.metrics.SummaryErrors.WithLabelValues(reason).Inc()
		}
		ix.log.Warn().Err(err).Str("stake_account", acct.StakeAccount.String()).Msg("summary computation failed")
		return
	}

	name := acct.StakeAccount.String() + ":" + strconv.FormatInt(ix.now, 10) + ":" +
		strconv.FormatUint(s.Withdrawable, 10) + ":" + strconv.FormatUint(s.Locked, 10) + ":" +
		strconv.FormatUint(s.Unvested, 10)
	out := SummaryOutput{
		EventID:      uuid.NewSHA1(summaryNamespace, []byte(name)),
		StakeAccount: acct.StakeAccount,
		Owner:        acct.Owner,
		Epoch:        currentEpoch,
		UnixTime:     ix.now,
		Slot:         ix.nowSlot,
		Summary:      s,
		Custody:      acct.Custody,
	}

	select {
	case ix.summaryChan <- out:
	default:
		if ix.metrics != nil {
			ix.metrics.PublishDrops.Inc()
		}
	}
}

func (ix *Indexer) reject(updateType, reason string) {
	if ix.metrics != nil {
		ix.metrics.UpdatesRejected.WithLabelValues(updateType, reason).Inc()
	}
}

func (ix *Indexer) sortedAccounts() []*AccountState {
	out := make([]*AccountState, 0, len(ix.accounts))
	for _, acct := range ix.accounts {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StakeAccount.String() < out[j].StakeAccount.String()
	})
	return out
}

// Account returns a copy of the indexed state of stakeAccount.
func (ix *Indexer) Account(stakeAccount address.PublicKey) (AccountState, bool) {
	acct, ok := ix.accounts[stakeAccount]
	if !ok {
		return AccountState{}, false
	}
	cp := *acct
	if acct.Ledger != nil {
		cp.Ledger = acct.Ledger.Clone()
	}
	return cp, true
}

// AccountCount returns the number of stake accounts tracked.
func (ix *Indexer) AccountCount() int {
	return len(ix.accounts)
}

// ChainTime returns the last observed chain clock.
func (ix *Indexer) ChainTime() (int64, bool) {
	return ix.now, ix.hasClock
}

// WarmLRU loads recently applied update keys into the dedup LRU.
func (ix *Indexer) WarmLRU(keys []string) {
	ix.idempotency.WarmFromKeys(keys)
}
