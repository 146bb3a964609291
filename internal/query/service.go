package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"StakeLedger/internal/address"
	"StakeLedger/internal/config"
	"StakeLedger/internal/epoch"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/vesting"
)

// AccountReader is the read side of the account store.
type AccountReader interface {
	LoadPositionAccount(ctx context.Context, address string) (persistence.PositionRow, error)
	LoadMetadata(ctx context.Context, address string) (persistence.MetadataRow, error)
	LoadCustodyBalance(ctx context.Context, address string) (persistence.CustodyRow, error)
	LoadChainTime(ctx context.Context) (persistence.ClockRow, error)
	ListPositionAccountsByOwner(ctx context.Context, owner string) ([]persistence.PositionRow, error)
}

// StakeService serves read-only stake account queries from the indexed
// account store. Summaries are computed at query time and never stored.
type StakeService struct {
	store   AccountReader
	network config.Network
	clock   epoch.Clock
	ledgers *lru.Cache // "address:slot" -> *ledger.PositionLedger
	metrics *observability.Metrics
	log     zerolog.Logger

	loadConcurrency int
	wallClock       func() time.Time
}

func NewStakeService(
	store AccountReader,
	network config.Network,
	cacheSize int,
	metrics *observability.Metrics,
	log zerolog.Logger,
) (*StakeService, error) {
	clock, err := network.Clock()
	if err != nil {
		return nil, fmt.Errorf("network %s: %w", network.Name, err)
	}
	if cacheSize <= 0 {
		cacheSize = 1
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, err
	}
	return &StakeService{
		store:           store,
		network:         network,
		clock:           clock,
		ledgers:         cache,
		metrics:         metrics,
		log:             log,
		loadConcurrency: 8,
		wallClock:       time.Now,
	}, nil
}

// Network returns the network the service computes summaries for.
func (s *StakeService) Network() config.Network {
	return s.network
}

// LoadStakeAccount loads the positions account at addr together with its
// metadata and custody balance. A missing metadata account means fully
// vested and the owner recorded in the positions account.
func (s *StakeService) LoadStakeAccount(ctx context.Context, addr address.PublicKey) (*StakeAccount, error) {
	row, err := s.store.LoadPositionAccount(ctx, addr.String())
	if err != nil {
		return nil, err
	}
	l, err := s.decodeCached(row)
	if err != nil {
		return nil, err
	}

	addrs, err := address.DeriveStakeAccountAddresses(addr, s.network.ProgramID)
	if err != nil {
		return nil, err
	}

	sa := &StakeAccount{
		Address:           addr,
		Addresses:         addrs,
		Owner:             l.Owner,
		Ledger:            l,
		Vesting:           vesting.FullyVested{},
		Slot:              row.Slot,
		clock:             s.clock,
		unlockingDuration: s.network.UnlockingDuration,
	}

	meta, err := s.store.LoadMetadata(ctx, addrs.Metadata.String())
	switch {
	case err == nil:
		if sa.Vesting, err = vesting.UnmarshalSchedule(meta.Vesting); err != nil {
			return nil, fmt.Errorf("metadata %s: %w", addrs.Metadata, err)
		}
		if owner, err := address.ParsePublicKey(meta.Owner); err == nil {
			sa.Owner = owner
		}
	case !errors.Is(err, persistence.ErrNotFound):
		return nil, err
	}

	custody, err := s.store.LoadCustodyBalance(ctx, addrs.Custody.String())
	switch {
	case err == nil:
		sa.Custody = custody.Amount
		sa.HasCustody = true
	case !errors.Is(err, persistence.ErrNotFound):
		return nil, err
	}

	return sa, nil
}

// decodeCached decodes a positions blob, reusing the decoded ledger for the
// same address and slot. Callers get a private clone.
func (s *StakeService) decodeCached(row persistence.PositionRow) (*ledger.PositionLedger, error) {
	key := row.Address + ":" + strconv.FormatUint(row.Slot, 10)
	if v, ok := s.ledgers.Get(key); ok {
		if s.metrics != nil {
			s.metrics.LedgerCacheHits.Inc()
		}
		return v.(*ledger.PositionLedger).Clone(), nil
	}
	if s.metrics != nil {
		s.metrics.LedgerCacheMiss.Inc()
	}

	l, err := ledger.Decode(row.Data)
	if err != nil {
		return nil, fmt.Errorf("decode positions %s: %w", row.Address, err)
	}
	s.ledgers.Add(key, l)
	return l.Clone(), nil
}

// CurrentTime returns the indexed chain clock, or wall-clock time when no
// clock update has been indexed yet.
func (s *StakeService) CurrentTime(ctx context.Context) (int64, error) {
	c, err := s.store.LoadChainTime(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		return s.wallClock().Unix(), nil
	}
	if err != nil {
		return 0, err
	}
	return c.UnixTime, nil
}

func (s *StakeService) resolveNow(ctx context.Context, at *int64) (int64, error) {
	if at != nil {
		return *at, nil
	}
	return s.CurrentTime(ctx)
}

// GetBalanceSummary loads addr and computes its summary at at, or at the
// current chain time when at is nil.
func (s *StakeService) GetBalanceSummary(ctx context.Context, addr address.PublicKey, at *int64) (*BalanceSummaryResponse, error) {
	defer s.observe("GetBalanceSummary", time.Now())

	now, err := s.resolveNow(ctx, at)
	if err != nil {
		return nil, err
	}
	sa, err := s.LoadStakeAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	return summarize(sa, now)
}

func summarize(sa *StakeAccount, now int64) (*BalanceSummaryResponse, error) {
	summary, err := sa.GetBalanceSummary(now)
	if err != nil {
		return nil, fmt.Errorf("stake account %s: %w", sa.Address, err)
	}
	currentEpoch, err := sa.Epoch(now)
	if err != nil {
		return nil, err
	}
	return &BalanceSummaryResponse{
		StakeAccount: sa.Address,
		Owner:        sa.Owner,
		Withdrawable: summary.Withdrawable,
		Locked:       summary.Locked,
		Unvested:     summary.Unvested,
		Custody:      sa.Custody,
		Epoch:        currentEpoch,
		UnixTime:     now,
		AsOfSlot:     sa.Slot,
	}, nil
}

// GetPositions classifies the positions of addr at at (or chain time).
func (s *StakeService) GetPositions(ctx context.Context, addr address.PublicKey, at *int64) (*PositionsResponse, error) {
	defer s.observe("GetPositions", time.Now())

	now, err := s.resolveNow(ctx, at)
	if err != nil {
		return nil, err
	}
	sa, err := s.LoadStakeAccount(ctx, addr)
	if err != nil {
		return nil, err
	}
	views, totals, currentEpoch, err := sa.Positions(now)
	if err != nil {
		return nil, err
	}
	return &PositionsResponse{
		StakeAccount: addr,
		Epoch:        currentEpoch,
		UnixTime:     now,
		Positions:    views,
		Totals:       totals,
		AsOfSlot:     sa.Slot,
	}, nil
}

// ListStakeAccounts loads every stake account of owner concurrently and
// summarizes each at at (or chain time). Accounts whose custody balance is
// not indexed yet are skipped.
func (s *StakeService) ListStakeAccounts(ctx context.Context, owner address.PublicKey, at *int64) (*StakeAccountsResponse, error) {
	defer s.observe("ListStakeAccounts", time.Now())

	now, err := s.resolveNow(ctx, at)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListPositionAccountsByOwner(ctx, owner.String())
	if err != nil {
		return nil, err
	}

	results := make([]*BalanceSummaryResponse, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.loadConcurrency)
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			addr, err := address.ParsePublicKey(row.Address)
			if err != nil {
				return fmt.Errorf("stored address %q: %w", row.Address, err)
			}
			sa, err := s.LoadStakeAccount(gctx, addr)
			if err != nil {
				return err
			}
			resp, err := summarize(sa, now)
			if errors.Is(err, ErrCustodyUnavailable) {
				s.log.Debug().Str("stake_account", row.Address).Msg("skipping account without custody balance")
				return nil
			}
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &StakeAccountsResponse{Owner: owner, Accounts: make([]BalanceSummaryResponse, 0, len(results))}
	for _, r := range results {
		if r != nil {
			out.Accounts = append(out.Accounts, *r)
		}
	}
	sort.Slice(out.Accounts, func(i, j int) bool {
		return out.Accounts[i].StakeAccount.String() < out.Accounts[j].StakeAccount.String()
	})
	return out, nil
}

// DeriveAddresses returns the derived accounts of a stake account on the
// service's network.
func (s *StakeService) DeriveAddresses(addr address.PublicKey) (*AddressesResponse, error) {
	defer s.observe("DeriveAddresses", time.Now())

	addrs, err := address.DeriveStakeAccountAddresses(addr, s.network.ProgramID)
	if err != nil {
		return nil, err
	}
	cfg, err := address.ConfigAddress(s.network.ProgramID)
	if err != nil {
		return nil, err
	}
	return &AddressesResponse{StakeAccountAddresses: addrs, Config: cfg}, nil
}

func (s *StakeService) observe(endpoint string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryRequests.WithLabelValues(endpoint).Inc()
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}
