package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"StakeLedger/internal/address"
	"StakeLedger/internal/event"
)

// AdminIngestService injects updates by hand, for backfills and local
// testing. High-throughput ingestion goes through NATS.
type AdminIngestService struct {
	eventChan chan<- event.Event
}

func NewAdminIngestService(eventChan chan<- event.Event) *AdminIngestService {
	return &AdminIngestService{eventChan: eventChan}
}

// InjectRaw parses a payload in the NATS wire format and queues it.
func (s *AdminIngestService) InjectRaw(ctx context.Context, eventType string, data []byte) (event.Event, error) {
	evt, err := ParseRawEvent(RawEvent{Subject: "admin", Data: data, Timestamp: time.Now()}, eventType)
	if err != nil {
		return nil, err
	}
	return evt, s.inject(ctx, evt)
}

// InjectClock queues a chain clock tick.
func (s *AdminIngestService) InjectClock(ctx context.Context, unixTime int64, slot uint64) error {
	return s.inject(ctx, &event.ClockUpdated{
		UpdateID: uuid.New(),
		UnixTime: unixTime,
		Slot:     slot,
	})
}

// InjectCustodyBalance queues a custody balance for a stake account.
func (s *AdminIngestService) InjectCustodyBalance(
	ctx context.Context,
	stakeAccount, custody address.PublicKey,
	amount uint64,
	slot uint64,
) error {
	if stakeAccount.IsZero() || custody.IsZero() {
		return fmt.Errorf("stake account and custody address are required")
	}
	return s.inject(ctx, &event.CustodyBalanceUpdated{
		UpdateID:     uuid.New(),
		Address:      custody,
		StakeAccount: stakeAccount,
		Amount:       amount,
		Slot:         slot,
	})
}

func (s *AdminIngestService) inject(ctx context.Context, evt event.Event) error {
	select {
	case s.eventChan <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
