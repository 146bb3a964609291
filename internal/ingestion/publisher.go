package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"StakeLedger/internal/observability"
)

const (
	summariesStream  = "STAKE_SUMMARIES"
	summariesSubject = "stake.summaries"
)

// Publisher is the subset of jetstream.JetStream the outbound publisher needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes recomputed balance summaries to NATS for
// downstream consumers on stake.summaries.{stake_account}.
type OutboundPublisher struct {
	js        Publisher
	inputChan <-chan PublishableSummary
	metrics   *observability.Metrics
	log       zerolog.Logger
}

// PublishableSummary is a computed summary ready for outbound publishing.
type PublishableSummary struct {
	EventID      string    `json:"event_id"`
	StakeAccount string    `json:"stake_account"`
	Owner        string    `json:"owner"`
	Epoch        uint64    `json:"epoch"`
	UnixTime     int64     `json:"unix_time"`
	Slot         uint64    `json:"slot"`
	Withdrawable uint64    `json:"withdrawable"`
	Locked       uint64    `json:"locked"`
	Unvested     uint64    `json:"unvested"`
	Custody      uint64    `json:"custody"`
	ComputedAt   time.Time `json:"computed_at"`
}

func NewOutboundPublisher(js Publisher, inputChan <-chan PublishableSummary, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log,
	}
}

// Run starts the outbound publisher loop. Publish failures are logged and
// dropped; consumers can always query the current summary.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case s, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, s); err != nil {
				op.log.Warn().Err(err).Str("stake_account", s.StakeAccount).Msg("outbound publish failed")
				if op.metrics != nil {
					op.metrics.PublishErrors.Inc()
				}
				continue
			}
			if op.metrics != nil {
				op.metrics.SummariesPublished.Inc()
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, s PublishableSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	_, err = op.js.Publish(ctx, SummarySubject(s.StakeAccount), data, jetstream.WithMsgID(s.EventID))
	return err
}

// SummarySubject is the subject summaries for stakeAccount are published on.
func SummarySubject(stakeAccount string) string {
	return summariesSubject + "." + stakeAccount
}

// EnsureOutboundStream creates the outbound summaries stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              summariesStream,
		Subjects:          []string{summariesSubject + ".>"},
		Storage:           jetstream.FileStorage,
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            72 * time.Hour,
		MaxMsgsPerSubject: 16,
		Replicas:          1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", summariesStream).Msg("ensured outbound stream")
	return nil
}
