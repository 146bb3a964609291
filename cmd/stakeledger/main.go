package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"StakeLedger/internal/config"
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/persistence"
	"StakeLedger/internal/query"
	"StakeLedger/internal/server"
)

// recentUpdateKeys caps how many applied update keys warm the dedup LRU.
const recentUpdateKeys = 100_000

func main() {
	log := observability.NewLogger("stakeledger")
	log.Info().Msg("StakeLedger starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log.Info().
		Str("network", cfg.Network.Name).
		Str("program_id", cfg.Network.ProgramID.String()).
		Int64("epoch_duration", cfg.Network.EpochDuration).
		Uint64("unlocking_duration", cfg.Network.UnlockingDuration).
		Msg("configuration loaded")

	clock, err := cfg.Network.Clock()
	if err != nil {
		log.Fatal().Err(err).Msg("network clock")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	healthChecker.SetComponent("postgres", true)
	log.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	store := persistence.NewAccountStore(db)

	// --- Channels ---
	// persist blocks (backpressure), summaries drop when full
	persistChan := make(chan persistence.AccountWrite, cfg.PersistChanSize)
	summaryChan := make(chan core.SummaryOutput, cfg.PublishChanSize)
	publishChan := make(chan ingestion.PublishableSummary, cfg.PublishChanSize)
	rawEventChan := make(chan ingestion.RawEvent, cfg.InboundChanSize)
	typedEventChan := make(chan event.Event, cfg.InboundChanSize)

	// --- Indexer ---
	indexer := core.NewIndexer(core.IndexerConfig{
		Clock:                  clock,
		UnlockingDuration:      cfg.Network.UnlockingDuration,
		IdempotencyLRUCapacity: cfg.IdempotencyLRUCapacity,
		ProgramID:              cfg.Network.ProgramID,
	}, persistChan, summaryChan, persistence.NewPostgresIdempotencyChecker(db), metrics, observability.NewLogger("indexer"))

	// --- Recovery ---
	recoveryStart := time.Now()
	recovered, err := persistence.NewRecoveryLoader(store).Load(ctx, min(recentUpdateKeys, cfg.IdempotencyLRUCapacity))
	if err != nil {
		log.Fatal().Err(err).Msg("load persisted accounts")
	}
	for _, rerr := range indexer.Restore(recovered) {
		log.Warn().Err(rerr).Msg("skipped persisted row")
	}
	metrics.RecoveryDuration.Set(time.Since(recoveryStart).Seconds())
	log.Info().
		Int("accounts", indexer.AccountCount()).
		Int("dedup_keys", len(recovered.RecentUpdateKeys)).
		Dur("took", time.Since(recoveryStart)).
		Msg("recovered account state")

	// --- NATS ---
	natsLog := observability.NewLogger("nats")
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, natsLog)
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	healthChecker.SetComponent("nats", true)
	log.Info().Str("url", cfg.NATSURL).Msg("NATS connected")

	if err := ingestion.EnsureStreams(ctx, js, natsLog); err != nil {
		log.Fatal().Err(err).Msg("ensure NATS streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js, natsLog); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	subjects := ingestion.DefaultSubjects()
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan, natsLog)
	if err := natsSubscriber.Subscribe(ctx, subjects); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))

	// --- Query service + servers ---
	stakeService, err := query.NewStakeService(store, cfg.Network, cfg.LedgerCacheSize, metrics, observability.NewLogger("query"))
	if err != nil {
		log.Fatal().Err(err).Msg("query service")
	}

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Queries:       stakeService,
		Admin:         ingestion.NewAdminIngestService(typedEventChan),
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Log:           observability.NewLogger("server"),
	})

	// --- Start goroutines ---
	errChan := make(chan error, 8)

	// 1. Persistence worker
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics, observability.NewLogger("persistence"))
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("persistence worker: %w", err)
		}
	}()

	// 2. Outbound publisher
	go func() {
		if err := outboundPublisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("outbound publisher: %w", err)
		}
	}()

	// 3. Summary bridge: core.SummaryOutput -> ingestion.PublishableSummary
	go bridgeSummaries(ctx, summaryChan, publishChan)

	// 4. NATS parse/ack loop and the single indexer loop
	go runParseLoop(ctx, rawEventChan, typedEventChan, subjects, metrics, observability.NewLogger("ingestion"))
	indexerDone := make(chan struct{})
	go func() {
		defer close(indexerDone)
		runIndexerLoop(ctx, typedEventChan, indexer, observability.NewLogger("indexer"))
	}()

	// 5. gRPC server and HTTP gateway
	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// 6. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// 7. Channel and dependency monitor
	go monitor(ctx, db, nc, healthChecker, metrics, map[string]func() (int, int){
		"persist": func() (int, int) { return len(persistChan), cap(persistChan) },
		"summary": func() (int, int) { return len(summaryChan), cap(summaryChan) },
		"publish": func() (int, int) { return len(publishChan), cap(publishChan) },
		"inbound": func() (int, int) { return len(typedEventChan), cap(typedEventChan) },
	})

	healthChecker.SetReady(true)
	log.Info().
		Str("grpc", cfg.GRPCAddr).
		Str("http", cfg.HTTPAddr).
		Str("metrics", cfg.MetricsAddr).
		Msg("StakeLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// stop intake, let the indexer return, then let the worker flush
	healthChecker.SetReady(false)
	natsSubscriber.Stop()
	cancel()

	select {
	case <-indexerDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("indexer did not stop in time")
	}
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("persistence worker did not flush in time")
	}

	log.Info().Msg("StakeLedger shutdown complete")
}

// bridgeSummaries converts indexer summaries into the outbound wire form.
// The indexer already drops summaries when its channel is full; here the
// send waits so ordering per account is kept.
func bridgeSummaries(ctx context.Context, in <-chan core.SummaryOutput, out chan<- ingestion.PublishableSummary) {
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-in:
			if !ok {
				return
			}
			p := ingestion.PublishableSummary{
				EventID:      s.EventID.String(),
				StakeAccount: s.StakeAccount.String(),
				Owner:        s.Owner.String(),
				Epoch:        s.Epoch,
				UnixTime:     s.UnixTime,
				Slot:         s.Slot,
				Withdrawable: s.Summary.Withdrawable,
				Locked:       s.Summary.Locked,
				Unvested:     s.Summary.Unvested,
				Custody:      s.Custody,
				ComputedAt:   time.Now(),
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}
}

// runParseLoop resolves the update type of each NATS message, parses it and
// queues it for the indexer. Messages are acked once queued, not once
// applied, so backpressure from the indexer reaches NATS through the channel.
func runParseLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawEvent,
	out chan<- event.Event,
	subjects []ingestion.SubjectConfig,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := ingestion.ResolveEventType(raw.Subject, subjects)
			if eventType == "" {
				log.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
				raw.AckFunc() // invalid updates are acked to avoid a redelivery loop
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse update failed")
				if metrics != nil {
					metrics.UpdatesRejected.WithLabelValues(eventType, "parse").Inc()
				}
				raw.AckFunc()
				continue
			}

			select {
			case out <- evt:
				raw.AckFunc()
				if metrics != nil {
					metrics.IngestToApply.WithLabelValues(eventType).Observe(time.Since(raw.Timestamp).Seconds())
				}
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// runIndexerLoop is the only goroutine that touches the indexer. NATS and
// admin updates share its input channel.
func runIndexerLoop(ctx context.Context, in <-chan event.Event, indexer *core.Indexer, log zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-in:
			if !ok {
				return
			}
			if err := indexer.ProcessEvent(evt); err != nil {
				// already acked; rejected updates are not retried
				log.Warn().Err(err).
					Str("update_type", evt.EventType().String()).
					Str("idempotency_key", evt.IdempotencyKey()).
					Uint64("slot", evt.SourceSlot()).
					Msg("update rejected")
			}
		}
	}
}

func monitor(
	ctx context.Context,
	db *sql.DB,
	nc *nats.Conn,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
	channels map[string]func() (int, int),
) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, sizes := range channels {
				size, capacity := sizes()
				metrics.SetChannelMetrics(name, size, capacity)
			}

			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			health.SetComponent("postgres", db.PingContext(pingCtx) == nil)
			cancel()
			health.SetComponent("nats", nc.IsConnected())
		}
	}
}
