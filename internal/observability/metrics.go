package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for StakeLedger.
type Metrics struct {
	// --- Indexer ---
	UpdatesApplied    *prometheus.CounterVec
	UpdatesRejected   *prometheus.CounterVec
	UpdateDuration    *prometheus.HistogramVec
	AccountsTracked   prometheus.Gauge
	ChainTime         prometheus.Gauge
	CustodyViolations prometheus.Counter
	SummaryDuration   prometheus.Histogram
	SummaryErrors     *prometheus.CounterVec

	// --- Latency ---
	IngestToApply  *prometheus.HistogramVec
	ApplyToPersist prometheus.Histogram

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	StaleUpdates          *prometheus.CounterVec

	// --- Persistence ---
	PersistRowsWritten  *prometheus.CounterVec
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSlot     prometheus.Gauge
	RecoveryAccounts    prometheus.Gauge
	RecoveryDuration    prometheus.Gauge

	// --- Publisher ---
	SummariesPublished prometheus.Counter
	PublishErrors      prometheus.Counter

	// --- Query API ---
	QueryRequests    *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	QueryErrors      *prometheus.CounterVec
	LedgerCacheHits  prometheus.Counter
	LedgerCacheMiss  prometheus.Counter
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg; tests pass a fresh prometheus.NewRegistry().
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	dbBuckets := []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	return &Metrics{
		// Indexer
		UpdatesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_indexer_updates_applied_total",
			Help: "Account updates applied by the indexer",
		}, []string{"update_type"}),

		UpdatesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_indexer_updates_rejected_total",
			Help: "Account updates rejected (dedup, stale, decode)",
		}, []string{"update_type", "reason"}),

		UpdateDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_indexer_update_apply_duration_seconds",
			Help:    "Time to apply a single account update",
			Buckets: latencyBuckets,
		}, []string{"update_type"}),

		AccountsTracked: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_indexer_accounts_tracked",
			Help: "Stake accounts held in memory",
		}),

		ChainTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_indexer_chain_time_seconds",
			Help: "Latest chain clock Unix time seen",
		}),

		CustodyViolations: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_indexer_custody_violations_total",
			Help: "Ledgers whose positions exceed their custody balance",
		}),

		SummaryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_summary_compute_duration_seconds",
			Help:    "Time to compute one balance summary",
			Buckets: latencyBuckets,
		}),

		SummaryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_summary_errors_total",
			Help: "Balance summary computations that failed",
		}, []string{"reason"}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_ingest_to_apply_seconds",
			Help:    "NATS receive to indexer apply complete",
			Buckets: ingestBuckets,
		}, []string{"update_type"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_apply_to_persist_seconds",
			Help:    "Indexer emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stake_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_publish_drops_total",
			Help: "Summaries dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_backpressure_total",
			Help: "Times the indexer blocked on the persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"update_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_dedup_lru_size",
			Help: "Entries in the in-memory dedup LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_dedup_lru_evictions_total",
			Help: "Dedup LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: dbBuckets,
		}),

		StaleUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_stale_updates_total",
			Help: "Updates older than the stored slot for their account",
		}, []string{"update_type"}),

		// Persistence
		PersistRowsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_persist_rows_written_total",
			Help: "Rows upserted by the persistence worker",
		}, []string{"table"}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_persist_batch_size",
			Help:    "Writes per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stake_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: dbBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_persist_errors_total",
			Help: "Persistence failures",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_persist_retry_total",
			Help: "Batch flush retries",
		}),

		PersistLastSlot: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_persist_last_slot",
			Help: "Highest source slot committed to Postgres",
		}),

		RecoveryAccounts: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_recovery_accounts",
			Help: "Accounts restored from Postgres at startup",
		}),

		RecoveryDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "stake_recovery_duration_seconds",
			Help: "Startup recovery duration",
		}),

		// Publisher
		SummariesPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_summaries_published_total",
			Help: "Balance summaries published to NATS",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_publish_errors_total",
			Help: "Failed summary publishes",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stake_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "stake_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		LedgerCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_ledger_cache_hits_total",
			Help: "Decoded ledger cache hits",
		}),

		LedgerCacheMiss: f.NewCounter(prometheus.CounterOpts{
			Name: "stake_ledger_cache_misses_total",
			Help: "Decoded ledger cache misses",
		}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
