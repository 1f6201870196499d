package observability

import (
	"strconv"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PoolLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Pool ---
	PoolActiveStake     prometheus.Gauge
	PoolRewardPerSecond prometheus.Gauge
	PoolHalted          prometheus.Gauge
	PoolExpiredTranches prometheus.Counter
	PoolExpiredBuckets  prometheus.Counter
	ProductUtilization  *prometheus.GaugeVec
	AllocationPremium   *prometheus.HistogramVec
	AllocationsRejected *prometheus.CounterVec
	StakeBurned         prometheus.Counter

	// --- Channel & Backpressure ---
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Projection & Query API ---
	ProjectionUpdateDur *prometheus.HistogramVec
	QueryRequests       *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec
	QueryErrors         *prometheus.CounterVec

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec

	// --- Keeper ---
	KeeperTicks *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_events_rejected_total",
			Help: "Events rejected (dedup, ordering, error kind)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_core_journals_generated_total",
			Help: "Custody journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_core_sequence",
			Help: "Current global sequence number",
		}),

		// Pool
		PoolActiveStake: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_active_stake",
			Help: "Active stake in whole collateral units",
		}),

		PoolRewardPerSecond: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_reward_per_second",
			Help: "Current reward stream in whole collateral units per second",
		}),

		PoolHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_halted",
			Help: "1 once the pool is halted",
		}),

		PoolExpiredTranches: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_expired_tranches_total",
			Help: "Tranches retired by expiry processing",
		}),

		PoolExpiredBuckets: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_expired_buckets_total",
			Help: "Buckets processed by expiry processing",
		}),

		ProductUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pool_product_utilization_ratio",
			Help: "Allocated units over capacity units per product (0.0-1.0+)",
		}, []string{"product_id"}),

		AllocationPremium: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_allocation_premium",
			Help:    "Premium charged per allocation in whole collateral units",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 12),
		}, []string{"product_id"}),

		AllocationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_allocations_rejected_total",
			Help: "Allocation requests rejected, by error kind",
		}, []string{"kind"}),

		StakeBurned: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_stake_burned_total",
			Help: "Stake burned in whole collateral units",
		}),

		// Channel & Backpressure
		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_backpressure_total",
			Help: "Times core blocked on persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_dedup_lru_size",
			Help: "Entries in the idempotency LRU",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_event_sequence_gap_total",
			Help: "Source sequence gaps detected",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_event_out_of_order_total",
			Help: "Out-of-order source events rejected",
		}, []string{"partition"}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_journals_written_total",
			Help: "Journals written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_persist_errors_total",
			Help: "Persistence errors by type",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_persist_last_sequence",
			Help: "Last sequence committed to Postgres",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "pool_snapshot_duration_seconds",
			Help:    "Snapshot write duration",
			Buckets: prometheus.DefBuckets,
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "pool_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "pool_replay_events_total",
			Help: "Events replayed during recovery",
		}),

		// Projection & Query API
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_projection_update_duration_seconds",
			Help:    "Projection update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_query_requests_total",
			Help: "Query API requests",
		}, []string{"method"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pool_query_duration_seconds",
			Help:    "Query API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_query_errors_total",
			Help: "Query API errors",
		}, []string{"method", "code"}),

		// Ingestion
		IngestMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_ingest_messages_total",
			Help: "Inbound NATS messages by family and outcome",
		}, []string{"family", "outcome"}),

		// Keeper
		KeeperTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pool_keeper_ticks_total",
			Help: "Keeper submissions by job and outcome",
		}, []string{"job", "outcome"}),
	}
}

// CollateralFloat converts a wei amount to whole collateral units for gauges.
func CollateralFloat(v uint256.Int) float64 {
	f, err := strconv.ParseFloat(v.Dec(), 64)
	if err != nil {
		return 0
	}
	return f / 1e18
}
