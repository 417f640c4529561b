package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TickBook.
// Every user checks for nil so tests can run without a registry.
type Metrics struct {
	// --- Engine ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreOpDuration     *prometheus.HistogramVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Orders ---
	OrdersCreated      *prometheus.CounterVec
	OrdersExecuted     *prometheus.CounterVec
	OrdersCanceled     prometheus.Counter
	OrdersClaimed      prometheus.Counter
	DeliveryRedirected prometheus.Counter
	ActiveOrders       *prometheus.GaugeVec

	// --- Keeper ---
	KeeperPending   prometheus.Gauge
	KeeperExecuted  prometheus.Counter
	KeeperDiscarded prometheus.Counter
	TradeLeftovers  prometheus.Counter

	// --- Settlement ---
	WindowsCommitted  prometheus.Counter
	WindowsRolledBack *prometheus.CounterVec

	// --- Ingestion ---
	SwapsIngested   *prometheus.CounterVec
	SwapParseErrors prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter

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

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg, so tests can use a private registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_core_events_applied_total",
			Help: "Events emitted by the engine",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_core_calls_rejected_total",
			Help: "Entry point calls rejected",
		}, []string{"op", "reason"}),

		CoreOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tickbook_core_op_duration_seconds",
			Help:    "Time to run one engine entry point",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickbook_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "tickbook_core_sequence",
			Help: "Current output sequence number",
		}),

		OrdersCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_orders_created_total",
			Help: "Orders placed",
		}, []string{"side"}),

		OrdersExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_orders_executed_total",
			Help: "Positions executed",
		}, []string{"path"}),

		OrdersCanceled: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_orders_canceled_total",
			Help: "Contributions canceled",
		}),

		OrdersClaimed: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_orders_claimed_total",
			Help: "Contributions claimed",
		}),

		DeliveryRedirected: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_delivery_redirected_total",
			Help: "Claims delivered to the treasury after the recipient rejected them",
		}),

		ActiveOrders: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickbook_active_orders",
			Help: "Active positions in the tick index",
		}, []string{"side"}),

		KeeperPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "tickbook_keeper_pending",
			Help: "Positions waiting for a keeper",
		}),

		KeeperExecuted: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_keeper_executed_total",
			Help: "Positions executed by the keeper",
		}),

		KeeperDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_keeper_discarded_total",
			Help: "Keeper candidates discarded after re-validation",
		}),

		TradeLeftovers: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_trade_leftovers_total",
			Help: "Triggered positions deferred past the per-trade budget",
		}),

		WindowsCommitted: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_settlement_windows_committed_total",
			Help: "Settlement windows committed",
		}),

		WindowsRolledBack: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_settlement_windows_rolled_back_total",
			Help: "Settlement windows rolled back",
		}, []string{"op"}),

		SwapsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_swaps_ingested_total",
			Help: "Swap notifications applied to the pool",
		}, []string{"source"}),

		SwapParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_swap_parse_errors_total",
			Help: "Swap notifications that failed to parse",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickbook_channel_size",
			Help: "Current channel buffer usage",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickbook_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickbook_channel_utilization",
			Help: "Channel usage ratio",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_publish_drops_total",
			Help: "Outbound events dropped",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_idempotency_duplicates_total",
			Help: "Duplicate notifications detected",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "tickbook_dedup_lru_size",
			Help: "Entries in the dedup LRU",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_persist_journals_written_total",
			Help: "Custody journal rows written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickbook_persist_batch_size",
			Help:    "Outputs per persist batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickbook_persist_batch_duration_seconds",
			Help:    "Time to commit one persist batch",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"op"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_persist_retry_total",
			Help: "Persist batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "tickbook_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "tickbook_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickbook_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "tickbook_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "tickbook_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_query_requests_total",
			Help: "API requests",
		}, []string{"method", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tickbook_query_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tickbook_query_errors_total",
			Help: "API errors",
		}, []string{"method", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	if m == nil {
		return
	}
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
