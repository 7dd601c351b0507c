package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for SynthLedger.
type Metrics struct {
	// --- Engine ---
	OpsApplied     *prometheus.CounterVec
	OpsRejected    *prometheus.CounterVec
	OpDuration     *prometheus.HistogramVec
	EngineSequence prometheus.Gauge

	// --- Liquidation ---
	Liquidations   *prometheus.CounterVec
	LiquidatedDebt *prometheus.CounterVec

	// --- Oracle ---
	PriceUpdates    *prometheus.CounterVec
	PriceLastUpdate *prometheus.GaugeVec
	PriceRejected   *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Persistence ---
	PersistRecordsWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Engine
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_engine_ops_applied_total",
			Help: "Operations successfully applied by the engine",
		}, []string{"op_type"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_engine_ops_rejected_total",
			Help: "Operations rejected (validation, health factor, collaborator)",
		}, []string{"op_type", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_engine_op_duration_seconds",
			Help:    "Time to apply a single operation",
			Buckets: latencyBuckets,
		}, []string{"op_type"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_engine_sequence",
			Help: "Sequence of the last committed operation",
		}),

		// Liquidation
		Liquidations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_liquidations_total",
			Help: "Completed liquidations",
		}, []string{"asset"}),

		LiquidatedDebt: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_liquidated_debt_units",
			Help: "Total debt covered through liquidation (whole units)",
		}, []string{"asset"}),

		// Oracle
		PriceUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_price_updates_total",
			Help: "Price updates accepted per feed",
		}, []string{"feed"}),

		PriceLastUpdate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_price_last_update_unix_seconds",
			Help: "Timestamp of the newest price per feed",
		}, []string{"feed"}),

		PriceRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_price_rejected_total",
			Help: "Price updates discarded (stale, malformed)",
		}, []string{"feed", "reason"}),

		// Channel & Backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "synth_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_publish_drops_total",
			Help: "Records dropped due to full publish channel",
		}),

		// Persistence
		PersistRecordsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_records_written_total",
			Help: "Operation records written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_persist_batch_size",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synth_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synth_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synth_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// HTTP API
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "synth_http_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "synth_http_request_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"route"}),
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
