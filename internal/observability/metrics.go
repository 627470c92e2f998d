// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Pool sync metrics
	PoolsTracked        *prometheus.GaugeVec
	PoolUpdatesApplied  prometheus.Counter
	PoolUpdatesDropped  *prometheus.CounterVec
	SyncTicks           *prometheus.CounterVec
	BulkScanDuration    prometheus.Histogram
	StaleResultsDropped prometheus.Counter
	HighestSlotSeen     prometheus.Gauge

	// Solana transport metrics
	RPCCallLatency  *prometheus.HistogramVec
	WSNotifications prometheus.Counter

	// Metadata cache metrics
	MetadataFetches   *prometheus.CounterVec
	MetadataCacheSize prometheus.Gauge

	// Position and history metrics
	PositionRefreshes  *prometheus.CounterVec
	PositionsTracked   prometheus.Gauge
	PnLReconstructions *prometheus.CounterVec

	// Transaction submission metrics
	TxSubmissions *prometheus.CounterVec

	// Health metrics
	LastSuccessfulSync prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dammdash"
	}

	return &Metrics{
		PoolsTracked: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poolsync",
			Name:      "pools_tracked",
			Help:      "Number of pools held per partition",
		}, []string{"partition"}),
		PoolUpdatesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poolsync",
			Name:      "updates_applied_total",
			Help:      "Total number of live pool updates merged into the snapshot",
		}),
		PoolUpdatesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poolsync",
			Name:      "updates_dropped_total",
			Help:      "Total number of live pool updates discarded by reason",
		}, []string{"reason"}),
		SyncTicks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poolsync",
			Name:      "ticks_total",
			Help:      "Total number of sync ticks by outcome",
		}, []string{"outcome"}),
		BulkScanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poolsync",
			Name:      "bulk_scan_duration_seconds",
			Help:      "Duration of full program account scans",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		StaleResultsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poolsync",
			Name:      "stale_results_dropped_total",
			Help:      "Bulk query results discarded because filters changed mid-flight",
		}),
		HighestSlotSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poolsync",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen",
		}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		WSNotifications: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "ws_notifications_total",
			Help:      "Total number of program notifications received",
		}),

		MetadataFetches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "batch_fetches_total",
			Help:      "Total number of metadata batch fetches by status",
		}, []string{"status"}),
		MetadataCacheSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "metadata",
			Name:      "cache_entries",
			Help:      "Number of token metadata entries cached",
		}),

		PositionRefreshes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "refreshes_total",
			Help:      "Total number of position refreshes by status",
		}, []string{"status"}),
		PositionsTracked: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "tracked",
			Help:      "Number of positions held by the aggregator",
		}),
		PnLReconstructions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pnl",
			Name:      "reconstructions_total",
			Help:      "Total number of position history reconstructions by status",
		}, []string{"status"}),

		TxSubmissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "txsubmit",
			Name:      "submissions_total",
			Help:      "Total number of submitted position actions by kind and status",
		}, []string{"kind", "status"}),

		LastSuccessfulSync: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_sync_timestamp",
			Help:      "Unix timestamp of last successful bulk pool scan",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordWSNotification increments the program notification counter.
func RecordWSNotification() {
	DefaultMetrics.WSNotifications.Inc()
}

// UpdatePoolsTracked sets the pool count of a partition.
func UpdatePoolsTracked(partition string, n int) {
	DefaultMetrics.PoolsTracked.WithLabelValues(partition).Set(float64(n))
}

// RecordPoolUpdate records a live update outcome. Empty reason means applied.
func RecordPoolUpdate(dropReason string) {
	if dropReason == "" {
		DefaultMetrics.PoolUpdatesApplied.Inc()
		return
	}
	DefaultMetrics.PoolUpdatesDropped.WithLabelValues(dropReason).Inc()
}

// RecordSyncTick records a tick outcome (ran, coalesced, failed).
func RecordSyncTick(outcome string) {
	DefaultMetrics.SyncTicks.WithLabelValues(outcome).Inc()
}

// RecordBulkScan records a completed bulk scan.
func RecordBulkScan(seconds float64, unixNow int64) {
	DefaultMetrics.BulkScanDuration.Observe(seconds)
	DefaultMetrics.LastSuccessfulSync.Set(float64(unixNow))
}

// RecordStaleResult increments the stale bulk result counter.
func RecordStaleResult() {
	DefaultMetrics.StaleResultsDropped.Inc()
}

// UpdateHighestSlot updates the highest slot seen gauge.
func UpdateHighestSlot(slot int64) {
	DefaultMetrics.HighestSlotSeen.Set(float64(slot))
}

// RecordMetadataFetch records a metadata batch outcome and the resulting cache size.
func RecordMetadataFetch(status string, cacheSize int) {
	DefaultMetrics.MetadataFetches.WithLabelValues(status).Inc()
	DefaultMetrics.MetadataCacheSize.Set(float64(cacheSize))
}

// RecordPositionRefresh records a position refresh outcome.
func RecordPositionRefresh(status string, tracked int) {
	DefaultMetrics.PositionRefreshes.WithLabelValues(status).Inc()
	if status == "ok" {
		DefaultMetrics.PositionsTracked.Set(float64(tracked))
	}
}

// RecordPnL records a history reconstruction outcome.
func RecordPnL(status string) {
	DefaultMetrics.PnLReconstructions.WithLabelValues(status).Inc()
}

// RecordTxSubmission records a submitted position action.
func RecordTxSubmission(kind, status string) {
	DefaultMetrics.TxSubmissions.WithLabelValues(kind, status).Inc()
}
