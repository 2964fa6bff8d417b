package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "pairdb"
	subsystem = "scout"
)

// Metrics holds all Prometheus metrics for a scout
type Metrics struct {
	// Transaction metrics
	TxnsBegun         *prometheus.CounterVec
	TxnsFinished      *prometheus.CounterVec
	TxnsPending       prometheus.Gauge
	CommitDuration    prometheus.Histogram
	GetDuration       prometheus.Histogram
	DeferredOpsTotal  prometheus.Counter
	ListenersRejected prometheus.Counter

	// Store interaction metrics
	StoreRequestsTotal   *prometheus.CounterVec
	StoreRequestDuration *prometheus.HistogramVec
	StoreRetriesTotal    *prometheus.CounterVec

	// Committer metrics
	CommitterQueueDepth prometheus.Gauge
	CommitBatchSize     prometheus.Histogram
	CommitBatchDuration prometheus.Histogram
	UnstableTxns        prometheus.Gauge

	// Cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal *prometheus.CounterVec
	CacheEntries        prometheus.Gauge
	CacheMergeFailures  prometheus.Counter

	// Notification metrics
	NotificationsTotal  prometheus.Counter
	SubscriptionsActive prometheus.Gauge
	SubscriptionsFired  prometheus.Counter

	// Transaction log metrics
	TxnLogAppendsTotal   prometheus.Counter
	TxnLogAppendDuration prometheus.Histogram
	TxnLogErrorsTotal    prometheus.Counter
	TxnLogRecoveredTotal prometheus.Counter
}

// NewMetrics creates all scout metrics and registers them on reg.
// A nil registerer leaves the metrics unregistered, which suits tests.
func NewMetrics(scoutID string, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"scout_id": scoutID}
	factory := promauto.With(reg)

	return &Metrics{
		TxnsBegun: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "txns_begun_total",
			Help:        "Total number of transactions begun",
			ConstLabels: labels,
		}, []string{"isolation", "read_only"}),
		TxnsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "txns_finished_total",
			Help:        "Total number of transactions by final outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		TxnsPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "txns_pending",
			Help:        "Number of open transactions",
			ConstLabels: labels,
		}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "commit_duration_seconds",
			Help:        "Time from local commit to global commit",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		GetDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "get_duration_seconds",
			Help:        "Histogram of transactional object reads",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		DeferredOpsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "deferred_operations_total",
			Help:        "Operations registered on particles outside the view's shard",
			ConstLabels: labels,
		}),
		ListenersRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "listeners_rejected_total",
			Help:        "Commit listeners the worker pool could not queue",
			ConstLabels: labels,
		}),

		StoreRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "store_requests_total",
			Help:        "Requests sent to the store by operation and result",
			ConstLabels: labels,
		}, []string{"operation", "result"}),
		StoreRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "store_request_duration_seconds",
			Help:        "Histogram of store request durations",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"operation"}),
		StoreRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "store_retries_total",
			Help:        "Store requests retried by reason",
			ConstLabels: labels,
		}, []string{"operation", "reason"}),

		CommitterQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "committer_queue_depth",
			Help:        "Locally committed transactions awaiting global commit",
			ConstLabels: labels,
		}),
		CommitBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "commit_batch_size",
			Help:        "Transactions per CommitUpdates request",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(1, 1, 10),
		}),
		CommitBatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "commit_batch_duration_seconds",
			Help:        "Histogram of CommitUpdates round trips",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		UnstableTxns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "globally_committed_unstable_txns",
			Help:        "Globally committed transactions not yet in the committed version",
			ConstLabels: labels,
		}),

		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_hits_total",
			Help:        "Total number of object cache hits",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_misses_total",
			Help:        "Total number of object cache misses",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_evictions_total",
			Help:        "Objects evicted from the cache by reason",
			ConstLabels: labels,
		}, []string{"reason"}),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_entries",
			Help:        "Number of objects in the cache",
			ConstLabels: labels,
		}),
		CacheMergeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "cache_merge_failures_total",
			Help:        "Incompatible versions replaced instead of merged",
			ConstLabels: labels,
		}),

		NotificationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "notifications_total",
			Help:        "Store notifications processed",
			ConstLabels: labels,
		}),
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "subscriptions_active",
			Help:        "Open update subscriptions",
			ConstLabels: labels,
		}),
		SubscriptionsFired: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "subscriptions_fired_total",
			Help:        "Update subscriptions that delivered an event",
			ConstLabels: labels,
		}),

		TxnLogAppendsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "txn_log_appends_total",
			Help:        "Records appended to the transaction log",
			ConstLabels: labels,
		}),
		TxnLogAppendDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "txn_log_append_duration_seconds",
			Help:        "Histogram of transaction log appends",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.00005, 4, 10),
		}),
		TxnLogErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "txn_log_errors_total",
			Help:        "Failed transaction log writes",
			ConstLabels: labels,
		}),
		TxnLogRecoveredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "txn_log_recovered_total",
			Help:        "Transactions restored from the log at start",
			ConstLabels: labels,
		}),
	}
}

// ObserveStoreRequest records one store round trip
func (m *Metrics) ObserveStoreRequest(operation string, seconds float64, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StoreRequestsTotal.WithLabelValues(operation, result).Inc()
	m.StoreRequestDuration.WithLabelValues(operation).Observe(seconds)
}
