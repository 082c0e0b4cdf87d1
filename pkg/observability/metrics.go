package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synccore_session_transitions_total",
			Help: "Total number of session state transitions",
		},
		[]string{"phase"},
	)

	sessionRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synccore_session_refreshes_total",
			Help: "Total number of token refresh attempts",
		},
		[]string{"outcome"},
	)

	// Sync queue metrics
	syncOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synccore_sync_operations_total",
			Help: "Total number of sync operation attempts",
		},
		[]string{"type", "status"},
	)

	syncApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "synccore_sync_apply_duration_seconds",
			Help:    "Remote apply duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	queuePendingOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "synccore_queue_pending_operations",
			Help: "Number of operations awaiting sync",
		},
	)

	queueFailedOperations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "synccore_queue_failed_operations",
			Help: "Number of operations that exhausted their retry budget",
		},
	)

	// Migration metrics
	migrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "synccore_migrations_total",
			Help: "Total number of guest-to-user migrations",
		},
		[]string{"status"},
	)

	migratedItemsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "synccore_migrated_items_total",
			Help: "Total number of content items enqueued by migrations",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			sessionTransitionsTotal,
			sessionRefreshesTotal,
			syncOperationsTotal,
			syncApplyDuration,
			queuePendingOperations,
			queueFailedOperations,
			migrationsTotal,
			migratedItemsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordSessionTransition records a session phase change
func RecordSessionTransition(phase string) {
	sessionTransitionsTotal.WithLabelValues(phase).Inc()
}

// RecordSessionRefresh records the outcome of a token refresh attempt
func RecordSessionRefresh(outcome string) {
	sessionRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordSyncOperation records the outcome of one sync attempt
func RecordSyncOperation(opType, status string) {
	syncOperationsTotal.WithLabelValues(opType, status).Inc()
}

// ObserveSyncApply records how long a remote apply took
func ObserveSyncApply(opType string, duration time.Duration) {
	syncApplyDuration.WithLabelValues(opType).Observe(duration.Seconds())
}

// SetQueueDepth sets the pending and failed operation gauges
func SetQueueDepth(pending, failed float64) {
	queuePendingOperations.Set(pending)
	queueFailedOperations.Set(failed)
}

// RecordMigration records a completed migration and its item count
func RecordMigration(status string, items int) {
	migrationsTotal.WithLabelValues(status).Inc()
	if items > 0 {
		migratedItemsTotal.Add(float64(items))
	}
}
