package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrorRate counts Redis errors by operation type.
	RedisErrorRate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_redis_error_rate_total",
		Help: "Total number of Redis errors by operation type",
	}, []string{"operation"})

	// SyncReconcileLatency records PresenceSyncEngine.updateRedis latency.
	SyncReconcileLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "presence_sync_reconcile_latency_seconds",
		Help:    "Latency of sync-engine reconciliation calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	// SyncOutOfSyncTotal counts inSync/outOfSync latched transitions.
	SyncOutOfSyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_sync_state_transitions_total",
		Help: "Total latched inSync/outOfSync transitions emitted by the sync engine",
	}, []string{"state"})

	// ConnectionManagerState is a gauge of whether a ConnectionManager currently holds a live connection id (1) or not (0).
	ConnectionManagerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_connection_manager_state",
		Help: "Current ConnectionManager state: 1 if connected with a live connection id, 0 otherwise",
	}, []string{"client"})

	// ConnectionsPrunedTotal counts connection ids scrubbed by the janitor.
	ConnectionsPrunedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_connections_pruned_total",
		Help: "Total number of dead Redis connection ids pruned by the janitor",
	}, []string{"reason"})

	// ActiveStreams is a gauge of currently-owned PresenceStream instances per kind.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_active_streams",
		Help: "Number of currently open presence streams by kind (session, user, location)",
	}, []string{"kind"})

	// StreamEmitsTotal counts add/remove batches emitted by streams.
	StreamEmitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_stream_emits_total",
		Help: "Total number of add/remove batch emissions from presence streams",
	}, []string{"kind", "shape"})

	// PubSubActiveChannels is a gauge of currently-active channel/pattern subscriptions.
	PubSubActiveChannels = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presence_pubsub_active_channels",
		Help: "Number of currently active pub/sub channel or pattern subscriptions",
	}, []string{"kind"})

	// FacadeRequestsTotal counts PresenceService facade calls by operation and outcome.
	FacadeRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_facade_requests_total",
		Help: "Total PresenceService facade requests by operation and outcome",
	}, []string{"operation", "outcome"})
)

// RecordSyncReconcile records the duration of a sync-engine reconciliation call.
func RecordSyncReconcile(outcome string, start time.Time) {
	SyncReconcileLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}
