// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// MessagesTotal tracks persisted messages by author kind (user or system).
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_messages_total",
			Help: "Total direct messages persisted",
		},
		[]string{"kind"},
	)

	// ConversationsResolved tracks resolver outcomes (existing, created, conflict).
	ConversationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_conversations_resolved_total",
			Help: "Direct conversation resolutions by outcome",
		},
		[]string{"outcome"},
	)

	// SendFailuresTotal tracks optimistic sends that ended in the failed state.
	SendFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_send_failures_total",
			Help: "Optimistic sends marked failed",
		},
	)

	// FeedEventsTotal tracks published change-feed events per backend.
	FeedEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dm_feed_events_total",
			Help: "Message insert events published to the change feed",
		},
		[]string{"backend"},
	)

	// RealtimeSubscriptionsActive tracks open per-conversation subscriptions.
	RealtimeSubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_realtime_subscriptions_active",
			Help: "Number of open conversation subscriptions",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// PresenceOnlineUsers is the size of the last synced online set.
	PresenceOnlineUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dm_presence_online_users",
			Help: "Users online at the last presence sync",
		},
	)

	// StoreFallbackTotal counts reads served from cache while the store was unavailable.
	StoreFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dm_store_fallback_total",
			Help: "Message page reads served from cache during store outages",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
