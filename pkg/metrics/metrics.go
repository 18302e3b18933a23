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

	// WSConnectionsActive tracks registered websocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of authenticated websocket connections",
		},
	)

	// WSAuthRejections tracks handshakes closed by the authentication gate.
	WSAuthRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_auth_rejections_total",
			Help: "Websocket connections rejected during authentication",
		},
		[]string{"reason"},
	)

	// WSFramesTotal tracks inbound frames by kind and outcome.
	WSFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ws_frames_total",
			Help: "Inbound websocket frames",
		},
		[]string{"type", "outcome"},
	)

	// DeliveriesTotal tracks push deliveries to participants.
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Frames pushed to participants",
		},
		[]string{"type", "outcome"},
	)

	// FallbackLookups tracks membership reads served by the fallback store.
	FallbackLookups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_fallback_lookups_total",
			Help: "Membership lookups served from the in-memory fallback",
		},
	)

	// SendDuration tracks the persistence latency of a message send.
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_send_duration_seconds",
			Help:    "Time to persist a message",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"path", "status"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
	)

	// MessagesTotal tracks total messages sent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"path"},
	)

	// JournalPublishFailures tracks events that could not reach NATS.
	JournalPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "journal_publish_failures_total",
			Help: "Messaging events that failed to publish",
		},
		[]string{"type"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordSend records metrics for a persisted (or failed) message send.
func RecordSend(path, status string, duration float64) {
	SendDuration.WithLabelValues(path, status).Observe(duration)
	if status == "ok" {
		MessagesTotal.WithLabelValues(path).Inc()
	}
}

// RecordDelivery records the outcome of one push delivery.
func RecordDelivery(frameType, outcome string) {
	DeliveriesTotal.WithLabelValues(frameType, outcome).Inc()
}

// IncrementWSConnections increments the active websocket connection count.
func IncrementWSConnections() {
	WSConnectionsActive.Inc()
}

// DecrementWSConnections decrements the active websocket connection count.
func DecrementWSConnections() {
	WSConnectionsActive.Dec()
}
