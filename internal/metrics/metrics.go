// Package metrics implements the Observability Hooks (C8): a set of
// Prometheus counters, gauges, and histograms tracking routing outcomes,
// queue depth, and connection lifetime, plus the HTTP middleware used by
// the control-plane API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solconnect_messages_routed_total",
			Help: "Total number of ChatMessages delivered directly to an online device",
		},
		[]string{"server_id"},
	)

	MessagesQueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solconnect_messages_queued_total",
			Help: "Total number of ChatMessages queued for an offline recipient",
		},
		[]string{"server_id"},
	)

	MessagesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solconnect_messages_rejected_total",
			Help: "Total number of ChatMessages rejected by validation",
		},
		[]string{"server_id", "reason"}, // reason: bad_signature, ttl_zero, payload_too_large, queue_full
	)

	MessagesExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solconnect_messages_expired_total",
			Help: "Total number of queued ChatMessages that expired before delivery",
		},
		[]string{"server_id"},
	)

	BytesIn = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solconnect_bytes_in_total",
			Help: "Total bytes received from client connections",
		},
		[]string{"server_id"},
	)

	BytesOut = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solconnect_bytes_out_total",
			Help: "Total bytes written to client connections",
		},
		[]string{"server_id"},
	)

	RegisteredWallets = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solconnect_registered_wallets",
			Help: "Number of distinct wallets with at least one live connection",
		},
		[]string{"server_id"},
	)

	QueuedEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solconnect_queued_entries",
			Help: "Total number of entries currently held in the delivery queue",
		},
		[]string{"server_id"},
	)

	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "solconnect_active_connections",
			Help: "Number of currently open WebSocket connections",
		},
		[]string{"server_id"},
	)

	RoutingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solconnect_routing_latency_seconds",
			Help:    "Time from Route() call to delivery or queue decision",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us to ~0.82s
		},
		[]string{"outcome"}, // delivered, queued, rejected
	)

	ConnectionLifetime = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "solconnect_connection_lifetime_seconds",
			Help:    "Duration a WebSocket connection stayed open",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
		},
	)

	HandshakeFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solconnect_handshake_failures_total",
			Help: "Total number of failed or timed-out connection handshakes",
		},
		[]string{"server_id", "reason"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solconnect_http_requests_total",
			Help: "Total number of control-plane HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "solconnect_http_request_duration_seconds",
			Help:    "Control-plane HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware wraps HTTP handlers with request count and latency
// metrics.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		path := r.URL.Path

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRouted records a message delivered directly to an online device.
func RecordRouted(serverID string, latency time.Duration) {
	MessagesRouted.WithLabelValues(serverID).Inc()
	RoutingLatency.WithLabelValues("delivered").Observe(latency.Seconds())
}

// RecordQueued records a message queued for an offline recipient.
func RecordQueued(serverID string, latency time.Duration) {
	MessagesQueued.WithLabelValues(serverID).Inc()
	RoutingLatency.WithLabelValues("queued").Observe(latency.Seconds())
}

// RecordRejected records a message rejected by validation.
func RecordRejected(serverID, reason string, latency time.Duration) {
	MessagesRejected.WithLabelValues(serverID, reason).Inc()
	RoutingLatency.WithLabelValues("rejected").Observe(latency.Seconds())
}

// RecordExpired records a queued message that expired before delivery.
func RecordExpired(serverID string) {
	MessagesExpired.WithLabelValues(serverID).Inc()
}

// RecordBytesIn adds n bytes to the cumulative inbound counter.
func RecordBytesIn(serverID string, n int) {
	BytesIn.WithLabelValues(serverID).Add(float64(n))
}

// RecordBytesOut adds n bytes to the cumulative outbound counter.
func RecordBytesOut(serverID string, n int) {
	BytesOut.WithLabelValues(serverID).Add(float64(n))
}

// SetRegisteredWallets updates the live registered-wallet gauge.
func SetRegisteredWallets(serverID string, n int) {
	RegisteredWallets.WithLabelValues(serverID).Set(float64(n))
}

// SetQueuedEntries updates the queue depth gauge.
func SetQueuedEntries(serverID string, n int) {
	QueuedEntries.WithLabelValues(serverID).Set(float64(n))
}

// SetActiveConnections updates the open-connection gauge.
func SetActiveConnections(serverID string, n int) {
	ActiveConnections.WithLabelValues(serverID).Set(float64(n))
}

// RecordConnectionLifetime records how long a connection stayed open.
func RecordConnectionLifetime(d time.Duration) {
	ConnectionLifetime.Observe(d.Seconds())
}

// RecordHandshakeFailure records a failed or timed-out handshake.
func RecordHandshakeFailure(serverID, reason string) {
	HandshakeFailuresTotal.WithLabelValues(serverID, reason).Inc()
}
