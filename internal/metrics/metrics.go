// Package metrics provides Prometheus instrumentation for market-sync.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState mirrors transport.State (0 idle … 4 closed).
	ConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_connection_state",
		Help: "Current transport state (0=idle,1=connecting,2=open,3=closing,4=closed)",
	})

	// ConnectAttempts counts dial attempts by result.
	ConnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_connect_attempts_total",
		Help: "Connection attempts by result",
	}, []string{"result"})

	// Reconnects counts backoff-scheduled reconnect dials.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketsync_reconnects_total",
		Help: "Automatic reconnect attempts",
	})

	// Disconnects counts unexpected connection losses.
	Disconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketsync_disconnects_total",
		Help: "Connections closed by the remote side or the network",
	})

	// FramesReceived counts inbound frames on the live connection.
	FramesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketsync_frames_received_total",
		Help: "Inbound frames received",
	})

	// FramesDropped counts outbound frames that could not be queued.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_frames_dropped_total",
		Help: "Outbound frames dropped, by reason",
	}, []string{"reason"})

	// DecodeErrors counts malformed inbound frames, by message type.
	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_decode_errors_total",
		Help: "Inbound frames dropped because they could not be decoded",
	}, []string{"type"})

	// MessagesRouted counts decoded messages delivered to channels.
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_messages_routed_total",
		Help: "Decoded messages routed to subscription channels",
	}, []string{"type"})

	// ActiveChannels tracks channels with at least one subscriber.
	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_active_channels",
		Help: "Channels with at least one active subscriber",
	})

	// CallbackPanics counts subscriber callbacks that panicked.
	CallbackPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_callback_panics_total",
		Help: "Subscriber callbacks that panicked and were isolated",
	}, []string{"channel_type"})

	// SnapshotFetches counts REST snapshot calls by endpoint and result.
	SnapshotFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_snapshot_fetches_total",
		Help: "Venue REST snapshot fetches",
	}, []string{"endpoint", "result"})

	// MirrorUpdates counts stream updates handed to the mirror, by kind
	// and result (applied, failed, dropped).
	MirrorUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_mirror_updates_total",
		Help: "Stream updates applied to the local mirror",
	}, []string{"kind", "result"})

	// HubClients tracks local WebSocket fan-out clients.
	HubClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketsync_hub_clients",
		Help: "Number of connected local WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketsync_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketsync_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics, labelled by the chi route pattern
// when one matched so that ids in the path do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
