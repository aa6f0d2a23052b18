package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the broadcast and workspace services.
type Metrics struct {
	registry           *prometheus.Registry
	requestsTotal      prometheus.Counter
	errorsTotal        prometheus.Counter
	broadcastsStarted  prometheus.Counter
	broadcastsEnded    *prometheus.CounterVec
	broadcastActive    prometheus.Gauge
	eventsDropped      prometheus.Counter
	mirrorSyncs        *prometheus.CounterVec
	mirrorSyncFailures *prometheus.CounterVec
	mirrorSyncDuration prometheus.Histogram
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codestream_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codestream_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		broadcastsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codestream_broadcasts_started_total",
			Help: "Total number of accepted broadcast start requests",
		}),
		broadcastsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codestream_broadcasts_ended_total",
			Help: "Total number of encoder processes reaped, by terminal status",
		}, []string{"status"}),
		broadcastActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "codestream_broadcast_active",
			Help: "1 while a broadcast session is connecting or live",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "codestream_broadcast_events_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		}),
		mirrorSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codestream_mirror_syncs_total",
			Help: "Successful workspace mirror syncs, by operation",
		}, []string{"op"}),
		mirrorSyncFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "codestream_mirror_sync_failures_total",
			Help: "Failed workspace mirror syncs, by failure kind",
		}, []string{"kind"}),
		mirrorSyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "codestream_mirror_sync_duration_seconds",
			Help:    "Wall time of clone or pull operations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.broadcastsStarted,
		m.broadcastsEnded,
		m.broadcastActive,
		m.eventsDropped,
		m.mirrorSyncs,
		m.mirrorSyncFailures,
		m.mirrorSyncDuration,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the error response counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// BroadcastStarted records an accepted start and marks a session active.
func (m *Metrics) BroadcastStarted() {
	m.broadcastsStarted.Inc()
	m.broadcastActive.Set(1)
}

// BroadcastEnded records a reaped encoder process with its terminal status.
func (m *Metrics) BroadcastEnded(status string) {
	m.broadcastsEnded.WithLabelValues(status).Inc()
	m.broadcastActive.Set(0)
}

// EventDropped counts one event lost to a full subscriber queue.
func (m *Metrics) EventDropped() {
	m.eventsDropped.Inc()
}

// MirrorSynced records a successful clone or pull and its duration in seconds.
func (m *Metrics) MirrorSynced(op string, seconds float64) {
	m.mirrorSyncs.WithLabelValues(op).Inc()
	m.mirrorSyncDuration.Observe(seconds)
}

// MirrorSyncFailed records a failed sync by kind.
func (m *Metrics) MirrorSyncFailed(kind string) {
	m.mirrorSyncFailures.WithLabelValues(kind).Inc()
}

// Handler returns an HTTP handler that serves the registry in Prometheus format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
