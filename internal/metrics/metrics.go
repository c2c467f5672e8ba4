// Package metrics exposes Prometheus instrumentation for the runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one client instance
type Metrics struct {
	// Frame metrics
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FrameErrors    *prometheus.CounterVec
	Duplicates     prometheus.Counter
	SendLatency    prometheus.Histogram

	// Connection metrics
	ConnectionState prometheus.Gauge
	Reconnects      prometheus.Counter
	AuthOutcomes    *prometheus.CounterVec
	PendingRequests prometheus.Gauge

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
	WebhookLatency    prometheus.Histogram
	WebhookQueueDepth prometheus.Gauge
	BreakerState      *prometheus.GaugeVec
}

// New creates and registers all metrics against the given registerer. A nil
// registerer falls back to the process-default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_frames_sent_total",
				Help: "Total outbound frames written to the transport",
			},
			[]string{"kind"},
		),

		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_frames_received_total",
				Help: "Total inbound frames delivered by the transport",
			},
			[]string{"kind"},
		),

		FrameErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_frame_errors_total",
				Help: "Frames rejected or failed, by pipeline stage",
			},
			[]string{"stage"}, // stage: validate, signature, dispatch, send
		),

		Duplicates: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_duplicate_frames_total",
				Help: "Inbound frames dropped by the deduplication cache",
			},
		),

		SendLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mesh_send_duration_seconds",
				Help:    "Time from send call to transport write, including rate-limit waits",
				Buckets: prometheus.DefBuckets,
			},
		),

		ConnectionState: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_connection_state",
				Help: "Engine state: 0=idle 1=connecting 2=authenticating 3=ready 4=reconnecting 5=disconnecting",
			},
		),

		Reconnects: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mesh_reconnect_attempts_total",
				Help: "Reconnect attempts scheduled after unexpected closes",
			},
		),

		AuthOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_auth_outcomes_total",
				Help: "Authentication handshake results",
			},
			[]string{"outcome"}, // outcome: success, error, timeout
		),

		PendingRequests: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_pending_requests",
				Help: "In-flight request/response pairs awaiting a reply",
			},
		),

		WebhookDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mesh_webhook_deliveries_total",
				Help: "Webhook delivery outcomes",
			},
			[]string{"outcome"}, // outcome: success, error, retry, dropped
		),

		WebhookLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "mesh_webhook_duration_seconds",
				Help:    "Wall-clock duration of webhook POSTs",
				Buckets: prometheus.DefBuckets,
			},
		),

		WebhookQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mesh_webhook_queue_depth",
				Help: "Items waiting in the webhook delivery queue",
			},
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mesh_circuit_breaker_state",
				Help: "Breaker state per delivery target: 0=closed 1=open 2=half-open",
			},
			[]string{"target"},
		),
	}
}

// Nop returns metrics bound to a throwaway registry, for callers that did
// not supply one.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}

// RecordFrameSent counts one outbound frame
func (m *Metrics) RecordFrameSent(kind string) {
	m.FramesSent.WithLabelValues(kind).Inc()
}

// RecordFrameReceived counts one inbound frame
func (m *Metrics) RecordFrameReceived(kind string) {
	m.FramesReceived.WithLabelValues(kind).Inc()
}

// RecordFrameError counts a rejection at the given stage
func (m *Metrics) RecordFrameError(stage string) {
	m.FrameErrors.WithLabelValues(stage).Inc()
}

// RecordDuplicate counts a dedup drop
func (m *Metrics) RecordDuplicate() {
	m.Duplicates.Inc()
}

// ObserveSend records one send's wall-clock duration in seconds
func (m *Metrics) ObserveSend(seconds float64) {
	m.SendLatency.Observe(seconds)
}

// SetConnectionState publishes the engine state as a numeric gauge
func (m *Metrics) SetConnectionState(state float64) {
	m.ConnectionState.Set(state)
}

// RecordReconnect counts one scheduled reconnect attempt
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordAuth records a handshake outcome
func (m *Metrics) RecordAuth(outcome string) {
	m.AuthOutcomes.WithLabelValues(outcome).Inc()
}

// SetPendingRequests publishes the size of the correlation map
func (m *Metrics) SetPendingRequests(n float64) {
	m.PendingRequests.Set(n)
}

// RecordWebhook records one delivery outcome, with duration for terminal
// outcomes
func (m *Metrics) RecordWebhook(outcome string, seconds float64) {
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
	if seconds > 0 {
		m.WebhookLatency.Observe(seconds)
	}
}

// SetWebhookQueueDepth publishes the delivery queue size
func (m *Metrics) SetWebhookQueueDepth(n float64) {
	m.WebhookQueueDepth.Set(n)
}

// SetBreakerState publishes a breaker state change
func (m *Metrics) SetBreakerState(target string, state float64) {
	m.BreakerState.WithLabelValues(target).Set(state)
}
