// Package metrics exposes the gateway's prometheus.Registry and the
// counters/histograms recorded across session, topic and capability
// events, grounded on the sidecar's metrics package in the wider
// project this gateway was split out of.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every prometheus collector the gateway records to.
type Metrics struct {
	registry *prometheus.Registry

	sessionsOpened    *prometheus.CounterVec
	sessionsClosed    *prometheus.CounterVec
	envelopesIngested *prometheus.CounterVec
	capabilityDenied  *prometheus.CounterVec
	grantEvents       *prometheus.CounterVec
	historySize       *prometheus.GaugeVec
	deliveryLatency   *prometheus.HistogramVec
}

// New registers and returns the gateway's metric collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		sessionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew_gateway",
			Name:      "sessions_opened_total",
			Help:      "Sessions admitted per topic.",
		}, []string{"topic"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew_gateway",
			Name:      "sessions_closed_total",
			Help:      "Sessions torn down per topic, labeled by close reason.",
		}, []string{"topic", "reason"}),
		envelopesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew_gateway",
			Name:      "envelopes_ingested_total",
			Help:      "Envelopes admitted through the pipeline, labeled by kind.",
		}, []string{"topic", "kind"}),
		capabilityDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew_gateway",
			Name:      "capability_denied_total",
			Help:      "Envelopes rejected by the capability matcher, labeled by kind.",
		}, []string{"topic", "kind"}),
		grantEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mew_gateway",
			Name:      "grant_events_total",
			Help:      "Capability grant lifecycle events, labeled by event type.",
		}, []string{"topic", "event"}),
		historySize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mew_gateway",
			Name:      "history_entries",
			Help:      "Current number of envelopes retained in a topic's history ring.",
		}, []string{"topic"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mew_gateway",
			Name:      "delivery_latency_seconds",
			Help:      "Time from envelope admission to enqueue on the recipient's session.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
	}

	registry.MustRegister(
		m.sessionsOpened,
		m.sessionsClosed,
		m.envelopesIngested,
		m.capabilityDenied,
		m.grantEvents,
		m.historySize,
		m.deliveryLatency,
	)
	return m
}

// Handler returns the HTTP handler that serves this registry's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened(topic string) {
	m.sessionsOpened.WithLabelValues(topic).Inc()
}

func (m *Metrics) SessionClosed(topic, reason string) {
	m.sessionsClosed.WithLabelValues(topic, reason).Inc()
}

func (m *Metrics) EnvelopeIngested(topic, kind string) {
	m.envelopesIngested.WithLabelValues(topic, kind).Inc()
}

func (m *Metrics) CapabilityDenied(topic, kind string) {
	m.capabilityDenied.WithLabelValues(topic, kind).Inc()
}

func (m *Metrics) GrantEvent(topic, event string) {
	m.grantEvents.WithLabelValues(topic, event).Inc()
}

func (m *Metrics) SetHistorySize(topic string, n int) {
	m.historySize.WithLabelValues(topic).Set(float64(n))
}

func (m *Metrics) ObserveDeliveryLatency(topic string, seconds float64) {
	m.deliveryLatency.WithLabelValues(topic).Observe(seconds)
}
