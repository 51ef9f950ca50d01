package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions     prometheus.Gauge
	sessionsCreated    *prometheus.CounterVec
	sessionsClosed     prometheus.Counter
	onlineIdentities   prometheus.Gauge
	messagesReceived   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	messagesRouted     prometheus.Counter
	routedRecipients   prometheus.Histogram
	rejected           *prometheus.CounterVec
	presenceBroadcasts prometheus.Counter
	presenceFanout     prometheus.Histogram
	identityReplaced   prometheus.Counter
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairchat_active_sessions",
			Help: "Number of open transport connections",
		}),
		sessionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairchat_sessions_created_total",
			Help: "Connections accepted, by transport",
		}, []string{"transport"}),
		sessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_sessions_closed_total",
			Help: "Connections that went away",
		}),
		onlineIdentities: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pairchat_online_identities",
			Help: "Identities currently registered",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairchat_messages_received_total",
			Help: "Frames received from clients, by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairchat_messages_sent_total",
			Help: "Direct replies sent to clients, by type",
		}, []string{"type"}),
		messagesRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_messages_routed_total",
			Help: "Chat messages accepted for delivery",
		}),
		routedRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairchat_message_recipients",
			Help:    "Connections each chat message was delivered to",
			Buckets: []float64{0, 1, 2, 3, 5},
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pairchat_rejected_total",
			Help: "Rejected client requests, by error kind",
		}, []string{"kind"}),
		presenceBroadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_presence_broadcasts_total",
			Help: "Presence list announcements",
		}),
		presenceFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pairchat_presence_fanout",
			Help:    "Connections reached by each presence announcement",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		identityReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pairchat_identity_replaced_total",
			Help: "Connections evicted because their identity logged in elsewhere",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.sessionsCreated,
		m.sessionsClosed,
		m.onlineIdentities,
		m.messagesReceived,
		m.messagesSent,
		m.messagesRouted,
		m.routedRecipients,
		m.rejected,
		m.presenceBroadcasts,
		m.presenceFanout,
		m.identityReplaced,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) RecordActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	m.messagesSent.WithLabelValues(msgType).Inc()
}

// The methods below make Metrics a relay.Recorder

func (m *Metrics) ConnectionOpened() {}

func (m *Metrics) ConnectionClosed() {
	m.sessionsClosed.Inc()
}

func (m *Metrics) OnlineIdentities(n int) {
	m.onlineIdentities.Set(float64(n))
}

func (m *Metrics) PresenceBroadcast(online, endpoints int) {
	m.presenceBroadcasts.Inc()
	m.presenceFanout.Observe(float64(endpoints))
}

func (m *Metrics) MessageRouted(recipients int) {
	m.messagesRouted.Inc()
	m.routedRecipients.Observe(float64(recipients))
}

func (m *Metrics) Rejected(kind string) {
	m.rejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) IdentityReplaced() {
	m.identityReplaced.Inc()
}
