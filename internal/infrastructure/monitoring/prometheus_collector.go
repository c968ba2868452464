package monitoring

import (
	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	"crowdlink/internal/infrastructure/relay"
	"crowdlink/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	linkStates = []domain.LinkState{
		domain.LinkIdle,
		domain.LinkNegotiating,
		domain.LinkEstablished,
		domain.LinkFailed,
		domain.LinkClosed,
	}
	qualityTiers = []domain.QualityTier{
		domain.QualityExcellent,
		domain.QualityGood,
		domain.QualityPoor,
		domain.QualityCritical,
	}
)

// PrometheusCollector exports session and relay telemetry.
type PrometheusCollector struct {
	// Session
	messagesSent       *prometheus.CounterVec
	messagesReceived   *prometheus.CounterVec
	duplicatesDropped  *prometheus.CounterVec
	bridgeOutcomes     *prometheus.CounterVec
	bridgeQueueDepth   prometheus.Gauge
	links              *prometheus.GaugeVec
	networkLatency     prometheus.Histogram
	networkPacketLoss  prometheus.Gauge
	networkQualityTier *prometheus.GaugeVec
	circuitState       *prometheus.GaugeVec

	// Relay
	relayConnections      prometheus.Gauge
	relayConnectionsTotal prometheus.Counter
	relayEnvelopes        *prometheus.CounterVec
	relayRejected         *prometheus.CounterVec
}

var (
	_ ports.SessionMetrics = (*PrometheusCollector)(nil)
	_ relay.Metrics        = (*PrometheusCollector)(nil)
)

// NewPrometheusCollector registers the collector's metrics with reg, or with
// the default registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdlink_messages_sent_total",
			Help: "Chat messages sent, by chosen route",
		}, []string{"route"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdlink_messages_received_total",
			Help: "Chat messages delivered to the UI, by arriving transport",
		}, []string{"transport"}),

		duplicatesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdlink_duplicates_dropped_total",
			Help: "Inbound messages dropped by the deduplicator",
		}, []string{"verdict"}),

		bridgeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdlink_bridge_outcomes_total",
			Help: "Store-and-forward delivery outcomes",
		}, []string{"status"}),

		bridgeQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crowdlink_bridge_queue_depth",
			Help: "Messages waiting in the bridge queue",
		}),

		links: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crowdlink_direct_links",
			Help: "Direct links by state",
		}, []string{"state"}),

		networkLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "crowdlink_network_latency_seconds",
			Help:    "Estimated network latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.15, 0.3, 0.5, 1, 2},
		}),

		networkPacketLoss: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crowdlink_network_packet_loss_pct",
			Help: "Estimated packet loss percentage",
		}),

		networkQualityTier: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crowdlink_network_quality_tier",
			Help: "1 for the current quality tier, 0 otherwise",
		}, []string{"tier"}),

		circuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crowdlink_circuit_state",
			Help: "Transport circuit breaker state (0 closed, 1 open, 2 half-open)",
		}, []string{"transport"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crowdlink_relay_connections",
			Help: "Open relay websocket connections",
		}),

		relayConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crowdlink_relay_connections_total",
			Help: "Relay websocket connections accepted",
		}),

		relayEnvelopes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdlink_relay_envelopes_total",
			Help: "Envelopes relayed, by kind",
		}, []string{"kind"}),

		relayRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crowdlink_relay_rejected_total",
			Help: "Envelopes rejected by the relay, by reason",
		}, []string{"reason"}),
	}
}

func (p *PrometheusCollector) MessageSent(route string) {
	p.messagesSent.WithLabelValues(route).Inc()
}

func (p *PrometheusCollector) MessageReceived(transport domain.TransportKind) {
	p.messagesReceived.WithLabelValues(string(transport)).Inc()
}

func (p *PrometheusCollector) DuplicateDropped(verdict string) {
	p.duplicatesDropped.WithLabelValues(verdict).Inc()
}

func (p *PrometheusCollector) BridgeOutcome(status domain.DeliveryStatus) {
	p.bridgeOutcomes.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusCollector) SetBridgeQueueDepth(depth int) {
	p.bridgeQueueDepth.Set(float64(depth))
}

// SetLinkStates reports every known state so a state that drains to zero
// does not keep its last value.
func (p *PrometheusCollector) SetLinkStates(counts map[domain.LinkState]int) {
	for _, state := range linkStates {
		p.links.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}

func (p *PrometheusCollector) SetNetworkCondition(cond domain.NetworkCondition) {
	p.networkLatency.Observe(cond.LatencyMs / 1000)
	p.networkPacketLoss.Set(cond.PacketLossPct)
	for _, tier := range qualityTiers {
		value := 0.0
		if tier == cond.Tier {
			value = 1
		}
		p.networkQualityTier.WithLabelValues(string(tier)).Set(value)
	}
}

// ObserveCircuit matches reliability.StateObserver.
func (p *PrometheusCollector) ObserveCircuit(kind domain.TransportKind, state circuitbreaker.State) {
	p.circuitState.WithLabelValues(string(kind)).Set(float64(state))
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.relayConnections.Inc()
	p.relayConnectionsTotal.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) EnvelopeRelayed(kind domain.EnvelopeKind) {
	p.relayEnvelopes.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) EnvelopeRejected(reason string) {
	p.relayRejected.WithLabelValues(reason).Inc()
}
