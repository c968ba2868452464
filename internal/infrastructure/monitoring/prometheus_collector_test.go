package monitoring

import (
	"testing"

	"crowdlink/internal/core/domain"
	"crowdlink/pkg/circuitbreaker"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector_SessionMetrics(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.MessageSent("direct")
	c.MessageSent("direct")
	c.MessageSent("relay+direct")
	c.MessageReceived(domain.TransportRelay)
	c.DuplicateDropped("duplicate")
	c.BridgeOutcome(domain.DeliveryBridged)
	c.SetBridgeQueueDepth(4)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesSent.WithLabelValues("relay+direct")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesReceived.WithLabelValues("relay")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.duplicatesDropped.WithLabelValues("duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.bridgeOutcomes.WithLabelValues("bridged")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.bridgeQueueDepth))
}

func TestPrometheusCollector_LinkStatesResetToZero(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.SetLinkStates(map[domain.LinkState]int{domain.LinkEstablished: 2, domain.LinkNegotiating: 1})
	assert.Equal(t, 2.0, testutil.ToFloat64(c.links.WithLabelValues("established")))

	c.SetLinkStates(map[domain.LinkState]int{domain.LinkClosed: 3})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.links.WithLabelValues("established")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.links.WithLabelValues("negotiating")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.links.WithLabelValues("closed")))
}

func TestPrometheusCollector_NetworkCondition(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.SetNetworkCondition(domain.NetworkCondition{Tier: domain.QualityPoor, LatencyMs: 250, PacketLossPct: 3})
	assert.Equal(t, 3.0, testutil.ToFloat64(c.networkPacketLoss))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.networkQualityTier.WithLabelValues("poor")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.networkQualityTier.WithLabelValues("good")))

	c.SetNetworkCondition(domain.NetworkCondition{Tier: domain.QualityGood, LatencyMs: 80})
	assert.Equal(t, 0.0, testutil.ToFloat64(c.networkQualityTier.WithLabelValues("poor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.networkQualityTier.WithLabelValues("good")))
}

func TestPrometheusCollector_RelayAndCircuits(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.EnvelopeRelayed(domain.KindChat)
	c.EnvelopeRejected("rate_limited")
	c.ObserveCircuit(domain.TransportDirect, circuitbreaker.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayConnections))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.relayConnectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayEnvelopes.WithLabelValues("chat")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayRejected.WithLabelValues("rate_limited")))
	assert.Equal(t, float64(circuitbreaker.StateOpen), testutil.ToFloat64(c.circuitState.WithLabelValues("direct")))
}

func TestNewPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}
