package services

import (
	"testing"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/infrastructure/reliability"
	"crowdlink/pkg/circuitbreaker"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestSelector() (*RouteSelector, *reliability.TransportBreakers, *clock.Mock) {
	clk := clock.NewMock()
	breakers := reliability.NewTransportBreakers(circuitbreaker.DefaultConfig(), time.Minute, clk, zap.NewNop().Sugar(), nil)
	return NewRouteSelector(breakers, 150*time.Millisecond, 250*time.Millisecond), breakers, clk
}

func bothUp() RouteInput {
	return RouteInput{
		Peer:            "bob",
		Preference:      domain.RouteAuto,
		LinkEstablished: true,
		RelayConnected:  true,
		Tier:            domain.QualityExcellent,
	}
}

func TestRouteSelector_StableWithFixedInputs(t *testing.T) {
	rs, _, _ := newTestSelector()

	first := rs.Select(bothUp())
	assert.Equal(t, domain.TransportDirect, first.Primary)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, rs.Select(bothUp()))
	}
}

func TestRouteSelector_SingleTransport(t *testing.T) {
	rs, _, _ := newTestSelector()

	in := bothUp()
	in.LinkEstablished = false
	assert.Equal(t, domain.TransportRelay, rs.Select(in).Primary)

	in = bothUp()
	in.RelayConnected = false
	assert.Equal(t, domain.TransportDirect, rs.Select(in).Primary)
}

func TestRouteSelector_NeitherAvailable(t *testing.T) {
	rs, _, _ := newTestSelector()

	in := bothUp()
	in.LinkEstablished = false
	in.RelayConnected = false

	route := rs.Select(in)
	assert.True(t, route.None)
	assert.True(t, route.Bridge)
	assert.Equal(t, domain.TransportRelay, route.Primary)
}

func TestRouteSelector_ManualPreference(t *testing.T) {
	rs, breakers, _ := newTestSelector()

	in := bothUp()
	in.Preference = domain.RouteRelay
	assert.Equal(t, domain.TransportRelay, rs.Select(in).Primary)

	// preferred transport unavailable: falls back to auto
	for i := 0; i < 3; i++ {
		breakers.RecordFailure(domain.TransportRelay)
	}
	assert.Equal(t, domain.TransportDirect, rs.Select(in).Primary)

	in = bothUp()
	in.Preference = domain.RouteDirect
	in.LinkEstablished = false
	in.Peer = "carol"
	route := rs.Select(in)
	assert.True(t, route.None)
}

func TestRouteSelector_OpenBreakerExcludesTransport(t *testing.T) {
	rs, breakers, clk := newTestSelector()

	for i := 0; i < 3; i++ {
		breakers.RecordFailure(domain.TransportDirect)
	}
	assert.Equal(t, domain.TransportRelay, rs.Select(bothUp()).Primary)

	clk.Add(30 * time.Second)
	// relay-only decisions must not consume the half-open probe
	in := bothUp()
	in.LinkEstablished = false
	assert.Equal(t, domain.TransportRelay, rs.Select(in).Primary)
	assert.True(t, breakers.Ready(domain.TransportDirect))

	probe := rs.Select(bothUp())
	assert.Equal(t, domain.TransportDirect, probe.Primary)
	assert.Equal(t, domain.TransportRelay, rs.Select(bothUp()).Primary)
}

func TestRouteSelector_LatencyHysteresis(t *testing.T) {
	rs, _, _ := newTestSelector()

	in := bothUp()
	in.LinkRTT = 200 * time.Millisecond
	assert.Equal(t, domain.TransportRelay, rs.Select(in).Primary)

	in.LinkRTT = 100 * time.Millisecond
	assert.Equal(t, domain.TransportDirect, rs.Select(in).Primary)

	// inside the band: stays direct
	in.LinkRTT = 200 * time.Millisecond
	assert.Equal(t, domain.TransportDirect, rs.Select(in).Primary)

	in.LinkRTT = 300 * time.Millisecond
	assert.Equal(t, domain.TransportRelay, rs.Select(in).Primary)

	rs.Forget("bob")
	in.LinkRTT = 200 * time.Millisecond
	assert.Equal(t, domain.TransportRelay, rs.Select(in).Primary)
}

func TestRouteSelector_DegradedTier(t *testing.T) {
	rs, _, _ := newTestSelector()

	in := bothUp()
	in.Tier = domain.QualityCritical
	route := rs.Select(in)
	assert.Equal(t, domain.TransportRelay, route.Primary)
	assert.True(t, route.Bridge)
	assert.False(t, route.None)
}

func TestRouteSelector_MeshBackup(t *testing.T) {
	rs, _, _ := newTestSelector()

	in := bothUp()
	in.Preference = domain.RouteMesh
	route := rs.Select(in)
	assert.Equal(t, domain.TransportDirect, route.Primary)
	assert.Equal(t, domain.TransportRelay, route.Backup)
	assert.Equal(t, "direct+relay", route.String())

	in.RelayConnected = false
	route = rs.Select(in)
	assert.Equal(t, domain.TransportDirect, route.Primary)
	assert.Empty(t, route.Backup)
}

func TestRouteSelector_PeekDoesNotClaimProbe(t *testing.T) {
	rs, breakers, clk := newTestSelector()

	for i := 0; i < 3; i++ {
		breakers.RecordFailure(domain.TransportDirect)
	}
	clk.Add(30 * time.Second)

	in := bothUp()
	in.RelayConnected = false
	assert.Equal(t, domain.TransportDirect, rs.Peek(in).Primary)
	assert.Equal(t, domain.TransportDirect, rs.Peek(in).Primary)

	// the probe is still available for a real send
	assert.Equal(t, domain.TransportDirect, rs.Select(in).Primary)
	assert.True(t, rs.Select(in).None, "probe already in flight")
}
