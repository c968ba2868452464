package reliability

import (
	"testing"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/pkg/circuitbreaker"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestTransportBreakers_IndependentPerKind(t *testing.T) {
	clk := clock.NewMock()
	var observed []string
	tb := NewTransportBreakers(circuitbreaker.DefaultConfig(), time.Minute, clk, zap.NewNop().Sugar(),
		func(kind domain.TransportKind, state circuitbreaker.State) {
			observed = append(observed, string(kind)+":"+state.String())
		})

	for i := 0; i < 3; i++ {
		tb.RecordFailure(domain.TransportDirect)
	}

	assert.False(t, tb.ShouldAllow(domain.TransportDirect))
	assert.True(t, tb.ShouldAllow(domain.TransportRelay))
	assert.Equal(t, []string{"direct:open"}, observed)

	views := tb.Views()
	assert.True(t, views[domain.TransportDirect].IsOpen)
	assert.Equal(t, 3, views[domain.TransportDirect].ConsecutiveFailures)
	assert.False(t, views[domain.TransportRelay].IsOpen)

	clk.Add(30 * time.Second)
	assert.True(t, tb.Ready(domain.TransportDirect))
	assert.True(t, tb.ShouldAllow(domain.TransportDirect))
	assert.False(t, tb.ShouldAllow(domain.TransportDirect))

	tb.Reset()
	assert.True(t, tb.ShouldAllow(domain.TransportDirect))
	assert.Equal(t, "closed", tb.Views()[domain.TransportDirect].State)
}

func TestTransportBreakers_DirectFailureWindow(t *testing.T) {
	clk := clock.NewMock()
	tb := NewTransportBreakers(circuitbreaker.DefaultConfig(), time.Minute, clk, zap.NewNop().Sugar(), nil)

	tb.RecordFailure(domain.TransportDirect)
	tb.RecordFailure(domain.TransportDirect)
	clk.Add(2 * time.Minute)
	tb.RecordFailure(domain.TransportDirect)
	assert.True(t, tb.ShouldAllow(domain.TransportDirect))

	// relay has no window
	tb.RecordFailure(domain.TransportRelay)
	tb.RecordFailure(domain.TransportRelay)
	clk.Add(2 * time.Minute)
	tb.RecordFailure(domain.TransportRelay)
	assert.False(t, tb.ShouldAllow(domain.TransportRelay))

	assert.False(t, tb.ShouldAllow("carrier-pigeon"))
	assert.Nil(t, tb.Breaker("carrier-pigeon"))
}
