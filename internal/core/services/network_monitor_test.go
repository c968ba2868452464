package services

import (
	"testing"
	"time"

	"crowdlink/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type monitorSource struct {
	sample domain.LinkSample
	ok     bool
}

func (s *monitorSource) Sample() (domain.LinkSample, bool) { return s.sample, s.ok }

func TestStabilityScoreAndTiers(t *testing.T) {
	tests := []struct {
		latencyMs float64
		loss      float64
		score     float64
		tier      domain.QualityTier
	}{
		{20, 0, 98, domain.QualityExcellent},
		{200, 0, 80, domain.QualityGood},
		{300, 2, 60, domain.QualityPoor},
		{500, 4, 30, domain.QualityCritical},
		{2000, 50, 0, domain.QualityCritical},
	}

	for _, tt := range tests {
		score := StabilityScore(tt.latencyMs, tt.loss)
		assert.InDelta(t, tt.score, score, 0.001)
		assert.Equal(t, tt.tier, TierForScore(score), "latency=%v loss=%v", tt.latencyMs, tt.loss)
	}
}

func TestNetworkMonitor_SampleFromSignal(t *testing.T) {
	src := &monitorSource{sample: domain.LinkSample{Latency: 50 * time.Millisecond}, ok: true}
	m := NewNetworkMonitor(clock.NewMock(), zap.NewNop().Sugar(), src)

	var changes []domain.QualityTier
	m.OnTierChange(func(prev, next domain.NetworkCondition) { changes = append(changes, next.Tier) })

	c := m.Sample()
	assert.Equal(t, domain.QualityExcellent, c.Tier)
	assert.False(t, c.FromHeuristics)
	assert.InDelta(t, 50, c.LatencyMs, 0.001)

	src.sample = domain.LinkSample{Latency: 600 * time.Millisecond, PacketLossPct: 5}
	assert.Equal(t, domain.QualityCritical, m.Sample().Tier)

	// unchanged tier does not notify again
	m.Sample()
	assert.Equal(t, []domain.QualityTier{domain.QualityExcellent, domain.QualityCritical}, changes)
}

func TestNetworkMonitor_AveragesSources(t *testing.T) {
	m := NewNetworkMonitor(clock.NewMock(), zap.NewNop().Sugar(),
		&monitorSource{sample: domain.LinkSample{Latency: 100 * time.Millisecond, PacketLossPct: 1}, ok: true},
		&monitorSource{sample: domain.LinkSample{Latency: 300 * time.Millisecond, PacketLossPct: 3}, ok: true},
		&monitorSource{ok: false},
	)

	c := m.Sample()
	assert.InDelta(t, 200, c.LatencyMs, 0.001)
	assert.InDelta(t, 3, c.PacketLossPct, 0.001)
	assert.InDelta(t, 65, c.StabilityScore, 0.001)
}

func TestNetworkMonitor_Heuristics(t *testing.T) {
	m := NewNetworkMonitor(clock.NewMock(), zap.NewNop().Sugar())

	online, links := true, 2
	m.SetHeuristics(func() (bool, int) { return online, links })

	c := m.Sample()
	assert.True(t, c.FromHeuristics)
	assert.Equal(t, domain.QualityGood, c.Tier)

	online = false
	assert.Equal(t, domain.QualityPoor, m.Sample().Tier)

	links = 0
	assert.Equal(t, domain.QualityCritical, m.Sample().Tier)
}

func TestNetworkMonitor_LinkFailuresPenalize(t *testing.T) {
	src := &monitorSource{sample: domain.LinkSample{Latency: 150 * time.Millisecond}, ok: true}
	m := NewNetworkMonitor(clock.NewMock(), zap.NewNop().Sugar(), src)

	assert.Equal(t, domain.QualityExcellent, m.Sample().Tier)

	m.RecordLinkState("bob", domain.LinkFailed)
	m.RecordLinkState("bob", domain.LinkEstablished)
	c := m.Sample()
	assert.InDelta(t, 75, c.StabilityScore, 0.001)
	assert.Equal(t, domain.QualityGood, c.Tier)

	// penalty applies to one sample only
	assert.Equal(t, domain.QualityExcellent, m.Sample().Tier)

	for i := 0; i < 10; i++ {
		m.RecordLinkState("bob", domain.LinkFailed)
	}
	assert.InDelta(t, 55, m.Sample().StabilityScore, 0.001)
}
