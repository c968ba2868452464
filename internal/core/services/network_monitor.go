package services

import (
	"math"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	excellentScore = 80.0
	goodScore      = 60.0
	poorScore      = 30.0

	failurePenalty    = 10.0
	maxFailurePenalty = 30.0
)

// Heuristics is the fallback input used when no transport reports a
// measurement: whether the relay is reachable and how many direct links are up.
type Heuristics func() (online bool, establishedLinks int)

// NetworkMonitor classifies link quality into tiers. Sample is called on a
// fixed cadence by the owning session.
type NetworkMonitor struct {
	clock      clock.Clock
	logger     *zap.SugaredLogger
	sources    []ports.SignalSource
	heuristics Heuristics

	condition      domain.NetworkCondition
	recentFailures int
	listeners      []func(prev, next domain.NetworkCondition)
}

func NewNetworkMonitor(clk clock.Clock, logger *zap.SugaredLogger, sources ...ports.SignalSource) *NetworkMonitor {
	return &NetworkMonitor{
		clock:   clk,
		logger:  logger,
		sources: sources,
		condition: domain.NetworkCondition{
			Tier:           domain.QualityGood,
			StabilityScore: 70,
			FromHeuristics: true,
			SampledAt:      clk.Now(),
		},
	}
}

func (m *NetworkMonitor) AddSource(src ports.SignalSource) {
	m.sources = append(m.sources, src)
}

func (m *NetworkMonitor) SetHeuristics(h Heuristics) {
	m.heuristics = h
}

// OnTierChange registers a listener for tier transitions.
func (m *NetworkMonitor) OnTierChange(fn func(prev, next domain.NetworkCondition)) {
	m.listeners = append(m.listeners, fn)
}

// RecordLinkState lets the link manager report transitions; failures lower
// the next sample's stability score.
func (m *NetworkMonitor) RecordLinkState(peer domain.PeerID, state domain.LinkState) {
	if state == domain.LinkFailed {
		m.recentFailures++
	}
}

func (m *NetworkMonitor) Condition() domain.NetworkCondition {
	return m.condition
}

func (m *NetworkMonitor) Tier() domain.QualityTier {
	return m.condition.Tier
}

// Sample recomputes the network condition and notifies listeners when the
// tier changed.
func (m *NetworkMonitor) Sample() domain.NetworkCondition {
	next := m.measure()
	next.SampledAt = m.clock.Now()

	penalty := math.Min(float64(m.recentFailures)*failurePenalty, maxFailurePenalty)
	m.recentFailures = 0
	if penalty > 0 {
		next.StabilityScore = clampScore(next.StabilityScore - penalty)
		next.Tier = TierForScore(next.StabilityScore)
	}

	prev := m.condition
	m.condition = next

	if prev.Tier != next.Tier {
		m.logger.Infow("network quality tier changed",
			"from", prev.Tier,
			"to", next.Tier,
			"stability_score", next.StabilityScore,
			"latency_ms", next.LatencyMs,
			"packet_loss_pct", next.PacketLossPct,
			"heuristic", next.FromHeuristics,
		)
		for _, fn := range m.listeners {
			fn(prev, next)
		}
	}
	return next
}

func (m *NetworkMonitor) measure() domain.NetworkCondition {
	var total time.Duration
	var loss float64
	n := 0
	for _, src := range m.sources {
		s, ok := src.Sample()
		if !ok {
			continue
		}
		total += s.Latency
		loss = math.Max(loss, s.PacketLossPct)
		n++
	}

	if n == 0 {
		return m.fromHeuristics()
	}

	latencyMs := float64(total/time.Duration(n)) / float64(time.Millisecond)
	score := StabilityScore(latencyMs, loss)
	return domain.NetworkCondition{
		Tier:           TierForScore(score),
		LatencyMs:      latencyMs,
		PacketLossPct:  loss,
		StabilityScore: score,
	}
}

func (m *NetworkMonitor) fromHeuristics() domain.NetworkCondition {
	online, links := true, 0
	if m.heuristics != nil {
		online, links = m.heuristics()
	}

	var score float64
	switch {
	case online && links > 0:
		score = 75
	case online:
		score = 65
	case links > 0:
		score = 40
	default:
		score = 10
	}
	return domain.NetworkCondition{
		Tier:           TierForScore(score),
		StabilityScore: score,
		FromHeuristics: true,
	}
}

// StabilityScore maps latency and loss onto 0-100.
func StabilityScore(latencyMs, packetLossPct float64) float64 {
	return clampScore(100 - latencyMs/10 - packetLossPct*5)
}

func TierForScore(score float64) domain.QualityTier {
	switch {
	case score > excellentScore:
		return domain.QualityExcellent
	case score > goodScore:
		return domain.QualityGood
	case score > poorScore:
		return domain.QualityPoor
	default:
		return domain.QualityCritical
	}
}

func clampScore(s float64) float64 {
	return math.Max(0, math.Min(100, s))
}
