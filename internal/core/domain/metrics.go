package domain

import "time"

// QualityTier is a coarse classification of network conditions.
type QualityTier string

const (
	QualityExcellent QualityTier = "excellent"
	QualityGood      QualityTier = "good"
	QualityPoor      QualityTier = "poor"
	QualityCritical  QualityTier = "critical"
)

// Degraded reports whether the tier should engage store-and-forward bridging.
func (q QualityTier) Degraded() bool {
	return q == QualityPoor || q == QualityCritical
}

// Rank orders tiers from best (0) to worst (3).
func (q QualityTier) Rank() int {
	switch q {
	case QualityExcellent:
		return 0
	case QualityGood:
		return 1
	case QualityPoor:
		return 2
	default:
		return 3
	}
}

type NetworkCondition struct {
	Tier           QualityTier `json:"quality_tier"`
	LatencyMs      float64     `json:"estimated_latency_ms"`
	PacketLossPct  float64     `json:"estimated_packet_loss_pct"`
	StabilityScore float64     `json:"stability_score"`
	FromHeuristics bool        `json:"from_heuristics"`
	SampledAt      time.Time   `json:"sampled_at"`
}

// LinkSample is a low-level measurement from one transport.
type LinkSample struct {
	Latency       time.Duration
	PacketLossPct float64
}
