package services

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/pkg/retry"
	"crowdlink/pkg/tracing"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type BridgeStrategy string

const (
	StrategyEpidemic BridgeStrategy = "epidemic"
	StrategyRoute    BridgeStrategy = "route"
)

type BridgeConfig struct {
	MaxHops               int
	Backoff               retry.Schedule
	MaxAttemptsHigh       int
	MaxAttempts           int
	TTL                   map[domain.Priority]time.Duration
	BatchSize             map[domain.QualityTier]int
	FanoutProbability     map[domain.QualityTier]float64
	MinReliableNeighbors  int
	DrainInterval         time.Duration
	CriticalDrainInterval time.Duration
}

func DefaultBridgeConfig() BridgeConfig {
	return BridgeConfig{
		MaxHops:         3,
		Backoff:         retry.DefaultSchedule(),
		MaxAttemptsHigh: 5,
		MaxAttempts:     3,
		TTL: map[domain.Priority]time.Duration{
			domain.PriorityHigh:   120 * time.Second,
			domain.PriorityNormal: 60 * time.Second,
			domain.PriorityLow:    30 * time.Second,
		},
		BatchSize: map[domain.QualityTier]int{
			domain.QualityExcellent: 10,
			domain.QualityGood:      8,
			domain.QualityPoor:      4,
			domain.QualityCritical:  2,
		},
		FanoutProbability: map[domain.QualityTier]float64{
			domain.QualityExcellent: 0.3,
			domain.QualityGood:      0.4,
			domain.QualityPoor:      0.6,
			domain.QualityCritical:  0.8,
		},
		MinReliableNeighbors:  2,
		DrainInterval:         5 * time.Second,
		CriticalDrainInterval: 10 * time.Second,
	}
}

// BridgeCarrier moves bridge copies over established direct links.
type BridgeCarrier interface {
	Neighbors() []domain.PeerID
	RTT(peer domain.PeerID) time.Duration
	Forward(peer domain.PeerID, msg *domain.Message) error
}

// BridgeResult reports a queue entry that left the queue during a drain.
type BridgeResult struct {
	MessageID domain.MessageID
	Status    domain.DeliveryStatus
	Via       []domain.PeerID
	Strategy  BridgeStrategy
	Attempts  int
}

// Bridge is the store-and-forward queue used when neither primary transport
// can be trusted. It is driven by the session's executor and is not safe for
// concurrent use.
type Bridge struct {
	self     domain.PeerID
	cfg      BridgeConfig
	carrier  BridgeCarrier
	topology *Topology
	clock    clock.Clock
	logger   *zap.SugaredLogger
	rng      *rand.Rand

	queue     []*domain.QueuedBridgeMessage
	queued    map[domain.MessageID]bool
	exhausted int

	// ids already passed on as an intermediary, independent of delivery dedup
	relayedIDs *lru.Cache[domain.MessageID, struct{}]
	relayed    int
}

const relayedIDCapacity = 1000

// NewBridge creates a bridge. rng may be nil.
func NewBridge(
	self domain.PeerID,
	cfg BridgeConfig,
	carrier BridgeCarrier,
	topology *Topology,
	clk clock.Clock,
	logger *zap.SugaredLogger,
	rng *rand.Rand,
) *Bridge {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	relayedIDs, _ := lru.New[domain.MessageID, struct{}](relayedIDCapacity)
	return &Bridge{
		self:       self,
		cfg:        cfg,
		carrier:    carrier,
		topology:   topology,
		clock:      clk,
		logger:     logger,
		rng:        rng,
		queued:     make(map[domain.MessageID]bool),
		relayedIDs: relayedIDs,
	}
}

// Enqueue adds msg to the queue, ready for the next drain. A message that is
// already queued is not added twice.
func (b *Bridge) Enqueue(msg *domain.Message, priority domain.Priority) bool {
	if b.queued[msg.ID] {
		return false
	}
	if priority == "" {
		priority = domain.PriorityNormal
	}

	now := b.clock.Now()
	maxAttempts := b.cfg.MaxAttempts
	if priority == domain.PriorityHigh {
		maxAttempts = b.cfg.MaxAttemptsHigh
	}
	ttl, ok := b.cfg.TTL[priority]
	if !ok {
		ttl = b.cfg.TTL[domain.PriorityNormal]
	}

	b.queue = append(b.queue, &domain.QueuedBridgeMessage{
		Message:     msg.Clone(),
		MaxAttempts: maxAttempts,
		Priority:    priority,
		NextRetryAt: now,
		EnqueuedAt:  now,
		ExpiresAt:   now.Add(ttl),
	})
	b.queued[msg.ID] = true

	b.logger.Debugw("message queued for bridging",
		"message_id", msg.ID,
		"priority", priority,
		"queue_depth", len(b.queue),
	)
	return true
}

// Drain expires stale entries and attempts up to the tier's batch size of
// ready entries, highest priority and oldest first. targets are the room
// members the local peer knows about.
func (b *Bridge) Drain(tier domain.QualityTier, targets []domain.PeerID) []BridgeResult {
	now := b.clock.Now()
	var results []BridgeResult

	live := b.queue[:0]
	for _, e := range b.queue {
		if !now.Before(e.ExpiresAt) {
			results = append(results, b.exhaust(e, "ttl expired"))
			continue
		}
		live = append(live, e)
	}
	clear(b.queue[len(live):])
	b.queue = live

	sort.SliceStable(b.queue, func(i, j int) bool {
		pi, pj := b.queue[i].Priority.Rank(), b.queue[j].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return b.queue[i].EnqueuedAt.Before(b.queue[j].EnqueuedAt)
	})

	budget := b.BatchSize(tier)
	remaining := make([]*domain.QueuedBridgeMessage, 0, len(b.queue))
	for _, e := range b.queue {
		if budget == 0 || now.Before(e.NextRetryAt) {
			remaining = append(remaining, e)
			continue
		}
		budget--

		via, strategy, err := b.propagate(e, tier, targets)
		e.AttemptCount++

		if len(via) > 0 {
			delete(b.queued, e.Message.ID)
			results = append(results, BridgeResult{
				MessageID: e.Message.ID,
				Status:    domain.DeliveryBridged,
				Via:       via,
				Strategy:  strategy,
				Attempts:  e.AttemptCount,
			})
			continue
		}

		if e.AttemptCount >= e.MaxAttempts {
			results = append(results, b.exhaust(e, fmt.Sprintf("attempts exhausted: %v", err)))
			continue
		}
		e.NextRetryAt = now.Add(b.cfg.Backoff.Delay(e.AttemptCount))
		b.logger.Debugw("bridge attempt failed",
			"message_id", e.Message.ID,
			"attempt", e.AttemptCount,
			"next_retry_at", e.NextRetryAt,
			"error", err,
		)
		remaining = append(remaining, e)
	}
	b.queue = remaining

	return results
}

func (b *Bridge) exhaust(e *domain.QueuedBridgeMessage, reason string) BridgeResult {
	b.exhausted++
	delete(b.queued, e.Message.ID)
	b.logger.Infow("dropping bridge message",
		"message_id", e.Message.ID,
		"attempts", e.AttemptCount,
		"reason", reason,
	)
	return BridgeResult{
		MessageID: e.Message.ID,
		Status:    domain.DeliveryExpired,
		Attempts:  e.AttemptCount,
	}
}

// propagate sends one queued entry to its chosen bridges. It succeeds when at
// least one forward was written.
func (b *Bridge) propagate(e *domain.QueuedBridgeMessage, tier domain.QualityTier, targets []domain.PeerID) ([]domain.PeerID, BridgeStrategy, error) {
	msg := e.Message
	neighbors := b.candidates(msg)

	strategy := StrategyRoute
	if tier == domain.QualityCritical || len(neighbors) < b.cfg.MinReliableNeighbors {
		strategy = StrategyEpidemic
	}

	_, span := tracing.TraceBridgeForward(context.Background(), string(msg.ID), string(strategy), e.AttemptCount+1)
	defer span.End()

	if len(neighbors) == 0 {
		span.SetStatus(codes.Error, domain.ErrNoBridgeCandidates.Error())
		return nil, strategy, domain.ErrNoBridgeCandidates
	}

	var chosen []domain.PeerID
	if strategy == StrategyEpidemic {
		chosen = b.epidemic(neighbors, tier)
	} else {
		chosen = b.topology.BestHops(neighbors, b.unreached(msg, targets, neighbors), b.carrier.RTT)
	}

	span.SetAttributes(tracing.HopsKey.Int(len(chosen)))

	via, err := b.forward(chosen, msg)
	if err != nil {
		span.RecordError(err)
	}
	if len(via) == 0 {
		span.SetStatus(codes.Error, "no bridge accepted the message")
	}
	return via, strategy, err
}

// epidemic forwards to each neighbor independently with the tier's
// probability, and to one random neighbor when the draw picked none.
func (b *Bridge) epidemic(neighbors []domain.PeerID, tier domain.QualityTier) []domain.PeerID {
	p := b.cfg.FanoutProbability[tier]

	var chosen []domain.PeerID
	for _, n := range neighbors {
		if b.rng.Float64() < p {
			chosen = append(chosen, n)
		}
	}
	if len(chosen) == 0 {
		chosen = append(chosen, neighbors[b.rng.IntN(len(neighbors))])
	}
	return chosen
}

// Relay re-forwards a bridge copy received from the previous hop, appending
// the local peer to its path. Only the first copy of a message is passed on.
// It returns the peers the copy was written to.
func (b *Bridge) Relay(msg *domain.Message, from domain.PeerID) []domain.PeerID {
	if msg.SenderID == b.self || msg.Hops() >= b.cfg.MaxHops {
		return nil
	}
	if seen, _ := b.relayedIDs.ContainsOrAdd(msg.ID, struct{}{}); seen {
		return nil
	}
	next := msg.WithHop(b.self)

	var chosen []domain.PeerID
	for _, n := range b.candidates(next) {
		if n == from || b.topology.Reaches(from, n) {
			continue
		}
		chosen = append(chosen, n)
	}
	if len(chosen) == 0 {
		return nil
	}

	via, err := b.forward(chosen, next)
	if err != nil {
		b.logger.Debugw("bridge relay partially failed", "message_id", msg.ID, "error", err)
	}
	b.relayed += len(via)
	return via
}

func (b *Bridge) forward(peers []domain.PeerID, msg *domain.Message) ([]domain.PeerID, error) {
	var via []domain.PeerID
	var errs error
	for _, p := range peers {
		if err := b.carrier.Forward(p, msg); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("forward to %s: %w", p, err))
			continue
		}
		via = append(via, p)
	}
	return via, errs
}

// candidates are the neighbors that have not already seen msg.
func (b *Bridge) candidates(msg *domain.Message) []domain.PeerID {
	var out []domain.PeerID
	for _, n := range b.carrier.Neighbors() {
		if n == b.self || msg.Visited(n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func (b *Bridge) unreached(msg *domain.Message, targets, neighbors []domain.PeerID) []domain.PeerID {
	direct := make(map[domain.PeerID]bool, len(neighbors))
	for _, n := range neighbors {
		direct[n] = true
	}
	var out []domain.PeerID
	for _, t := range targets {
		if t == b.self || direct[t] || msg.Visited(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// BatchSize is how many entries one drain may attempt at tier.
func (b *Bridge) BatchSize(tier domain.QualityTier) int {
	if k, ok := b.cfg.BatchSize[tier]; ok && k > 0 {
		return k
	}
	return 1
}

// Interval is the drain cadence at tier.
func (b *Bridge) Interval(tier domain.QualityTier) time.Duration {
	if tier == domain.QualityCritical {
		return b.cfg.CriticalDrainInterval
	}
	return b.cfg.DrainInterval
}

func (b *Bridge) Depth() int     { return len(b.queue) }
func (b *Bridge) Exhausted() int { return b.exhausted }
func (b *Bridge) Relayed() int   { return b.relayed }

// Pending returns a copy of the queue entries.
func (b *Bridge) Pending() []domain.QueuedBridgeMessage {
	out := make([]domain.QueuedBridgeMessage, 0, len(b.queue))
	for _, e := range b.queue {
		out = append(out, *e)
	}
	return out
}
