package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	"crowdlink/pkg/tracing"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type LinkConfig struct {
	NegotiationTimeout time.Duration
	StallTimeout       time.Duration
	RetryDelay         time.Duration
}

func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		NegotiationTimeout: 15 * time.Second,
		StallTimeout:       6 * time.Second,
		RetryDelay:         10 * time.Second,
	}
}

// linkEvent is the input of the per-peer state machine. Every change to a
// link goes through LinkManager.transition.
type linkEvent interface{ linkEvent() }

type (
	evConnect struct{}
	evOffer   struct {
		sdp     string
		attempt uint64
	}
	evAnswer struct {
		sdp     string
		attempt uint64
	}
	evRemoteCandidate struct {
		candidate domain.Candidate
		attempt   uint64
	}
	evLocalCandidate struct {
		candidate domain.Candidate
		gen       uint64
	}
	evChannelOpen   struct{ gen uint64 }
	evChannelClosed struct{ gen uint64 }
	evChannelFailed struct {
		gen uint64
		err error
	}
	evChannelData struct {
		gen  uint64
		data []byte
	}
	evSendFailed struct{ err error }
	evTick       struct{ now time.Time }
	evDepart     struct{ reason string }
)

func (evConnect) linkEvent()         {}
func (evOffer) linkEvent()           {}
func (evAnswer) linkEvent()          {}
func (evRemoteCandidate) linkEvent() {}
func (evLocalCandidate) linkEvent()  {}
func (evChannelOpen) linkEvent()     {}
func (evChannelClosed) linkEvent()   {}
func (evChannelFailed) linkEvent()   {}
func (evChannelData) linkEvent()     {}
func (evSendFailed) linkEvent()      {}
func (evTick) linkEvent()            {}
func (evDepart) linkEvent()          {}

type pendingCandidate struct {
	candidate domain.Candidate
	attempt   uint64
}

type link struct {
	peer      domain.PeerID
	state     domain.LinkState
	initiator bool

	channel   ports.DirectChannel
	gen       uint64 // identifies the current channel; stale callbacks carry an older one
	attempt   uint64 // negotiation nonce shared with the remote side
	remoteSet bool
	pending   []pendingCandidate

	startedAt    time.Time
	lastProgress time.Time
	lastActivity time.Time
	failedAt     time.Time
	restarted    bool
	restarts     int
	failures     int
	trial        bool

	span trace.Span
}

// LinkObserver is told about every link state transition.
type LinkObserver func(peer domain.PeerID, from, to domain.LinkState)

// LinkManager negotiates and owns one direct channel per remote peer.
// It is not safe for concurrent use; the owning session serializes access
// and channel callbacks are posted back through post.
type LinkManager struct {
	self      domain.PeerID
	room      domain.RoomID
	cfg       LinkConfig
	clock     clock.Clock
	logger    *zap.SugaredLogger
	connector ports.PeerConnector
	breakers  ports.CircuitBreakers

	signal    func(env *domain.Envelope) error
	post      func(fn func())
	onData    func(peer domain.PeerID, data []byte)
	observers []LinkObserver

	links   map[domain.PeerID]*link
	nextGen uint64
}

func NewLinkManager(
	self domain.PeerID,
	room domain.RoomID,
	cfg LinkConfig,
	clk clock.Clock,
	connector ports.PeerConnector,
	breakers ports.CircuitBreakers,
	signal func(env *domain.Envelope) error,
	post func(fn func()),
	onData func(peer domain.PeerID, data []byte),
	logger *zap.SugaredLogger,
) *LinkManager {
	return &LinkManager{
		self:      self,
		room:      room,
		cfg:       cfg,
		clock:     clk,
		logger:    logger,
		connector: connector,
		breakers:  breakers,
		signal:    signal,
		post:      post,
		onData:    onData,
		links:     make(map[domain.PeerID]*link),
	}
}

// Observe registers fn for state transitions.
func (lm *LinkManager) Observe(fn LinkObserver) {
	lm.observers = append(lm.observers, fn)
}

// Connect starts negotiating with peer. Calling it again while a link is
// negotiating or established is a no-op.
func (lm *LinkManager) Connect(peer domain.PeerID) {
	if peer == lm.self || peer == "" {
		return
	}
	lm.transition(peer, evConnect{})
}

// Depart closes the link because the peer left or asked to disconnect.
func (lm *LinkManager) Depart(peer domain.PeerID, reason string) {
	lm.transition(peer, evDepart{reason: reason})
}

// Disconnect tells the remote side we are closing and closes the link.
func (lm *LinkManager) Disconnect(peer domain.PeerID) {
	if _, ok := lm.links[peer]; !ok {
		return
	}
	lm.sendSignal(&domain.Envelope{Kind: domain.KindPeerDisconnect, To: peer, Reason: "disconnect"})
	lm.transition(peer, evDepart{reason: "local disconnect"})
}

// Tick enforces negotiation timeouts, stall restarts and failed-link retries.
func (lm *LinkManager) Tick() {
	now := lm.clock.Now()
	for _, peer := range lm.peers() {
		lm.transition(peer, evTick{now: now})
	}
}

// HandleSignal applies a negotiation envelope received over the relay.
func (lm *LinkManager) HandleSignal(env *domain.Envelope) {
	if env.From == "" || env.From == lm.self {
		return
	}
	switch env.Kind {
	case domain.KindOffer:
		lm.transition(env.From, evOffer{sdp: env.SDP, attempt: env.Attempt})
	case domain.KindAnswer:
		lm.transition(env.From, evAnswer{sdp: env.SDP, attempt: env.Attempt})
	case domain.KindCandidate:
		if env.Candidate != nil {
			lm.transition(env.From, evRemoteCandidate{candidate: *env.Candidate, attempt: env.Attempt})
		}
	case domain.KindPeerDisconnect:
		lm.transition(env.From, evDepart{reason: "remote disconnect"})
	}
}

// Send writes data on the established channel to peer. It fails fast when the
// link is not established; the caller records the outcome with the breaker.
func (lm *LinkManager) Send(peer domain.PeerID, data []byte) error {
	l, ok := lm.links[peer]
	if !ok || l.state != domain.LinkEstablished || l.channel == nil {
		return domain.ErrLinkNotEstablished
	}
	if err := l.channel.Send(data); err != nil {
		if !l.channel.IsOpen() {
			lm.transition(peer, evSendFailed{err: err})
		}
		return fmt.Errorf("direct send to %s: %w", peer, err)
	}
	l.lastActivity = lm.clock.Now()
	return nil
}

// Teardown closes every link. Callbacks from the closed channels are ignored.
func (lm *LinkManager) Teardown() {
	for _, peer := range lm.peers() {
		lm.transition(peer, evDepart{reason: "teardown"})
	}
	lm.links = make(map[domain.PeerID]*link)
}

func (lm *LinkManager) State(peer domain.PeerID) domain.LinkState {
	if l, ok := lm.links[peer]; ok {
		return l.state
	}
	return domain.LinkIdle
}

func (lm *LinkManager) Established(peer domain.PeerID) bool {
	return lm.State(peer) == domain.LinkEstablished
}

// EstablishedPeers lists peers with an open channel, sorted.
func (lm *LinkManager) EstablishedPeers() []domain.PeerID {
	var out []domain.PeerID
	for peer, l := range lm.links {
		if l.state == domain.LinkEstablished {
			out = append(out, peer)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RTT returns the measured round trip of the channel to peer, if known.
func (lm *LinkManager) RTT(peer domain.PeerID) time.Duration {
	l, ok := lm.links[peer]
	if !ok || l.state != domain.LinkEstablished || l.channel == nil {
		return 0
	}
	rtt, ok := l.channel.RTT()
	if !ok {
		return 0
	}
	return rtt
}

// Snapshot returns the externally visible state of every link.
func (lm *LinkManager) Snapshot() map[domain.PeerID]domain.PeerLink {
	out := make(map[domain.PeerID]domain.PeerLink, len(lm.links))
	for peer, l := range lm.links {
		out[peer] = domain.PeerLink{
			PeerID:       peer,
			State:        l.state,
			Initiator:    l.initiator,
			LastActivity: l.lastActivity,
			Restarts:     l.restarts,
			Failures:     l.failures,
			RTT:          lm.RTT(peer),
		}
	}
	return out
}

// Sample implements ports.SignalSource from the channel round trips.
func (lm *LinkManager) Sample() (domain.LinkSample, bool) {
	var total time.Duration
	n := 0
	for peer := range lm.links {
		if rtt := lm.RTT(peer); rtt > 0 {
			total += rtt
			n++
		}
	}
	if n == 0 {
		return domain.LinkSample{}, false
	}
	return domain.LinkSample{Latency: total / time.Duration(n)}, true
}

func (lm *LinkManager) peers() []domain.PeerID {
	out := make([]domain.PeerID, 0, len(lm.links))
	for peer := range lm.links {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// transition is the single entry point of the link state machine.
func (lm *LinkManager) transition(peer domain.PeerID, ev linkEvent) {
	l, ok := lm.links[peer]
	if !ok {
		switch ev.(type) {
		case evConnect, evOffer:
			l = &link{
				peer:      peer,
				state:     domain.LinkIdle,
				initiator: domain.ElectInitiator(lm.self, peer),
			}
			lm.links[peer] = l
		default:
			return
		}
	}

	switch e := ev.(type) {
	case evConnect:
		lm.onConnect(l)
	case evOffer:
		lm.onOffer(l, e)
	case evAnswer:
		lm.onAnswer(l, e)
	case evRemoteCandidate:
		lm.onRemoteCandidate(l, e)
	case evLocalCandidate:
		if e.gen != l.gen || l.state != domain.LinkNegotiating {
			return
		}
		c := e.candidate
		lm.sendSignal(&domain.Envelope{Kind: domain.KindCandidate, To: l.peer, Candidate: &c, Attempt: l.attempt})
		l.lastProgress = lm.clock.Now()
	case evChannelOpen:
		if e.gen != l.gen || l.state != domain.LinkNegotiating {
			return
		}
		l.lastActivity = lm.clock.Now()
		l.restarted = false
		l.trial = false
		lm.breakers.RecordSuccess(domain.TransportDirect)
		lm.endSpan(l, nil)
		lm.setState(l, domain.LinkEstablished)
	case evChannelClosed:
		if e.gen != l.gen {
			return
		}
		lm.fail(l, errors.New("channel closed"), true)
	case evChannelFailed:
		if e.gen != l.gen {
			return
		}
		lm.fail(l, e.err, true)
	case evChannelData:
		if e.gen != l.gen || l.state != domain.LinkEstablished {
			return
		}
		l.lastActivity = lm.clock.Now()
		if lm.onData != nil {
			lm.onData(l.peer, e.data)
		}
	case evSendFailed:
		// the send outcome is recorded with the breaker by the caller
		lm.fail(l, e.err, false)
	case evTick:
		lm.onTick(l, e.now)
	case evDepart:
		lm.closeLink(l, e.reason)
	default:
		lm.logger.Warnw("unhandled link event", "peer_id", peer, "event", fmt.Sprintf("%T", ev))
	}
}

func (lm *LinkManager) onConnect(l *link) {
	switch l.state {
	case domain.LinkNegotiating, domain.LinkEstablished:
		return
	}
	if !l.initiator {
		// the responder waits for the offer
		return
	}
	if !lm.breakers.Ready(domain.TransportDirect) {
		lm.logger.Debugw("direct circuit open, not negotiating", "peer_id", l.peer)
		return
	}
	lm.begin(l)
}

// begin starts a fresh negotiation. The initiator sends an offer, the
// responder waits for one.
func (lm *LinkManager) begin(l *link) {
	now := lm.clock.Now()
	l.startedAt = now
	l.lastProgress = now
	l.restarted = false
	if l.span == nil {
		_, l.span = tracing.TraceNegotiation(context.Background(), string(l.peer), l.initiator)
	}
	lm.setState(l, domain.LinkNegotiating)

	if l.initiator {
		lm.offer(l)
	}
}

func (lm *LinkManager) offer(l *link) {
	if err := lm.openChannel(l); err != nil {
		lm.fail(l, err, true)
		return
	}
	l.attempt = l.gen

	sdp, err := l.channel.CreateOffer()
	if err != nil {
		lm.fail(l, fmt.Errorf("create offer: %w", err), true)
		return
	}
	if err := lm.sendSignal(&domain.Envelope{Kind: domain.KindOffer, To: l.peer, SDP: sdp, Attempt: l.attempt}); err != nil {
		lm.fail(l, fmt.Errorf("send offer: %w", err), true)
	}
}

func (lm *LinkManager) onOffer(l *link, e evOffer) {
	if l.initiator {
		lm.logger.Warnw("ignoring offer from peer that should answer", "peer_id", l.peer)
		return
	}
	if l.state == domain.LinkNegotiating && l.channel != nil && l.attempt == e.attempt {
		return
	}
	if l.state != domain.LinkNegotiating && !lm.breakers.Ready(domain.TransportDirect) {
		lm.logger.Debugw("direct circuit open, ignoring offer", "peer_id", l.peer)
		return
	}
	if l.state != domain.LinkNegotiating {
		lm.begin(l)
	}

	if err := lm.openChannel(l); err != nil {
		lm.fail(l, err, true)
		return
	}
	l.attempt = e.attempt

	answer, err := l.channel.HandleOffer(e.sdp)
	if err != nil {
		lm.fail(l, fmt.Errorf("handle offer: %w", err), true)
		return
	}
	l.remoteSet = true
	l.lastProgress = lm.clock.Now()
	lm.flushCandidates(l)

	if err := lm.sendSignal(&domain.Envelope{Kind: domain.KindAnswer, To: l.peer, SDP: answer, Attempt: l.attempt}); err != nil {
		lm.fail(l, fmt.Errorf("send answer: %w", err), true)
	}
}

func (lm *LinkManager) onAnswer(l *link, e evAnswer) {
	if !l.initiator || l.state != domain.LinkNegotiating || l.channel == nil || e.attempt != l.attempt || l.remoteSet {
		return
	}
	if err := l.channel.HandleAnswer(e.sdp); err != nil {
		lm.fail(l, fmt.Errorf("handle answer: %w", err), true)
		return
	}
	l.remoteSet = true
	l.lastProgress = lm.clock.Now()
	lm.flushCandidates(l)
}

func (lm *LinkManager) onRemoteCandidate(l *link, e evRemoteCandidate) {
	if l.state != domain.LinkNegotiating && l.state != domain.LinkEstablished {
		return
	}
	if l.channel == nil || !l.remoteSet || e.attempt != l.attempt {
		// may belong to an offer that has not arrived yet
		l.pending = append(l.pending, pendingCandidate{candidate: e.candidate, attempt: e.attempt})
		return
	}
	if err := l.channel.AddCandidate(e.candidate); err != nil {
		lm.logger.Debugw("failed to add remote candidate", "peer_id", l.peer, "error", err)
		return
	}
	l.lastProgress = lm.clock.Now()
}

func (lm *LinkManager) flushCandidates(l *link) {
	pending := l.pending
	l.pending = nil
	for _, pc := range pending {
		if pc.attempt != l.attempt {
			if pc.attempt > l.attempt {
				l.pending = append(l.pending, pc)
			}
			continue
		}
		if err := l.channel.AddCandidate(pc.candidate); err != nil {
			lm.logger.Debugw("failed to add buffered candidate", "peer_id", l.peer, "error", err)
		}
	}
}

func (lm *LinkManager) onTick(l *link, now time.Time) {
	switch l.state {
	case domain.LinkNegotiating:
		if now.Sub(l.startedAt) >= lm.cfg.NegotiationTimeout {
			lm.fail(l, fmt.Errorf("%w: timed out after %s", domain.ErrNegotiationFailed, lm.cfg.NegotiationTimeout), true)
			return
		}
		if now.Sub(l.lastProgress) < lm.cfg.StallTimeout {
			return
		}
		if l.restarted {
			lm.fail(l, fmt.Errorf("%w: stalled after restart", domain.ErrNegotiationFailed), true)
			return
		}
		lm.restart(l, now)

	case domain.LinkFailed:
		if !l.initiator || now.Sub(l.failedAt) < lm.cfg.RetryDelay {
			return
		}
		if !lm.breakers.Ready(domain.TransportDirect) {
			return
		}
		// claims the half-open trial when the circuit is recovering
		if !lm.breakers.ShouldAllow(domain.TransportDirect) {
			return
		}
		l.trial = true
		lm.logger.Debugw("retrying direct link", "peer_id", l.peer, "failures", l.failures)
		lm.begin(l)
	}
}

// restart replaces a stalled negotiation once.
func (lm *LinkManager) restart(l *link, now time.Time) {
	lm.logger.Infow("negotiation stalled, restarting", "peer_id", l.peer, "initiator", l.initiator)
	lm.dropChannel(l)
	l.restarted = true
	l.restarts++
	l.lastProgress = now
	if l.initiator {
		lm.offer(l)
	}
}

func (lm *LinkManager) fail(l *link, reason error, recordBreaker bool) {
	if l.state == domain.LinkClosed || l.state == domain.LinkFailed || l.state == domain.LinkIdle {
		return
	}
	lm.logger.Warnw("direct link failed",
		"peer_id", l.peer,
		"state", l.state,
		"error", reason,
	)
	lm.dropChannel(l)
	l.failures++
	l.failedAt = lm.clock.Now()
	l.pending = nil
	lm.endSpan(l, reason)
	if recordBreaker {
		lm.breakers.RecordFailure(domain.TransportDirect)
	} else {
		lm.releaseTrial(l)
	}
	l.trial = false
	lm.setState(l, domain.LinkFailed)
}

func (lm *LinkManager) closeLink(l *link, reason string) {
	if l.state == domain.LinkClosed {
		return
	}
	lm.logger.Debugw("closing direct link", "peer_id", l.peer, "reason", reason)
	lm.dropChannel(l)
	l.pending = nil
	lm.releaseTrial(l)
	lm.endSpan(l, nil)
	lm.setState(l, domain.LinkClosed)
}

// releaseTrial hands a claimed half-open trial back to the direct breaker
// when the link stops before its outcome is known.
func (lm *LinkManager) releaseTrial(l *link) {
	if !l.trial {
		return
	}
	l.trial = false
	lm.breakers.Release(domain.TransportDirect)
}

func (lm *LinkManager) openChannel(l *link) error {
	lm.dropChannel(l)

	lm.nextGen++
	gen := lm.nextGen
	peer := l.peer

	events := ports.ChannelEvents{
		OnCandidate: func(c domain.Candidate) {
			lm.post(func() { lm.transition(peer, evLocalCandidate{candidate: c, gen: gen}) })
		},
		OnOpen: func() {
			lm.post(func() { lm.transition(peer, evChannelOpen{gen: gen}) })
		},
		OnMessage: func(data []byte) {
			lm.post(func() { lm.transition(peer, evChannelData{gen: gen, data: data}) })
		},
		OnClose: func() {
			lm.post(func() { lm.transition(peer, evChannelClosed{gen: gen}) })
		},
		OnFailure: func(err error) {
			lm.post(func() { lm.transition(peer, evChannelFailed{gen: gen, err: err}) })
		},
	}

	ch, err := lm.connector.NewChannel(peer, l.initiator, events)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	l.channel = ch
	l.gen = gen
	l.remoteSet = false
	return nil
}

// dropChannel closes the current channel and invalidates its callbacks.
func (lm *LinkManager) dropChannel(l *link) {
	if l.channel == nil {
		return
	}
	ch := l.channel
	l.channel = nil
	l.remoteSet = false
	lm.nextGen++
	l.gen = lm.nextGen
	if err := ch.Close(); err != nil {
		lm.logger.Debugw("error closing channel", "peer_id", l.peer, "error", err)
	}
}

func (lm *LinkManager) setState(l *link, to domain.LinkState) {
	from := l.state
	if from == to {
		return
	}
	l.state = to
	lm.logger.Debugw("link state changed", "peer_id", l.peer, "from", from, "to", to)
	for _, fn := range lm.observers {
		fn(l.peer, from, to)
	}
}

func (lm *LinkManager) endSpan(l *link, err error) {
	if l.span == nil {
		return
	}
	if err != nil {
		l.span.RecordError(err)
		l.span.SetStatus(codes.Error, err.Error())
	}
	l.span.End()
	l.span = nil
}

func (lm *LinkManager) sendSignal(env *domain.Envelope) error {
	env.RoomID = lm.room
	env.From = lm.self
	env.SentAt = lm.clock.Now()
	if err := lm.signal(env); err != nil {
		lm.logger.Debugw("failed to send signal", "kind", env.Kind, "to", env.To, "error", err)
		return err
	}
	return nil
}
