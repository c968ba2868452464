package services

import (
	"context"
	"math/rand/v2"
	"sort"
	"sync/atomic"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	"crowdlink/pkg/config"
	"crowdlink/pkg/retry"
	"crowdlink/pkg/tracing"
	"crowdlink/pkg/utils"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const maxDisplayNameLength = 64

type SessionConfig struct {
	Room           domain.RoomID
	Self           domain.PeerID
	DisplayName    string
	Preference     domain.RouteMode
	BridgeAlways   bool
	DedupCapacity  int
	LowLatency     time.Duration
	HighLatency    time.Duration
	TickInterval   time.Duration
	SampleInterval time.Duration
	AdjacencyTTL   time.Duration
	Links          LinkConfig
	Bridge         BridgeConfig
}

// NewSessionConfig maps the loaded configuration onto a session.
func NewSessionConfig(cfg *config.Config) (SessionConfig, error) {
	mode, err := domain.ParseRouteMode(cfg.Session.RoutePreference)
	if err != nil {
		return SessionConfig{}, err
	}

	bridge := BridgeConfig{
		MaxHops:         cfg.Bridge.MaxHops,
		Backoff:         retry.Schedule(cfg.Bridge.Backoff),
		MaxAttemptsHigh: cfg.Bridge.MaxAttemptsHigh,
		MaxAttempts:     cfg.Bridge.MaxAttempts,
		TTL: map[domain.Priority]time.Duration{
			domain.PriorityHigh:   cfg.Bridge.TTLHigh,
			domain.PriorityNormal: cfg.Bridge.TTLNormal,
			domain.PriorityLow:    cfg.Bridge.TTLLow,
		},
		BatchSize:             make(map[domain.QualityTier]int, len(cfg.Bridge.BatchSize)),
		FanoutProbability:     make(map[domain.QualityTier]float64, len(cfg.Bridge.FanoutProbability)),
		MinReliableNeighbors:  cfg.Bridge.MinReliableNeighbors,
		DrainInterval:         cfg.Bridge.DrainInterval,
		CriticalDrainInterval: cfg.Bridge.CriticalDrainInterval,
	}
	for tier, k := range cfg.Bridge.BatchSize {
		bridge.BatchSize[domain.QualityTier(tier)] = k
	}
	for tier, p := range cfg.Bridge.FanoutProbability {
		bridge.FanoutProbability[domain.QualityTier(tier)] = p
	}

	return SessionConfig{
		Room:           domain.RoomID(cfg.Session.RoomID),
		Self:           domain.PeerID(cfg.Session.PeerID),
		DisplayName:    cfg.Session.DisplayName,
		Preference:     mode,
		BridgeAlways:   cfg.Bridge.AlwaysEnabled,
		DedupCapacity:  cfg.Dedup.Capacity,
		LowLatency:     cfg.Links.LowLatency,
		HighLatency:    cfg.Links.HighLatency,
		TickInterval:   cfg.Links.CheckInterval,
		SampleInterval: cfg.Monitor.SampleInterval,
		AdjacencyTTL:   cfg.Monitor.AdjacencyTTL,
		Links: LinkConfig{
			NegotiationTimeout: cfg.Links.NegotiationTimeout,
			StallTimeout:       cfg.Links.StallTimeout,
			RetryDelay:         cfg.Links.RetryDelay,
		},
		Bridge: bridge,
	}, nil
}

// SessionDeps are the collaborators a session is wired with. Clock, Rand,
// Metrics and Sources are optional.
type SessionDeps struct {
	Relay     ports.RelayTransport
	Connector ports.PeerConnector
	Breakers  ports.CircuitBreakers
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
	Metrics   ports.SessionMetrics
	Rand      *rand.Rand
	Sources   []ports.SignalSource
}

// Session is one peer's membership in a chat room. Every piece of mutable
// state is owned by the executor; public methods enter it with Do and
// transport callbacks with Post.
type Session struct {
	cfg      SessionConfig
	relay    ports.RelayTransport
	breakers ports.CircuitBreakers
	clock    clock.Clock
	logger   *zap.SugaredLogger
	metrics  ports.SessionMetrics

	exec     executor
	epoch    atomic.Uint64
	links    *LinkManager
	selector *RouteSelector
	monitor  *NetworkMonitor
	dedup    *Deduplicator
	bridge   *Bridge
	topology *Topology

	members        map[domain.PeerID]bool
	preference     domain.RouteMode
	sequence       uint64
	relayConnected bool
	reconnecting   bool
	closed         bool
	duplicates     int
	lastSample     time.Time
	lastDrain      time.Time

	nextHandler      int
	messageHandlers  map[int]func(*domain.Message)
	deliveryHandlers map[int]func(domain.DeliveryReport)
}

var _ ports.SessionController = (*Session)(nil)

func NewSession(cfg SessionConfig, deps SessionDeps) *Session {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.Preference == "" {
		cfg.Preference = domain.RouteAuto
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	cfg.DisplayName = utils.TruncateRunes(utils.NormalizeText(cfg.DisplayName), maxDisplayNameLength)

	logger := deps.Logger.With("room_id", cfg.Room, "peer_id", cfg.Self)

	s := &Session{
		cfg:              cfg,
		relay:            deps.Relay,
		breakers:         deps.Breakers,
		clock:            clk,
		logger:           logger,
		metrics:          metrics,
		members:          make(map[domain.PeerID]bool),
		preference:       cfg.Preference,
		lastSample:       clk.Now(),
		lastDrain:        clk.Now(),
		messageHandlers:  make(map[int]func(*domain.Message)),
		deliveryHandlers: make(map[int]func(domain.DeliveryReport)),
	}

	s.links = NewLinkManager(cfg.Self, cfg.Room, cfg.Links, clk, deps.Connector, deps.Breakers,
		s.signal,
		s.post,
		func(peer domain.PeerID, data []byte) {
			// handled after the current transition completes
			s.exec.Post(func() { s.handleDirect(peer, data) })
		},
		logger.Named("links"),
	)
	s.links.Observe(s.onLinkState)

	s.selector = NewRouteSelector(deps.Breakers, cfg.LowLatency, cfg.HighLatency)
	s.dedup = NewDeduplicator(cfg.Self, cfg.DedupCapacity)
	s.topology = NewTopology(cfg.AdjacencyTTL, clk)
	s.bridge = NewBridge(cfg.Self, cfg.Bridge, sessionCarrier{s}, s.topology, clk, logger.Named("bridge"), deps.Rand)

	s.monitor = NewNetworkMonitor(clk, logger.Named("monitor"), s.links)
	if src, ok := deps.Relay.(ports.SignalSource); ok {
		s.monitor.AddSource(src)
	}
	for _, src := range deps.Sources {
		s.monitor.AddSource(src)
	}
	s.monitor.SetHeuristics(func() (bool, int) {
		return s.relayConnected, len(s.links.EstablishedPeers())
	})
	s.monitor.OnTierChange(func(prev, next domain.NetworkCondition) {
		// re-evaluate transports under the new weighting
		s.selector.Reset()
	})

	return s
}

// Start registers the relay callbacks and connects.
func (s *Session) Start(ctx context.Context) error {
	s.relay.OnMessage(func(env *domain.Envelope) {
		s.exec.Post(func() { s.handleRelay(env) })
	})
	s.relay.OnStateChange(func(connected bool, reason string) {
		s.post(func() { s.onRelayState(connected, reason) })
	})
	s.logger.Infow("joining room", "route_preference", s.cfg.Preference)
	return s.relay.Connect(ctx)
}

// Run drives the periodic work until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick checks link timers, samples the network on its cadence and drains the
// bridge queue when due.
func (s *Session) Tick() {
	s.exec.Do(func() {
		if s.closed {
			return
		}
		now := s.clock.Now()
		s.links.Tick()

		if now.Sub(s.lastSample) >= s.cfg.SampleInterval {
			s.sample(now)
		}
		if s.bridge.Depth() > 0 && now.Sub(s.lastDrain) >= s.bridge.Interval(s.monitor.Tier()) {
			s.drainBridge()
		}
	})
}

func (s *Session) SendMessage(ctx context.Context, content string) (domain.MessageID, error) {
	return s.SendMessageWithPriority(ctx, content, domain.PriorityNormal)
}

// SendMessageWithPriority sends content to the room. Transport failures are
// never returned; the outcome is reported through OnDelivery.
func (s *Session) SendMessageWithPriority(ctx context.Context, content string, priority domain.Priority) (domain.MessageID, error) {
	content = utils.NormalizeText(content)
	if content == "" {
		return "", domain.ErrEmptyContent
	}

	var id domain.MessageID
	var err error
	s.exec.Do(func() {
		if s.closed {
			err = domain.ErrSessionClosed
			return
		}
		s.sequence++
		msg := &domain.Message{
			ID:                domain.MessageID(utils.NewMessageID()),
			Content:           content,
			SenderID:          s.cfg.Self,
			SenderDisplayName: s.cfg.DisplayName,
			Timestamp:         s.clock.Now(),
			RoomID:            s.cfg.Room,
			Sequence:          s.sequence,
			Priority:          priority,
		}
		id = msg.ID
		s.dedup.MarkOwn(msg.ID)
		s.dispatch(ctx, msg, priority)
	})
	return id, err
}

// dispatch routes msg to every known member and reports the outcome.
func (s *Session) dispatch(ctx context.Context, msg *domain.Message, priority domain.Priority) {
	ctx, span := tracing.TraceSend(ctx, string(s.cfg.Room), string(msg.ID))
	defer span.End()

	tier := s.monitor.Tier()
	tracing.Annotate(ctx, tracing.TierKey.String(string(tier)))
	relayWanted, recordRelay, bridgeWanted := false, false, false
	var directOK, relayOnly int
	var directFailed bool
	var directBackup []domain.PeerID

	peers := s.memberList()
	if len(peers) == 0 {
		relayWanted = true
		recordRelay = s.relayConnected
	}

	payload, err := domain.EncodeEnvelope(&domain.Envelope{Kind: domain.KindChat, RoomID: s.cfg.Room, From: s.cfg.Self, Message: msg})
	if err != nil {
		s.logger.Errorw("failed to encode message", "message_id", msg.ID, "error", err)
		return
	}

	routes := make(map[string]int)
	for _, peer := range peers {
		route := s.selector.Select(RouteInput{
			Peer:            peer,
			Preference:      s.preference,
			LinkEstablished: s.links.Established(peer),
			LinkRTT:         s.links.RTT(peer),
			RelayConnected:  s.relayConnected,
			Tier:            tier,
			BridgeAlways:    s.cfg.BridgeAlways,
		})
		routes[route.String()]++
		if route.Bridge {
			bridgeWanted = true
		}

		if route.None {
			relayWanted = true
			continue
		}

		switch route.Primary {
		case domain.TransportRelay:
			relayWanted, recordRelay = true, true
			if route.Backup == domain.TransportDirect {
				directBackup = append(directBackup, peer)
			} else {
				relayOnly++
			}
		case domain.TransportDirect:
			if s.sendDirect(peer, payload) {
				directOK++
				continue
			}
			directFailed = true
			bridgeWanted = true
			// fall back to the relay for this peer when it is usable
			if route.Backup == domain.TransportRelay || (s.relayConnected && s.breakers.Ready(domain.TransportRelay)) {
				relayWanted, recordRelay = true, true
			}
		}
	}

	relayOK := false
	if relayWanted {
		relayOK = s.sendRelay(ctx, &domain.Envelope{Kind: domain.KindChat, Message: msg}, recordRelay)
	}
	if relayWanted && !relayOK {
		if relayOnly > 0 || len(peers) == 0 {
			bridgeWanted = true
		}
		// mesh backup for peers whose primary was the relay
		for _, peer := range directBackup {
			if s.sendDirect(peer, payload) {
				directOK++
				continue
			}
			directFailed = true
			bridgeWanted = true
		}
	}

	var via []domain.TransportKind
	if directOK > 0 {
		via = append(via, domain.TransportDirect)
	}
	if relayOK {
		via = append(via, domain.TransportRelay)
	}

	for route, n := range routes {
		s.metrics.MessageSent(route)
		span.SetAttributes(attribute.Int("route."+route, n))
	}

	if bridgeWanted && len(peers) > 0 {
		if s.bridge.Enqueue(msg, priority) {
			s.metrics.SetBridgeQueueDepth(s.bridge.Depth())
			s.logger.Debugw("message handed to bridge",
				"message_id", msg.ID,
				"tier", tier,
				"direct_failed", directFailed,
			)
		}
	}

	switch {
	case len(via) > 0:
		s.report(msg.ID, domain.DeliverySent, via)
	case bridgeWanted:
		s.report(msg.ID, domain.DeliveryQueued, nil)
	}

	if bridgeWanted && len(peers) > 0 {
		s.drainBridge()
	}
}

func (s *Session) sendDirect(peer domain.PeerID, payload []byte) bool {
	if err := s.links.Send(peer, payload); err != nil {
		s.breakers.RecordFailure(domain.TransportDirect)
		s.logger.Debugw("direct send failed", "to", peer, "error", err)
		return false
	}
	s.breakers.RecordSuccess(domain.TransportDirect)
	return true
}

// sendRelay writes env to the relay. Outcomes are fed to the breaker only when
// the relay was selected, not for best-effort sends.
func (s *Session) sendRelay(ctx context.Context, env *domain.Envelope, record bool) bool {
	env.RoomID = s.cfg.Room
	env.From = s.cfg.Self
	env.SentAt = s.clock.Now()

	err := s.relay.Send(ctx, env)
	if record {
		if err != nil {
			s.breakers.RecordFailure(domain.TransportRelay)
		} else {
			s.breakers.RecordSuccess(domain.TransportRelay)
		}
	}
	if err != nil {
		s.logger.Debugw("relay send failed", "kind", env.Kind, "error", err)
		return false
	}
	return true
}

// signal carries negotiation envelopes for the link manager.
func (s *Session) signal(env *domain.Envelope) error {
	if !s.relayConnected {
		return domain.ErrTransportUnavailable
	}
	return s.relay.Send(context.Background(), env)
}

// post queues fn unless a forced reconnect happens first.
func (s *Session) post(fn func()) {
	epoch := s.epoch.Load()
	s.exec.Post(func() {
		if s.epoch.Load() != epoch {
			return
		}
		fn()
	})
}

func (s *Session) handleRelay(env *domain.Envelope) {
	if s.closed || env == nil {
		return
	}
	if env.RoomID != "" && env.RoomID != s.cfg.Room {
		return
	}
	if env.To != "" && env.To != s.cfg.Self {
		return
	}

	switch env.Kind {
	case domain.KindChat:
		s.receive(env.Message, domain.TransportRelay)
	case domain.KindBridge:
		s.receiveBridge(env.Message, env.From, domain.TransportRelay)
	case domain.KindOffer, domain.KindAnswer, domain.KindCandidate, domain.KindPeerDisconnect:
		s.links.HandleSignal(env)
	case domain.KindPeers:
		s.syncMembers(env.Peers)
	case domain.KindPeerJoined:
		s.addMember(env.From)
	case domain.KindPeerLeft:
		s.removeMember(env.From)
	case domain.KindAdjacency:
		if env.From != s.cfg.Self {
			s.topology.Update(env.From, env.Links)
		}
	case domain.KindError:
		s.logger.Warnw("relay reported an error", "code", env.Code, "reason", env.Reason)
	default:
		s.logger.Debugw("ignoring relay envelope", "kind", env.Kind)
	}
}

func (s *Session) handleDirect(peer domain.PeerID, data []byte) {
	if s.closed {
		return
	}
	env, err := domain.DecodeEnvelope(data)
	if err != nil {
		s.logger.Debugw("dropping malformed direct payload", "from", peer, "error", err)
		return
	}
	switch env.Kind {
	case domain.KindChat:
		s.receive(env.Message, domain.TransportDirect)
	case domain.KindBridge:
		s.receiveBridge(env.Message, peer, domain.TransportDirect)
	default:
		s.logger.Debugw("ignoring direct envelope", "from", peer, "kind", env.Kind)
	}
}

// receive runs msg through the deduplicator and hands new messages to the
// subscribers. It reports whether msg was new.
func (s *Session) receive(msg *domain.Message, transport domain.TransportKind) bool {
	if msg == nil || msg.ID == "" || msg.SenderID == "" {
		return false
	}
	if msg.RoomID != "" && msg.RoomID != s.cfg.Room {
		return false
	}

	if verdict := s.dedup.Accept(msg); verdict != Accepted {
		s.duplicates++
		s.metrics.DuplicateDropped(verdict.String())
		s.logger.Debugw("dropping duplicate message",
			"message_id", msg.ID,
			"sender_id", msg.SenderID,
			"transport", transport,
			"verdict", verdict.String(),
		)
		return false
	}

	s.metrics.MessageReceived(transport)
	handlers := make([]func(*domain.Message), 0, len(s.messageHandlers))
	for _, id := range sortedKeys(s.messageHandlers) {
		handlers = append(handlers, s.messageHandlers[id])
	}
	delivered := msg.Clone()
	s.exec.Defer(func() {
		for _, h := range handlers {
			h(delivered.Clone())
		}
	})
	return true
}

// receiveBridge delivers a bridged copy and passes it on toward peers the
// previous hop could not reach. A copy that is a duplicate for delivery may
// still be the first bridge copy seen here.
func (s *Session) receiveBridge(msg *domain.Message, from domain.PeerID, transport domain.TransportKind) {
	if msg == nil || msg.ID == "" {
		return
	}
	s.receive(msg, transport)
	if via := s.bridge.Relay(msg, from); len(via) > 0 {
		s.logger.Debugw("relayed bridge message",
			"message_id", msg.ID,
			"from", from,
			"hops", msg.Hops()+1,
			"to", via,
		)
	}
}

func (s *Session) drainBridge() {
	s.lastDrain = s.clock.Now()
	for _, res := range s.bridge.Drain(s.monitor.Tier(), s.memberList()) {
		s.metrics.BridgeOutcome(res.Status)
		var via []domain.TransportKind
		if res.Status == domain.DeliveryBridged {
			via = []domain.TransportKind{domain.TransportDirect}
		}
		s.report(res.MessageID, res.Status, via)
	}
	s.metrics.SetBridgeQueueDepth(s.bridge.Depth())
}

func (s *Session) sample(now time.Time) {
	s.lastSample = now
	s.topology.Purge()
	cond := s.monitor.Sample()
	s.metrics.SetNetworkCondition(cond)

	if s.relayConnected {
		s.sendRelay(context.Background(), &domain.Envelope{
			Kind:  domain.KindAdjacency,
			Links: s.links.EstablishedPeers(),
		}, false)
	}
}

func (s *Session) onRelayState(connected bool, reason string) {
	if s.closed {
		return
	}
	s.relayConnected = connected
	if connected {
		s.reconnecting = false
		s.logger.Infow("relay connected")
		return
	}

	s.logger.Warnw("relay disconnected", "reason", reason)
	if !s.reconnecting {
		s.breakers.RecordFailure(domain.TransportRelay)
	}
}

func (s *Session) onLinkState(peer domain.PeerID, from, to domain.LinkState) {
	s.monitor.RecordLinkState(peer, to)

	counts := make(map[domain.LinkState]int)
	for _, l := range s.links.Snapshot() {
		counts[l.State]++
	}
	s.metrics.SetLinkStates(counts)

	if to == domain.LinkFailed && !s.members[peer] {
		// no longer in the room, do not keep retrying
		s.exec.Post(func() {
			s.links.Depart(peer, "peer gone")
			s.selector.Forget(peer)
		})
	}
}

func (s *Session) syncMembers(peers []domain.PeerID) {
	present := make(map[domain.PeerID]bool, len(peers))
	for _, p := range peers {
		if p != s.cfg.Self && p != "" {
			present[p] = true
		}
	}
	for p := range s.members {
		if !present[p] {
			s.removeMember(p)
		}
	}
	for _, p := range sortedPeers(present) {
		s.addMember(p)
	}
}

func (s *Session) addMember(peer domain.PeerID) {
	if peer == "" || peer == s.cfg.Self {
		return
	}
	if !s.members[peer] {
		s.logger.Infow("peer joined", "remote_peer_id", peer)
		// a rejoining peer may have restarted its sequence
		s.dedup.ForgetSender(peer)
	}
	s.members[peer] = true
	s.links.Connect(peer)
}

// removeMember handles a relay presence departure. An established direct
// link outlives the peer's relay connection; it goes away on its own
// peer_disconnect or channel close.
func (s *Session) removeMember(peer domain.PeerID) {
	if !s.members[peer] {
		return
	}
	delete(s.members, peer)
	s.topology.Remove(peer)
	if s.links.Established(peer) {
		s.logger.Infow("peer left relay, keeping direct link", "remote_peer_id", peer)
		return
	}
	s.links.Depart(peer, "peer left")
	s.selector.Forget(peer)
	s.logger.Infow("peer left", "remote_peer_id", peer)
}

// memberList is every peer the session can address: relay members plus
// peers reachable only over a surviving direct link.
func (s *Session) memberList() []domain.PeerID {
	all := make(map[domain.PeerID]bool, len(s.members))
	for p := range s.members {
		all[p] = true
	}
	for _, p := range s.links.EstablishedPeers() {
		all[p] = true
	}
	return sortedPeers(all)
}

func (s *Session) report(id domain.MessageID, status domain.DeliveryStatus, via []domain.TransportKind) {
	if len(s.deliveryHandlers) == 0 {
		return
	}
	rep := domain.DeliveryReport{MessageID: id, Status: status, Via: via, At: s.clock.Now()}
	handlers := make([]func(domain.DeliveryReport), 0, len(s.deliveryHandlers))
	for _, hid := range sortedKeys(s.deliveryHandlers) {
		handlers = append(handlers, s.deliveryHandlers[hid])
	}
	s.exec.Defer(func() {
		for _, h := range handlers {
			h(rep)
		}
	})
}

// OnMessage subscribes handler to accepted messages. Handlers run outside
// the executor and may call back into the session.
func (s *Session) OnMessage(handler func(msg *domain.Message)) func() {
	var id int
	s.exec.Do(func() {
		s.nextHandler++
		id = s.nextHandler
		s.messageHandlers[id] = handler
	})
	return func() {
		s.exec.Do(func() { delete(s.messageHandlers, id) })
	}
}

// OnDelivery subscribes handler to delivery reports for own messages.
func (s *Session) OnDelivery(handler func(rep domain.DeliveryReport)) func() {
	var id int
	s.exec.Do(func() {
		s.nextHandler++
		id = s.nextHandler
		s.deliveryHandlers[id] = handler
	})
	return func() {
		s.exec.Do(func() { delete(s.deliveryHandlers, id) })
	}
}

func (s *Session) GetStatus() ports.Status {
	var st ports.Status
	s.exec.Do(func() {
		established := len(s.links.EstablishedPeers())
		tier := s.monitor.Tier()
		st = ports.Status{
			Connected: s.relayConnected || established > 0,
			PeerCount: len(s.memberList()),
			Route:     s.summarizeRoute(tier),
			Quality:   tier,
		}
		st.Degraded = !st.Connected || tier.Degraded()
	})
	return st
}

// summarizeRoute names the route most recipients would currently get.
func (s *Session) summarizeRoute(tier domain.QualityTier) string {
	peers := s.memberList()
	if len(peers) == 0 {
		if s.relayConnected && s.breakers.Ready(domain.TransportRelay) {
			return string(domain.TransportRelay)
		}
		return domain.Route{None: true}.String()
	}

	counts := make(map[string]int)
	for _, peer := range peers {
		route := s.selector.Peek(RouteInput{
			Peer:            peer,
			Preference:      s.preference,
			LinkEstablished: s.links.Established(peer),
			LinkRTT:         s.links.RTT(peer),
			RelayConnected:  s.relayConnected,
			Tier:            tier,
			BridgeAlways:    s.cfg.BridgeAlways,
		})
		counts[route.String()]++
	}

	best, bestN := "", -1
	for route, n := range counts {
		if n > bestN || (n == bestN && route < best) {
			best, bestN = route, n
		}
	}
	return best
}

// ForceReconnect drops every link, clears breaker and dedup state and has
// the relay redial. Queued bridge messages survive.
func (s *Session) ForceReconnect(ctx context.Context) error {
	var err error
	s.exec.Do(func() {
		if s.closed {
			err = domain.ErrSessionClosed
			return
		}
		s.epoch.Add(1)
		s.reconnecting = true
		s.links.Teardown()
		s.breakers.Reset()
		s.dedup.Reset()
		s.selector.Reset()
		s.topology.Clear()
		for p := range s.members {
			delete(s.members, p)
		}
		s.logger.Infow("forced reconnect", "bridge_queue_depth", s.bridge.Depth())
	})
	if err != nil {
		return err
	}
	s.relay.Reconnect()
	return nil
}

func (s *Session) SetRoutePreference(mode domain.RouteMode) {
	s.exec.Do(func() {
		if s.preference == mode {
			return
		}
		s.logger.Infow("route preference changed", "from", s.preference, "to", mode)
		s.preference = mode
		s.selector.Reset()
	})
}

func (s *Session) Diagnostics() ports.Diagnostics {
	var d ports.Diagnostics
	s.exec.Do(func() {
		d = ports.Diagnostics{
			Circuits:          s.breakers.Views(),
			BridgeQueueDepth:  s.bridge.Depth(),
			BridgeExhausted:   s.bridge.Exhausted(),
			DuplicatesDropped: s.duplicates,
			Links:             s.links.Snapshot(),
			Condition:         s.monitor.Condition(),
			RoutePreference:   s.preference,
		}
	})
	return d
}

func (s *Session) Self() domain.PeerID { return s.cfg.Self }
func (s *Session) Room() domain.RoomID { return s.cfg.Room }

// Close says goodbye to linked peers and releases the relay.
func (s *Session) Close() error {
	var already bool
	s.exec.Do(func() {
		if s.closed {
			already = true
			return
		}
		for _, peer := range s.links.EstablishedPeers() {
			s.links.Disconnect(peer)
		}
		s.links.Teardown()
		s.closed = true
		s.epoch.Add(1)
	})
	if already {
		return nil
	}

	var errs error
	errs = multierr.Append(errs, s.relay.Close())
	s.logger.Infow("left room", "error", errs)
	return errs
}

// sessionCarrier lets the bridge use the session's direct links.
type sessionCarrier struct{ s *Session }

func (c sessionCarrier) Neighbors() []domain.PeerID {
	if !c.s.breakers.Ready(domain.TransportDirect) {
		return nil
	}
	return c.s.links.EstablishedPeers()
}

func (c sessionCarrier) RTT(peer domain.PeerID) time.Duration {
	return c.s.links.RTT(peer)
}

func (c sessionCarrier) Forward(peer domain.PeerID, msg *domain.Message) error {
	payload, err := domain.EncodeEnvelope(&domain.Envelope{
		Kind:    domain.KindBridge,
		RoomID:  c.s.cfg.Room,
		From:    c.s.cfg.Self,
		To:      peer,
		Message: msg,
		SentAt:  c.s.clock.Now(),
	})
	if err != nil {
		return err
	}
	return c.s.links.Send(peer, payload)
}

func sortedPeers(set map[domain.PeerID]bool) []domain.PeerID {
	out := make([]domain.PeerID, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

type nopMetrics struct{}

func (nopMetrics) MessageSent(string)                          {}
func (nopMetrics) MessageReceived(domain.TransportKind)        {}
func (nopMetrics) DuplicateDropped(string)                     {}
func (nopMetrics) BridgeOutcome(domain.DeliveryStatus)         {}
func (nopMetrics) SetBridgeQueueDepth(int)                     {}
func (nopMetrics) SetLinkStates(map[domain.LinkState]int)      {}
func (nopMetrics) SetNetworkCondition(domain.NetworkCondition) {}
