package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
)

var errChannelClosed = errors.New("channel closed")

// fakeNet pairs the channels that two fake connectors create for each other.
// With autoOpen set, a channel pair opens as soon as the initiator applies
// the answer, unless the path between the two peers is blocked.
type fakeNet struct {
	mu       sync.Mutex
	channels map[[2]domain.PeerID]*fakeChannel
	blocked  map[[2]domain.PeerID]bool
	autoOpen bool
	rtt      time.Duration
}

func newFakeNet(autoOpen bool) *fakeNet {
	return &fakeNet{
		channels: make(map[[2]domain.PeerID]*fakeChannel),
		blocked:  make(map[[2]domain.PeerID]bool),
		autoOpen: autoOpen,
		rtt:      40 * time.Millisecond,
	}
}

func (n *fakeNet) connector(self domain.PeerID) *fakeConnector {
	return &fakeConnector{net: n, self: self}
}

// Block makes negotiation between a and b never complete and closes any open
// channel between them.
func (n *fakeNet) Block(a, b domain.PeerID) {
	n.mu.Lock()
	n.blocked[[2]domain.PeerID{a, b}] = true
	n.blocked[[2]domain.PeerID{b, a}] = true
	ch := n.channels[[2]domain.PeerID{a, b}]
	n.mu.Unlock()

	if ch != nil {
		ch.drop()
	}
}

func (n *fakeNet) isBlocked(a, b domain.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blocked[[2]domain.PeerID{a, b}]
}

func (n *fakeNet) remote(ch *fakeChannel) *fakeChannel {
	n.mu.Lock()
	defer n.mu.Unlock()
	other := n.channels[[2]domain.PeerID{ch.peer, ch.owner}]
	if other == nil || other.closed {
		return nil
	}
	return other
}

type fakeConnector struct {
	net      *fakeNet
	self     domain.PeerID
	err      error
	mu       sync.Mutex
	channels []*fakeChannel
}

func (c *fakeConnector) NewChannel(peer domain.PeerID, initiator bool, events ports.ChannelEvents) (ports.DirectChannel, error) {
	if c.err != nil {
		return nil, c.err
	}
	ch := &fakeChannel{
		net:       c.net,
		owner:     c.self,
		peer:      peer,
		initiator: initiator,
		events:    events,
	}
	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()

	c.net.mu.Lock()
	c.net.channels[[2]domain.PeerID{c.self, peer}] = ch
	c.net.mu.Unlock()
	return ch, nil
}

func (c *fakeConnector) last() *fakeChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

func (c *fakeConnector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

type fakeChannel struct {
	net       *fakeNet
	owner     domain.PeerID
	peer      domain.PeerID
	initiator bool
	events    ports.ChannelEvents

	mu         sync.Mutex
	offers     int
	remoteSDP  string
	candidates []domain.Candidate
	sent       [][]byte
	attempts   int
	open       bool
	closed     bool
	sendErr    error
}

func (ch *fakeChannel) CreateOffer() (string, error) {
	ch.mu.Lock()
	ch.offers++
	n := ch.offers
	ch.mu.Unlock()
	return fmt.Sprintf("offer-%s-%d", ch.owner, n), nil
}

func (ch *fakeChannel) HandleOffer(sdp string) (string, error) {
	ch.mu.Lock()
	ch.remoteSDP = sdp
	ch.mu.Unlock()
	return "answer-" + string(ch.owner), nil
}

func (ch *fakeChannel) HandleAnswer(sdp string) error {
	ch.mu.Lock()
	ch.remoteSDP = sdp
	ch.mu.Unlock()

	if !ch.net.autoOpen || ch.net.isBlocked(ch.owner, ch.peer) {
		return nil
	}
	other := ch.net.remote(ch)
	if other == nil {
		return nil
	}
	ch.setOpen()
	other.setOpen()
	return nil
}

func (ch *fakeChannel) AddCandidate(c domain.Candidate) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.candidates = append(ch.candidates, c)
	return nil
}

func (ch *fakeChannel) Send(data []byte) error {
	ch.mu.Lock()
	ch.attempts++
	if ch.sendErr != nil {
		err := ch.sendErr
		ch.mu.Unlock()
		return err
	}
	if !ch.open {
		ch.mu.Unlock()
		return errChannelClosed
	}
	ch.sent = append(ch.sent, data)
	ch.mu.Unlock()

	if other := ch.net.remote(ch); other != nil && other.IsOpen() {
		other.events.OnMessage(data)
	}
	return nil
}

func (ch *fakeChannel) IsOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.open
}

func (ch *fakeChannel) RTT() (time.Duration, bool) {
	if !ch.IsOpen() {
		return 0, false
	}
	return ch.net.rtt, true
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	wasOpen := ch.open
	ch.open = false
	ch.closed = true
	ch.mu.Unlock()

	if wasOpen {
		if other := ch.net.remote(ch); other != nil {
			other.drop()
		}
	}
	return nil
}

// setOpen marks the channel open and reports it.
func (ch *fakeChannel) setOpen() {
	ch.mu.Lock()
	ch.open = true
	ch.mu.Unlock()
	ch.events.OnOpen()
}

// drop simulates the transport going away underneath the owner.
func (ch *fakeChannel) drop() {
	ch.mu.Lock()
	wasOpen := ch.open
	ch.open = false
	ch.mu.Unlock()
	if wasOpen {
		ch.events.OnClose()
	}
}

func (ch *fakeChannel) sentCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.sent)
}

func (ch *fakeChannel) sendAttempts() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.attempts
}

// failSends makes every Send return err; nil restores delivery.
func (ch *fakeChannel) failSends(err error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.sendErr = err
}

// sentEnvelopes decodes everything written to the channel.
func (ch *fakeChannel) sentEnvelopes() []*domain.Envelope {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]*domain.Envelope, 0, len(ch.sent))
	for _, data := range ch.sent {
		if env, err := domain.DecodeEnvelope(data); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// postQueue collects posted callbacks until the test drains them.
type postQueue struct {
	fns []func()
}

func (q *postQueue) post(fn func()) { q.fns = append(q.fns, fn) }

func (q *postQueue) drain() {
	for len(q.fns) > 0 {
		fn := q.fns[0]
		q.fns = q.fns[1:]
		fn()
	}
}

// fakeHub is an in-memory relay server for one room. It announces presence
// the way the real relay does and round-trips every envelope through the
// wire encoding.
type fakeHub struct {
	mu    sync.Mutex
	room  domain.RoomID
	peers map[domain.PeerID]*fakeRelay
}

func newFakeHub(room domain.RoomID) *fakeHub {
	return &fakeHub{room: room, peers: make(map[domain.PeerID]*fakeRelay)}
}

func (h *fakeHub) relay(self domain.PeerID) *fakeRelay {
	return &fakeRelay{hub: h, self: self}
}

func (h *fakeHub) attach(r *fakeRelay) []domain.PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	others := make([]domain.PeerID, 0, len(h.peers))
	for id := range h.peers {
		others = append(others, id)
	}
	sort.Slice(others, func(i, j int) bool { return others[i] < others[j] })
	h.peers[r.self] = r
	return others
}

func (h *fakeHub) detach(id domain.PeerID) bool {
	h.mu.Lock()
	_, ok := h.peers[id]
	delete(h.peers, id)
	h.mu.Unlock()
	if ok {
		h.route(&domain.Envelope{Kind: domain.KindPeerLeft, RoomID: h.room, From: id})
	}
	return ok
}

// route delivers env to its recipient, or to everyone but the sender.
func (h *fakeHub) route(env *domain.Envelope) {
	data, err := domain.EncodeEnvelope(env)
	if err != nil {
		panic(err)
	}

	h.mu.Lock()
	var targets []*fakeRelay
	for id, r := range h.peers {
		if id == env.From || (env.To != "" && env.To != id) {
			continue
		}
		targets = append(targets, r)
	}
	h.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].self < targets[j].self })

	for _, r := range targets {
		copied, err := domain.DecodeEnvelope(data)
		if err != nil {
			panic(err)
		}
		r.deliver(copied)
	}
}

type fakeRelay struct {
	hub  *fakeHub
	self domain.PeerID

	mu         sync.Mutex
	connected  bool
	closed     bool
	sendErr    error
	sent       []*domain.Envelope
	reconnects int
	onMessage  func(*domain.Envelope)
	onState    func(bool, string)
}

func (r *fakeRelay) Connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("relay closed")
	}
	r.mu.Unlock()

	others := r.hub.attach(r)
	r.setConnected(true, "")
	r.deliver(&domain.Envelope{Kind: domain.KindPeers, RoomID: r.hub.room, Peers: others})
	r.hub.route(&domain.Envelope{Kind: domain.KindPeerJoined, RoomID: r.hub.room, From: r.self})
	return nil
}

func (r *fakeRelay) Send(ctx context.Context, env *domain.Envelope) error {
	r.mu.Lock()
	switch {
	case !r.connected:
		r.mu.Unlock()
		return domain.ErrTransportUnavailable
	case r.sendErr != nil:
		err := r.sendErr
		r.mu.Unlock()
		return err
	}
	r.sent = append(r.sent, env)
	r.mu.Unlock()

	r.hub.route(env)
	return nil
}

func (r *fakeRelay) OnMessage(handler func(env *domain.Envelope)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onMessage = handler
}

func (r *fakeRelay) OnStateChange(handler func(connected bool, reason string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onState = handler
}

func (r *fakeRelay) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *fakeRelay) Reconnect() {
	r.mu.Lock()
	r.reconnects++
	r.mu.Unlock()

	r.hub.detach(r.self)
	r.setConnected(false, "reconnect requested")
	_ = r.Connect(context.Background())
}

func (r *fakeRelay) Close() error {
	r.hub.detach(r.self)
	r.setConnected(false, "closed")
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// Drop simulates the server going away without a reconnect.
func (r *fakeRelay) Drop() {
	r.hub.detach(r.self)
	r.setConnected(false, "connection lost")
}

func (r *fakeRelay) failSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

func (r *fakeRelay) count(kind domain.EnvelopeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.sent {
		if env.Kind == kind {
			n++
		}
	}
	return n
}

func (r *fakeRelay) reconnectCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconnects
}

func (r *fakeRelay) setConnected(connected bool, reason string) {
	r.mu.Lock()
	changed := r.connected != connected
	r.connected = connected
	fn := r.onState
	r.mu.Unlock()
	if changed && fn != nil {
		fn(connected, reason)
	}
}

func (r *fakeRelay) deliver(env *domain.Envelope) {
	r.mu.Lock()
	fn := r.onMessage
	r.mu.Unlock()
	if fn != nil {
		fn(env)
	}
}

// staticSource reports a fixed measurement to the network monitor.
type staticSource struct {
	sample domain.LinkSample
}

func (s staticSource) Sample() (domain.LinkSample, bool) { return s.sample, true }

// recordingMetrics counts received messages per transport.
type recordingMetrics struct {
	nopMetrics

	mu       sync.Mutex
	received map[domain.TransportKind]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{received: make(map[domain.TransportKind]int)}
}

func (m *recordingMetrics) MessageReceived(transport domain.TransportKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received[transport]++
}

func (m *recordingMetrics) receivedVia(transport domain.TransportKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received[transport]
}
