package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	"crowdlink/internal/core/services"
	"crowdlink/pkg/config"
	apperrors "crowdlink/pkg/errors"
	"crowdlink/pkg/tracing"
	"crowdlink/pkg/validation"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sendQueueSize  = 64
	leaveTimeout   = 5 * time.Second
	inboundBacklog = 16
)

// Envelope kinds only the relay itself may originate.
var serverOnlyKinds = map[domain.EnvelopeKind]bool{
	domain.KindPeers:      true,
	domain.KindPeerJoined: true,
	domain.KindPeerLeft:   true,
	domain.KindError:      true,
}

// Metrics receives relay server telemetry.
type Metrics interface {
	ConnectionOpened()
	ConnectionClosed()
	EnvelopeRelayed(kind domain.EnvelopeKind)
	EnvelopeRejected(reason string)
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened()                   {}
func (nopMetrics) ConnectionClosed()                   {}
func (nopMetrics) EnvelopeRelayed(domain.EnvelopeKind) {}
func (nopMetrics) EnvelopeRejected(string)             {}

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string

	// RateLimit of zero disables per-connection limiting.
	RateLimit rate.Limit
	Burst     int
}

func NewServerConfig(cfg *config.Config) ServerConfig {
	sc := ServerConfig{
		PingInterval:   cfg.Server.PingInterval,
		PongTimeout:    cfg.Server.PongTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxMessageSize: cfg.Server.MaxMessageSize,
		AllowedOrigins: cfg.Auth.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		sc.RateLimit = rate.Limit(cfg.RateLimiting.MessagesPerSecond)
		sc.Burst = cfg.RateLimiting.Burst
	}
	return sc
}

// ServerDeps wires the relay. Bus is nil for a single-instance relay and
// Auth is nil when tokens are not required.
type ServerDeps struct {
	Registry ports.RoomRegistry
	Bus      ports.RoomBus
	Auth     services.AuthService
	Metrics  Metrics
	Clock    clock.Clock
	Logger   *zap.SugaredLogger
}

// Server is the rendezvous relay: it tracks room presence and forwards
// envelopes between the peers of a room.
type Server struct {
	cfg      ServerConfig
	registry ports.RoomRegistry
	bus      ports.RoomBus
	auth     services.AuthService
	metrics  Metrics
	clock    clock.Clock
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	rooms  map[domain.RoomID]map[domain.PeerID]*peerConn
	closed bool
	wg     sync.WaitGroup
}

type Stats struct {
	Rooms       int  `json:"rooms"`
	Connections int  `json:"connections"`
	Closed      bool `json:"closed"`
}

// peerConn is one attached websocket. Only its serve loop writes to ws.
type peerConn struct {
	room      domain.RoomID
	peer      domain.PeerID
	ws        *websocket.Conn
	send      chan []byte
	limiter   *rate.Limiter
	done      chan struct{}
	closeOnce sync.Once
}

func (c *peerConn) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	default:
		// slow consumer
		c.close()
		return false
	}
}

func (c *peerConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	s := &Server{
		cfg:      cfg,
		registry: deps.Registry,
		bus:      deps.Bus,
		auth:     deps.Auth,
		metrics:  deps.Metrics,
		clock:    deps.Clock,
		logger:   deps.Logger,
		rooms:    make(map[domain.RoomID]map[domain.PeerID]*peerConn),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket attaches one peer to a room for the lifetime of the
// connection. Query parameters: room_id, peer_id and, when auth is on, token.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	room := domain.RoomID(query.Get("room_id"))
	peer := domain.PeerID(query.Get("peer_id"))

	if err := validation.ValidateRoomJoin(string(room), string(peer)); err != nil {
		s.reject(w, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := s.authenticate(r, room, peer); err != nil {
		s.reject(w, err)
		return
	}
	if s.isClosed() {
		s.reject(w, apperrors.NewTransportUnavailableError("relay shutting down"))
		return
	}

	others, err := s.registry.Join(r.Context(), room, peer)
	if errors.Is(err, domain.ErrRoomFull) {
		s.reject(w, apperrors.NewRoomFullError(string(room)))
		return
	}
	if err != nil {
		s.reject(w, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to join room"))
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "room_id", room, "peer_id", peer, "error", err)
		if s.lookup(room, peer) == nil {
			s.leaveRegistry(room, peer)
		}
		return
	}

	c := &peerConn{
		room: room,
		peer: peer,
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
	if s.cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(s.cfg.RateLimit, s.cfg.Burst)
	}

	replaced, ok := s.register(c)
	if !ok {
		ws.Close()
		return
	}
	s.metrics.ConnectionOpened()
	s.logger.Infow("peer connected", "room_id", room, "peer_id", peer, "reconnect", replaced != nil)

	s.sendPeers(c, others)
	if replaced != nil {
		replaced.close()
	} else {
		s.announce(domain.KindPeerJoined, room, peer)
	}

	s.serve(c)
	s.unregister(c)
}

func (s *Server) authenticate(r *http.Request, room domain.RoomID, peer domain.PeerID) error {
	if s.auth == nil {
		return nil
	}

	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); token == "" && strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return apperrors.NewUnauthorizedError("missing token")
	}

	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "invalid token")
	}
	if err := s.auth.Authorize(claims, room, peer); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeUnauthorized, "token does not grant this room")
	}
	return nil
}

func (s *Server) reject(w http.ResponseWriter, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.NewInternalError(err.Error())
	}
	s.metrics.EnvelopeRejected(strings.ToLower(string(appErr.Code)))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	json.NewEncoder(w).Encode(map[string]string{
		"code":    string(appErr.Code),
		"message": appErr.Message,
	})
}

func (s *Server) serve(c *peerConn) {
	ws := c.ws
	defer ws.Close()
	defer c.close()

	ws.SetReadLimit(s.cfg.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	inbound := make(chan []byte, inboundBacklog)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			select {
			case inbound <- data:
			case <-c.done:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case data := <-inbound:
			s.handleInbound(c, data)

		case data := <-c.send:
			if err := s.write(ws, websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to peer", "room_id", c.room, "peer_id", c.peer, "error", err)
				return
			}

		case <-pingTicker.C:
			if err := s.write(ws, websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "room_id", c.room, "peer_id", c.peer, "error", err)
				return
			}

		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from peer", "room_id", c.room, "peer_id", c.peer, "error", err)
			}
			return

		case <-c.done:
			s.write(ws, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "replaced or shutting down"))
			return
		}
	}
}

func (s *Server) write(ws *websocket.Conn, messageType int, data []byte) error {
	ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return ws.WriteMessage(messageType, data)
}

func (s *Server) handleInbound(c *peerConn, data []byte) {
	if c.limiter != nil && !c.limiter.Allow() {
		s.metrics.EnvelopeRejected("rate_limited")
		s.sendError(c, apperrors.NewRateLimitError())
		return
	}

	env, err := domain.DecodeEnvelope(data)
	if err != nil {
		s.metrics.EnvelopeRejected("invalid")
		s.sendError(c, apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if serverOnlyKinds[env.Kind] {
		s.metrics.EnvelopeRejected("server_only")
		s.sendError(c, apperrors.NewInvalidInputError(fmt.Sprintf("%s envelopes are sent by the relay only", env.Kind)))
		return
	}

	env.From = c.peer
	env.RoomID = c.room
	if env.SentAt.IsZero() {
		env.SentAt = s.clock.Now()
	}

	ctx, span := tracing.TraceRelayEnvelope(context.Background(), string(env.Kind), string(c.room), string(c.peer))
	defer span.End()

	delivered := s.deliver(env)
	if s.bus != nil && (env.To == "" || !delivered) {
		if err := s.bus.Publish(ctx, env); err != nil {
			tracing.RecordError(ctx, err)
			s.logger.Warnw("failed to publish envelope to other instances",
				"room_id", c.room,
				"kind", env.Kind,
				"error", err,
			)
		}
	}
	s.metrics.EnvelopeRelayed(env.Kind)
}

// deliver hands env to the local connections it addresses and reports
// whether any accepted it.
func (s *Server) deliver(env *domain.Envelope) bool {
	data, err := domain.EncodeEnvelope(env)
	if err != nil {
		s.logger.Errorw("failed to encode envelope", "kind", env.Kind, "error", err)
		return false
	}

	s.mu.RLock()
	members := s.rooms[env.RoomID]
	var targets []*peerConn
	if env.To != "" {
		if c, ok := members[env.To]; ok {
			targets = append(targets, c)
		}
	} else {
		for id, c := range members {
			if id != env.From {
				targets = append(targets, c)
			}
		}
	}
	s.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		if c.enqueue(data) {
			delivered = true
		} else {
			s.logger.Debugw("dropped envelope for closed peer", "room_id", c.room, "peer_id", c.peer, "kind", env.Kind)
		}
	}
	return delivered
}

func (s *Server) sendPeers(c *peerConn, others []domain.PeerID) {
	env := &domain.Envelope{
		Kind:   domain.KindPeers,
		RoomID: c.room,
		To:     c.peer,
		Peers:  others,
		SentAt: s.clock.Now(),
	}
	if data, err := domain.EncodeEnvelope(env); err == nil {
		c.enqueue(data)
	}
}

func (s *Server) sendError(c *peerConn, appErr *apperrors.AppError) {
	env := &domain.Envelope{
		Kind:   domain.KindError,
		RoomID: c.room,
		To:     c.peer,
		Code:   string(appErr.Code),
		Reason: appErr.Message,
		SentAt: s.clock.Now(),
	}
	if data, err := domain.EncodeEnvelope(env); err == nil {
		c.enqueue(data)
	}
}

// announce tells the room, here and on other instances, about a presence
// change.
func (s *Server) announce(kind domain.EnvelopeKind, room domain.RoomID, peer domain.PeerID) {
	env := &domain.Envelope{
		Kind:   kind,
		RoomID: room,
		From:   peer,
		SentAt: s.clock.Now(),
	}
	s.deliver(env)

	if s.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := s.bus.Publish(ctx, env); err != nil {
			s.logger.Warnw("failed to publish presence", "room_id", room, "peer_id", peer, "kind", kind, "error", err)
		}
	}
}

func (s *Server) register(c *peerConn) (*peerConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false
	}

	members, ok := s.rooms[c.room]
	if !ok {
		members = make(map[domain.PeerID]*peerConn)
		s.rooms[c.room] = members
	}
	replaced := members[c.peer]
	members[c.peer] = c
	s.wg.Add(1)
	return replaced, true
}

// unregister removes c unless a newer connection for the same peer already
// replaced it.
func (s *Server) unregister(c *peerConn) {
	defer s.wg.Done()

	s.mu.Lock()
	members := s.rooms[c.room]
	current := members[c.peer] == c
	if current {
		delete(members, c.peer)
		if len(members) == 0 {
			delete(s.rooms, c.room)
		}
	}
	s.mu.Unlock()

	s.metrics.ConnectionClosed()
	if !current {
		s.logger.Infow("replaced connection closed", "room_id", c.room, "peer_id", c.peer)
		return
	}

	s.leaveRegistry(c.room, c.peer)
	s.announce(domain.KindPeerLeft, c.room, c.peer)
	s.logger.Infow("peer disconnected", "room_id", c.room, "peer_id", c.peer)
}

func (s *Server) leaveRegistry(room domain.RoomID, peer domain.PeerID) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()
	if err := s.registry.Leave(ctx, room, peer); err != nil {
		s.logger.Warnw("failed to leave room registry", "room_id", room, "peer_id", peer, "error", err)
	}
}

func (s *Server) lookup(room domain.RoomID, peer domain.PeerID) *peerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[room][peer]
}

func (s *Server) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Run relays envelopes published by other instances to local peers until ctx
// is done.
func (s *Server) Run(ctx context.Context) error {
	if s.bus == nil {
		<-ctx.Done()
		return nil
	}

	err := s.bus.Subscribe(ctx, func(env *domain.Envelope) {
		s.deliver(env)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Rooms: len(s.rooms), Closed: s.closed}
	for _, members := range s.rooms {
		stats.Connections += len(members)
	}
	return stats
}

// Close disconnects every peer and waits for their connection loops.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var conns []*peerConn
	for _, members := range s.rooms {
		for _, c := range members {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
	return nil
}
