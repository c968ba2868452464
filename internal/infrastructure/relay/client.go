package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	"crowdlink/internal/infrastructure/loadbalancer"
	"crowdlink/pkg/config"
	"crowdlink/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	probeWindowSize = 20

	reasonConnected          = "connected"
	reasonReconnectRequested = "reconnect requested"
	reasonClosed             = "client closed"
)

var (
	errClientClosed = errors.New("relay client closed")
	errNoRelayURL   = errors.New("no relay url configured")
)

// ClientConfig lists relay URLs in preference order; a failed dial moves on
// to the next one.
type ClientConfig struct {
	URLs  []string
	Room  domain.RoomID
	Peer  domain.PeerID
	Token string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
	Reconnect    retry.Config
}

func NewClientConfig(cfg *config.Config) ClientConfig {
	reconnect := retry.DefaultConfig()
	reconnect.InitialDelay = cfg.Relay.Reconnect.InitialDelay
	reconnect.MaxDelay = cfg.Relay.Reconnect.MaxDelay
	reconnect.Multiplier = cfg.Relay.Reconnect.Multiplier

	urls := append([]string{cfg.Relay.URL}, cfg.Relay.URLs...)
	if len(urls) > 1 {
		urls = loadbalancer.NewRoomAffinity(urls).Order(cfg.Session.RoomID)
	}

	return ClientConfig{
		URLs:         urls,
		Room:         domain.RoomID(cfg.Session.RoomID),
		Peer:         domain.PeerID(cfg.Session.PeerID),
		Token:        cfg.Relay.Token,
		DialTimeout:  cfg.Relay.DialTimeout,
		WriteTimeout: cfg.Relay.WriteTimeout,
		PingInterval: cfg.Relay.PingInterval,
		PongTimeout:  cfg.Relay.PongTimeout,
		Reconnect:    reconnect,
	}
}

// Client is the peer side of the relay connection. It redials with
// exponential backoff until closed and doubles as a link quality source by
// timing its keepalive pings.
type Client struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger
	probes *probeWindow

	mu        sync.Mutex
	ws        *websocket.Conn
	connected bool
	started   bool
	closed    bool
	onMessage func(env *domain.Envelope)
	onState   func(connected bool, reason string)
	cancel    context.CancelFunc
	done      chan struct{}
	redial    chan struct{}

	writeMu sync.Mutex
}

var (
	_ ports.RelayTransport = (*Client)(nil)
	_ ports.SignalSource   = (*Client)(nil)
)

func NewClient(cfg ClientConfig, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: logger.With("room_id", cfg.Room, "peer_id", cfg.Peer),
		probes: newProbeWindow(probeWindowSize, cfg.PongTimeout),
		done:   make(chan struct{}),
		redial: make(chan struct{}, 1),
	}
}

func (c *Client) OnMessage(handler func(env *domain.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

func (c *Client) OnStateChange(handler func(connected bool, reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = handler
}

// Connect starts the connection loop and returns immediately.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClientClosed
	}
	if len(c.cfg.URLs) == 0 {
		return errNoRelayURL
	}
	if c.started {
		return nil
	}
	c.started = true

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.run(runCtx)
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnect drops the current connection and redials without waiting out
// the backoff.
func (c *Client) Reconnect() {
	select {
	case c.redial <- struct{}{}:
	default:
	}
}

func (c *Client) Send(ctx context.Context, env *domain.Envelope) error {
	data, err := domain.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	c.mu.Lock()
	ws, connected := c.ws, c.connected
	c.mu.Unlock()
	if !connected || ws == nil {
		return domain.ErrTransportUnavailable
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	ws.SetWriteDeadline(deadline)
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

// Sample reports keepalive round trip time and loss while connected.
func (c *Client) Sample() (domain.LinkSample, bool) {
	if !c.IsConnected() {
		return domain.LinkSample{}, false
	}
	return c.probes.sample(time.Now())
}

func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started, cancel := c.started, c.cancel
	c.mu.Unlock()

	if started {
		cancel()
		<-c.done
	}
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	failures, endpoint := 0, 0
	for {
		addr := c.cfg.URLs[endpoint%len(c.cfg.URLs)]
		ws, err := c.dial(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := retry.Delay(c.cfg.Reconnect, failures)
			failures++
			endpoint++
			c.logger.Warnw("relay dial failed",
				"url", addr,
				"attempt", failures,
				"retry_in", delay,
				"error", err,
			)
			if !c.wait(ctx, delay) {
				return
			}
			continue
		}

		failures = 0
		reason := c.serve(ctx, ws, addr)
		c.setConnected(false, reason)
		if ctx.Err() != nil {
			return
		}
		if reason != reasonReconnectRequested {
			if !c.wait(ctx, retry.Delay(c.cfg.Reconnect, 0)) {
				return
			}
		}
	}
}

// wait sleeps for d and reports false once ctx is done. A reconnect request
// cuts the sleep short.
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-c.redial:
		return true
	case <-timer.C:
		return true
	}
}

func (c *Client) dial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	query := u.Query()
	query.Set("room_id", string(c.cfg.Room))
	query.Set("peer_id", string(c.cfg.Peer))
	if c.cfg.Token != "" {
		query.Set("token", c.cfg.Token)
	}
	u.RawQuery = query.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ws, resp, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("relay dial: %w", err)
	}
	return ws, nil
}

// serve runs one connection until it drops and returns the reason.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn, addr string) string {
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	ws.SetPongHandler(func(data string) error {
		ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		if seq, err := strconv.ParseUint(data, 10, 64); err == nil {
			c.probes.answered(seq, time.Now())
		}
		return nil
	})

	// drop a reconnect request that raced with the dial
	select {
	case <-c.redial:
	default:
	}

	c.probes.reset()
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setConnected(true, reasonConnected)
	c.logger.Infow("connected to relay", "url", addr)

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

			env, err := domain.DecodeEnvelope(data)
			if err != nil {
				c.logger.Warnw("discarding malformed relay envelope", "error", err)
				continue
			}
			if env.Kind == domain.KindError {
				c.logger.Warnw("relay reported error", "code", env.Code, "reason", env.Reason)
			}
			c.dispatch(env)
		}
	}()

	pingTicker := time.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return reasonClosed

		case <-c.redial:
			c.logger.Infow("relay reconnect requested")
			return reasonReconnectRequested

		case err := <-readErr:
			c.logger.Infow("relay connection lost", "error", err)
			return fmt.Sprintf("connection lost: %v", err)

		case <-pingTicker.C:
			seq := c.probes.sent(time.Now())
			payload := []byte(strconv.FormatUint(seq, 10))
			if err := ws.WriteControl(websocket.PingMessage, payload, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return fmt.Sprintf("ping failed: %v", err)
			}
		}
	}
}

func (c *Client) dispatch(env *domain.Envelope) {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (c *Client) setConnected(connected bool, reason string) {
	c.mu.Lock()
	if c.connected == connected {
		c.mu.Unlock()
		return
	}
	c.connected = connected
	if !connected {
		c.ws = nil
	}
	handler := c.onState
	c.mu.Unlock()

	if handler != nil {
		handler(connected, reason)
	}
}
