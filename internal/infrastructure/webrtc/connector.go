package webrtc

import (
	"fmt"
	"sync"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	"crowdlink/pkg/config"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config is the direct-link configuration.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	ChannelLabel string
	// IncludeLoopback gathers 127.0.0.1 candidates so peers on one host can
	// connect without another interface.
	IncludeLoopback bool
}

func NewConfig(cfg *config.Config) Config {
	var c Config
	for _, server := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	c.PortRange.Min = cfg.WebRTC.PortRange.Min
	c.PortRange.Max = cfg.WebRTC.PortRange.Max
	c.ChannelLabel = cfg.WebRTC.ChannelLabel
	return c
}

// Connector opens data-channel links with pion.
type Connector struct {
	config Config
	api    *webrtc.API
	logger *zap.SugaredLogger
}

var _ ports.PeerConnector = (*Connector)(nil)

func NewConnector(config Config, logger *zap.SugaredLogger) (*Connector, error) {
	settingEngine := webrtc.SettingEngine{}
	if config.PortRange.Min > 0 && config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(config.PortRange.Min, config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if config.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	if config.ChannelLabel == "" {
		config.ChannelLabel = "chat"
	}

	return &Connector{
		config: config,
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		logger: logger,
	}, nil
}

// NewChannel creates the peer connection for one link. The initiator owns
// the data channel; the responder picks it up from the remote offer.
func (c *Connector) NewChannel(peer domain.PeerID, initiator bool, events ports.ChannelEvents) (ports.DirectChannel, error) {
	pc, err := c.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: c.config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ch := &channel{
		peer:   peer,
		pc:     pc,
		events: events,
		logger: c.logger.With("peer_id", peer),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if candidate == nil || events.OnCandidate == nil {
			return
		}
		init := candidate.ToJSON()
		events.OnCandidate(domain.Candidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		ch.logger.Debugw("peer connection state changed", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed:
			ch.fail(fmt.Errorf("%w: peer connection failed", domain.ErrNegotiationFailed))
		case webrtc.PeerConnectionStateClosed:
			ch.remoteClosed()
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(c.config.ChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("failed to create data channel: %w", err)
		}
		ch.attach(dc)
	} else {
		label := c.config.ChannelLabel
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() != label {
				ch.logger.Warnw("ignoring unexpected data channel", "label", dc.Label())
				return
			}
			ch.attach(dc)
		})
	}

	return ch, nil
}

type channel struct {
	peer   domain.PeerID
	pc     *webrtc.PeerConnection
	events ports.ChannelEvents
	logger *zap.SugaredLogger

	mu        sync.Mutex
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool
	notified  bool
}

func (ch *channel) attach(dc *webrtc.DataChannel) {
	ch.mu.Lock()
	ch.dc = dc
	ch.mu.Unlock()

	dc.OnOpen(func() {
		ch.logger.Debugw("data channel open", "label", dc.Label())
		if ch.events.OnOpen != nil {
			ch.events.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if ch.events.OnMessage != nil {
			ch.events.OnMessage(msg.Data)
		}
	})
	dc.OnClose(func() {
		ch.remoteClosed()
	})
}

func (ch *channel) CreateOffer() (string, error) {
	offer, err := ch.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := ch.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (ch *channel) HandleOffer(sdp string) (string, error) {
	if err := ch.setRemote(webrtc.SDPTypeOffer, sdp); err != nil {
		return "", err
	}

	answer, err := ch.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := ch.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (ch *channel) HandleAnswer(sdp string) error {
	return ch.setRemote(webrtc.SDPTypeAnswer, sdp)
}

func (ch *channel) setRemote(sdpType webrtc.SDPType, sdp string) error {
	if err := ch.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp}); err != nil {
		return fmt.Errorf("failed to set remote %s: %w", sdpType, err)
	}

	ch.mu.Lock()
	ch.remoteSet = true
	pending := ch.pending
	ch.pending = nil
	ch.mu.Unlock()

	for _, candidate := range pending {
		if err := ch.pc.AddICECandidate(candidate); err != nil {
			ch.logger.Debugw("failed to add buffered candidate", "error", err)
		}
	}
	return nil
}

// AddCandidate holds candidates that arrive before the remote description.
func (ch *channel) AddCandidate(c domain.Candidate) error {
	init := webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}

	ch.mu.Lock()
	if !ch.remoteSet {
		ch.pending = append(ch.pending, init)
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()

	return ch.pc.AddICECandidate(init)
}

func (ch *channel) Send(data []byte) error {
	ch.mu.Lock()
	dc := ch.dc
	ch.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return domain.ErrLinkNotEstablished
	}
	return dc.Send(data)
}

func (ch *channel) IsOpen() bool {
	ch.mu.Lock()
	dc := ch.dc
	ch.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}

// RTT reads the round trip time of the nominated candidate pair.
func (ch *channel) RTT() (time.Duration, bool) {
	for _, stat := range ch.pc.GetStats() {
		pair, ok := stat.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime > 0 {
			return time.Duration(pair.CurrentRoundTripTime * float64(time.Second)), true
		}
	}
	return 0, false
}

func (ch *channel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil
	}
	ch.closed = true
	ch.mu.Unlock()

	return ch.pc.Close()
}

// remoteClosed reports a close the link did not ask for, once.
func (ch *channel) remoteClosed() {
	if !ch.claimNotification() {
		return
	}
	if ch.events.OnClose != nil {
		ch.events.OnClose()
	}
}

func (ch *channel) fail(err error) {
	if !ch.claimNotification() {
		return
	}
	ch.logger.Infow("direct channel failed", "error", err)
	if ch.events.OnFailure != nil {
		ch.events.OnFailure(err)
	}
}

func (ch *channel) claimNotification() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed || ch.notified {
		return false
	}
	ch.notified = true
	return true
}
