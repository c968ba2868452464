package ports

import (
	"context"
	"time"

	"crowdlink/internal/core/domain"
)

// RelayTransport is a persistent connection to the rendezvous service. It owns
// its reconnection policy; Connect starts it and returns without waiting for
// the first dial.
type RelayTransport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, env *domain.Envelope) error
	OnMessage(handler func(env *domain.Envelope))
	OnStateChange(handler func(connected bool, reason string))
	IsConnected() bool
	Reconnect()
	Close() error
}

// ChannelEvents are the callbacks a DirectChannel reports through. They may be
// invoked from any goroutine, including synchronously from a channel method.
type ChannelEvents struct {
	OnCandidate func(c domain.Candidate)
	OnOpen      func()
	OnMessage   func(data []byte)
	OnClose     func()
	OnFailure   func(err error)
}

// PeerConnector creates negotiable direct channels.
type PeerConnector interface {
	NewChannel(peer domain.PeerID, initiator bool, events ChannelEvents) (DirectChannel, error)
}

// DirectChannel is one negotiated point-to-point channel.
type DirectChannel interface {
	CreateOffer() (string, error)
	HandleOffer(sdp string) (string, error)
	HandleAnswer(sdp string) error
	AddCandidate(c domain.Candidate) error
	// Send fails immediately when the channel is not open.
	Send(data []byte) error
	IsOpen() bool
	RTT() (time.Duration, bool)
	Close() error
}

// SignalSource provides low-level link measurements for the network monitor.
type SignalSource interface {
	Sample() (domain.LinkSample, bool)
}

// CircuitBreakers gates the two primary transports.
type CircuitBreakers interface {
	// ShouldAllow may consume the single half-open probe.
	ShouldAllow(kind domain.TransportKind) bool
	// Ready reports what ShouldAllow would return without consuming a probe.
	Ready(kind domain.TransportKind) bool
	RecordSuccess(kind domain.TransportKind)
	RecordFailure(kind domain.TransportKind)
	// Release returns a claimed half-open trial that will never be recorded.
	Release(kind domain.TransportKind)
	Reset()
	Views() map[domain.TransportKind]CircuitView
}

// SessionMetrics receives session telemetry. Implementations must be safe
// for concurrent use.
type SessionMetrics interface {
	MessageSent(route string)
	MessageReceived(transport domain.TransportKind)
	DuplicateDropped(verdict string)
	BridgeOutcome(status domain.DeliveryStatus)
	SetBridgeQueueDepth(depth int)
	SetLinkStates(counts map[domain.LinkState]int)
	SetNetworkCondition(cond domain.NetworkCondition)
}
