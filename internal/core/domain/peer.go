package domain

import "time"

// TransportKind identifies one of the two primary transports.
type TransportKind string

const (
	TransportRelay  TransportKind = "relay"
	TransportDirect TransportKind = "direct"
)

// LinkState is the state of a negotiated direct channel to one peer.
type LinkState string

const (
	LinkIdle        LinkState = "idle"
	LinkNegotiating LinkState = "negotiating"
	LinkEstablished LinkState = "established"
	LinkFailed      LinkState = "failed"
	LinkClosed      LinkState = "closed"
)

// PeerLink is the externally visible view of a direct link.
type PeerLink struct {
	PeerID       PeerID        `json:"peer_id"`
	State        LinkState     `json:"state"`
	Initiator    bool          `json:"initiator"`
	LastActivity time.Time     `json:"last_activity"`
	Restarts     int           `json:"restarts"`
	Failures     int           `json:"failures"`
	RTT          time.Duration `json:"rtt"`
}

// ElectInitiator reports whether local should send the offer to remote.
// Both sides compute the same answer: the lexicographically smaller id offers.
func ElectInitiator(local, remote PeerID) bool {
	return local < remote
}
