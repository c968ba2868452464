package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeKind tags the payload carried by an Envelope.
type EnvelopeKind string

const (
	KindChat           EnvelopeKind = "chat"
	KindBridge         EnvelopeKind = "bridge"
	KindOffer          EnvelopeKind = "offer"
	KindAnswer         EnvelopeKind = "answer"
	KindCandidate      EnvelopeKind = "candidate"
	KindPeerDisconnect EnvelopeKind = "peer_disconnect"
	KindPeers          EnvelopeKind = "peers"
	KindPeerJoined     EnvelopeKind = "peer_joined"
	KindPeerLeft       EnvelopeKind = "peer_left"
	KindAdjacency      EnvelopeKind = "adjacency"
	KindError          EnvelopeKind = "error"
)

// Candidate is a network-path candidate exchanged during negotiation.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdp_mline_index,omitempty"`
	UsernameFragment *string `json:"username_fragment,omitempty"`
}

// Envelope is the unit exchanged over the relay and over direct channels.
// An empty To addresses the whole room.
type Envelope struct {
	Kind      EnvelopeKind `json:"kind"`
	RoomID    RoomID       `json:"room_id"`
	From      PeerID       `json:"from,omitempty"`
	To        PeerID       `json:"to,omitempty"`
	Message   *Message     `json:"message,omitempty"`
	SDP       string       `json:"sdp,omitempty"`
	Attempt   uint64       `json:"attempt,omitempty"`
	Candidate *Candidate   `json:"candidate,omitempty"`
	Peers     []PeerID     `json:"peers,omitempty"`
	Links     []PeerID     `json:"links,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Code      string       `json:"code,omitempty"`
	SentAt    time.Time    `json:"sent_at"`
}

// Validate checks that the fields required by the envelope kind are present.
func (e *Envelope) Validate() error {
	switch e.Kind {
	case KindChat, KindBridge:
		if e.Message == nil || e.Message.ID == "" || e.Message.SenderID == "" {
			return fmt.Errorf("%s envelope without a valid message", e.Kind)
		}
	case KindOffer, KindAnswer:
		if e.SDP == "" || e.To == "" {
			return fmt.Errorf("%s envelope requires sdp and recipient", e.Kind)
		}
	case KindCandidate:
		if e.Candidate == nil || e.To == "" {
			return fmt.Errorf("candidate envelope requires candidate and recipient")
		}
	case KindPeerDisconnect, KindPeerJoined, KindPeerLeft, KindPeers, KindAdjacency, KindError:
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}

func EncodeEnvelope(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
