package domain

import (
	"slices"
	"time"
)

type RoomID string
type PeerID string
type MessageID string

// Message is a chat message. ID stays the same across retransmission and
// bridging so every recipient can recognize copies.
type Message struct {
	ID                MessageID `json:"id"`
	Content           string    `json:"content"`
	SenderID          PeerID    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	RoomID            RoomID    `json:"room_id"`
	Sequence          uint64    `json:"sequence"`
	BridgePath        []PeerID  `json:"bridge_path,omitempty"`
	Priority          Priority  `json:"priority,omitempty"`
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.BridgePath = slices.Clone(m.BridgePath)
	return &c
}

// WithHop returns a copy of m with peer appended to the bridge path.
func (m *Message) WithHop(peer PeerID) *Message {
	c := m.Clone()
	c.BridgePath = append(c.BridgePath, peer)
	return c
}

// Hops is the number of intermediaries the message has passed through.
func (m *Message) Hops() int {
	return len(m.BridgePath)
}

// Visited reports whether peer is the sender or already on the bridge path.
func (m *Message) Visited(peer PeerID) bool {
	return m.SenderID == peer || slices.Contains(m.BridgePath, peer)
}
