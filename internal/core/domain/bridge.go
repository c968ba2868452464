package domain

import "time"

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank orders priorities from most (0) to least (2) urgent.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

type QueuedBridgeMessage struct {
	Message      *Message
	AttemptCount int
	MaxAttempts  int
	Priority     Priority
	NextRetryAt  time.Time
	EnqueuedAt   time.Time
	ExpiresAt    time.Time
}

type DeliveryStatus string

const (
	DeliverySent    DeliveryStatus = "sent"
	DeliveryBridged DeliveryStatus = "bridged"
	DeliveryQueued  DeliveryStatus = "queued"
	DeliveryExpired DeliveryStatus = "expired"
)

// DeliveryReport tells the sender what happened to one of its messages.
type DeliveryReport struct {
	MessageID MessageID       `json:"message_id"`
	Status    DeliveryStatus  `json:"status"`
	Via       []TransportKind `json:"via,omitempty"`
	At        time.Time       `json:"at"`
}
