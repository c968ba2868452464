package ports

import (
	"context"

	"crowdlink/internal/core/domain"
)

// Status is the summary shown to the room UI.
type Status struct {
	Connected bool               `json:"connected"`
	PeerCount int                `json:"peer_count"`
	Route     string             `json:"route"`
	Quality   domain.QualityTier `json:"quality"`
	Degraded  bool               `json:"degraded"`
}

// Diagnostics exposes the internals of a running session.
type Diagnostics struct {
	Circuits          map[domain.TransportKind]CircuitView `json:"circuits"`
	BridgeQueueDepth  int                                  `json:"bridge_queue_depth"`
	BridgeExhausted   int                                  `json:"bridge_exhausted"`
	DuplicatesDropped int                                  `json:"duplicates_dropped"`
	Links             map[domain.PeerID]domain.PeerLink    `json:"links"`
	Condition         domain.NetworkCondition              `json:"condition"`
	RoutePreference   domain.RouteMode                     `json:"route_preference"`
}

type CircuitView struct {
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	IsOpen              bool   `json:"is_open"`
}

// SessionController is the API a room session exposes to UI layers.
type SessionController interface {
	SendMessage(ctx context.Context, content string) (domain.MessageID, error)
	OnMessage(handler func(msg *domain.Message)) (unsubscribe func())
	GetStatus() Status
	ForceReconnect(ctx context.Context) error
	SetRoutePreference(mode domain.RouteMode)
	Diagnostics() Diagnostics
}
