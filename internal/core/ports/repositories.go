package ports

import (
	"context"

	"crowdlink/internal/core/domain"
)

// RoomBus shares room traffic between relay server instances.
type RoomBus interface {
	Publish(ctx context.Context, env *domain.Envelope) error
	// Subscribe blocks delivering envelopes published by other instances
	// until ctx is done.
	Subscribe(ctx context.Context, handler func(env *domain.Envelope)) error
	Close() error
}

// RoomRegistry tracks room membership across relay instances.
type RoomRegistry interface {
	// Join adds peer to room and returns the other members. A peer already
	// present is not counted twice against the room limit.
	Join(ctx context.Context, room domain.RoomID, peer domain.PeerID) ([]domain.PeerID, error)
	Leave(ctx context.Context, room domain.RoomID, peer domain.PeerID) error
	Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error)
}
