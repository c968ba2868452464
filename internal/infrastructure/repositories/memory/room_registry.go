package memory

import (
	"context"
	"sort"
	"sync"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
)

type MemoryRoomRegistry struct {
	rooms       map[domain.RoomID]map[domain.PeerID]struct{}
	maxRoomSize int
	mu          sync.RWMutex
}

// NewMemoryRoomRegistry returns a single-instance registry. A maxRoomSize of
// zero disables the limit.
func NewMemoryRoomRegistry(maxRoomSize int) ports.RoomRegistry {
	return &MemoryRoomRegistry{
		rooms:       make(map[domain.RoomID]map[domain.PeerID]struct{}),
		maxRoomSize: maxRoomSize,
	}
}

func (r *MemoryRoomRegistry) Join(ctx context.Context, room domain.RoomID, peer domain.PeerID) ([]domain.PeerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[room]
	if !exists {
		members = make(map[domain.PeerID]struct{})
		r.rooms[room] = members
	}

	if _, present := members[peer]; !present && r.maxRoomSize > 0 && len(members) >= r.maxRoomSize {
		return nil, domain.ErrRoomFull
	}
	members[peer] = struct{}{}

	others := make([]domain.PeerID, 0, len(members)-1)
	for id := range members {
		if id != peer {
			others = append(others, id)
		}
	}
	sortPeers(others)
	return others, nil
}

func (r *MemoryRoomRegistry) Leave(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, exists := r.rooms[room]
	if !exists {
		return nil
	}
	delete(members, peer)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return nil
}

func (r *MemoryRoomRegistry) Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	result := make([]domain.PeerID, 0, len(members))
	for id := range members {
		result = append(result, id)
	}
	sortPeers(result)
	return result, nil
}

func sortPeers(peers []domain.PeerID) {
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
}
