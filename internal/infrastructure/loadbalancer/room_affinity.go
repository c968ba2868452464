package loadbalancer

import (
	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
)

// RoomAffinity spreads rooms over relay instances so that every member of a
// room prefers the same instance, falling back in the same order.
type RoomAffinity struct {
	instances []string
}

func NewRoomAffinity(instances []string) *RoomAffinity {
	seen := make(map[string]bool, len(instances))
	unique := make([]string, 0, len(instances))
	for _, instance := range instances {
		if instance == "" || seen[instance] {
			continue
		}
		seen[instance] = true
		unique = append(unique, instance)
	}
	return &RoomAffinity{instances: unique}
}

// Order returns every instance, most preferred first, for room.
func (a *RoomAffinity) Order(room string) []string {
	remaining := append([]string(nil), a.instances...)
	order := make([]string, 0, len(remaining))

	for len(remaining) > 0 {
		pick := rendezvous.New(remaining, xxhash.Sum64String).Lookup(room)
		order = append(order, pick)

		for i, instance := range remaining {
			if instance == pick {
				remaining = append(remaining[:i], remaining[i+1:]...)
				break
			}
		}
	}
	return order
}

// GetInstance returns the preferred instance for room.
func (a *RoomAffinity) GetInstance(room string) string {
	if len(a.instances) == 0 {
		return ""
	}
	return rendezvous.New(a.instances, xxhash.Sum64String).Lookup(room)
}
