package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	"crowdlink/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix       = "crowdlink:"
	membershipTTL   = 10 * time.Minute
	joinLockTTL     = 5 * time.Second
	joinLockTimeout = 3 * time.Second
)

// RedisRoomRegistry shares room membership between relay instances. Joins
// take a per-room lock so the room limit holds across instances.
type RedisRoomRegistry struct {
	client      *redis.Client
	locks       *distributed.LockManager
	instanceID  string
	maxRoomSize int
	logger      *zap.SugaredLogger
}

func NewRedisRoomRegistry(client *redis.Client, instanceID string, maxRoomSize int, logger *zap.SugaredLogger) *RedisRoomRegistry {
	return &RedisRoomRegistry{
		client:      client,
		locks:       distributed.NewLockManager(client, keyPrefix+"lock:"),
		instanceID:  instanceID,
		maxRoomSize: maxRoomSize,
		logger:      logger,
	}
}

var _ ports.RoomRegistry = (*RedisRoomRegistry)(nil)

func (r *RedisRoomRegistry) Join(ctx context.Context, room domain.RoomID, peer domain.PeerID) ([]domain.PeerID, error) {
	lock := r.locks.AcquireLock("room:"+string(room), joinLockTTL)
	if err := lock.LockWithTimeout(ctx, joinLockTimeout); err != nil {
		return nil, fmt.Errorf("failed to lock room %s: %w", room, err)
	}
	defer func() {
		if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
			r.logger.Warnw("failed to release room lock", "room_id", room, "error", err)
		}
	}()

	members, err := r.Members(ctx, room)
	if err != nil {
		return nil, err
	}

	present := false
	others := make([]domain.PeerID, 0, len(members))
	for _, id := range members {
		if id == peer {
			present = true
			continue
		}
		others = append(others, id)
	}
	if !present && r.maxRoomSize > 0 && len(members) >= r.maxRoomSize {
		return nil, domain.ErrRoomFull
	}

	roomKey := r.roomPeersKey(room)
	instanceKey := r.instancePeersKey()
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, roomKey, string(peer))
	pipe.Expire(ctx, roomKey, membershipTTL)
	pipe.SAdd(ctx, instanceKey, membershipEntry(room, peer))
	pipe.Expire(ctx, instanceKey, membershipTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to add peer to room set: %w", err)
	}

	return others, nil
}

func (r *RedisRoomRegistry) Leave(ctx context.Context, room domain.RoomID, peer domain.PeerID) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, r.roomPeersKey(room), string(peer))
	pipe.SRem(ctx, r.instancePeersKey(), membershipEntry(room, peer))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove peer from room set: %w", err)
	}
	return nil
}

func (r *RedisRoomRegistry) Members(ctx context.Context, room domain.RoomID) ([]domain.PeerID, error) {
	ids, err := r.client.SMembers(ctx, r.roomPeersKey(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room peers: %w", err)
	}

	result := make([]domain.PeerID, len(ids))
	for i, id := range ids {
		result[i] = domain.PeerID(id)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })
	return result, nil
}

// Cleanup removes every membership registered by this instance, e.g. on
// shutdown.
func (r *RedisRoomRegistry) Cleanup(ctx context.Context) error {
	instanceKey := r.instancePeersKey()
	entries, err := r.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		return fmt.Errorf("failed to get instance peers: %w", err)
	}

	for _, entry := range entries {
		room, peer, ok := parseMembershipEntry(entry)
		if !ok {
			continue
		}
		if err := r.client.SRem(ctx, r.roomPeersKey(room), string(peer)).Err(); err != nil {
			r.logger.Warnw("failed to unregister peer during cleanup",
				"room_id", room,
				"peer_id", peer,
				"error", err,
			)
		}
	}

	return r.client.Del(ctx, instanceKey).Err()
}

func (r *RedisRoomRegistry) roomPeersKey(room domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:peers", keyPrefix, room)
}

func (r *RedisRoomRegistry) instancePeersKey() string {
	return fmt.Sprintf("%sinstance:%s:peers", keyPrefix, r.instanceID)
}

func membershipEntry(room domain.RoomID, peer domain.PeerID) string {
	return string(room) + "\x00" + string(peer)
}

func parseMembershipEntry(entry string) (domain.RoomID, domain.PeerID, bool) {
	room, peer, ok := strings.Cut(entry, "\x00")
	if !ok || room == "" || peer == "" {
		return "", "", false
	}
	return domain.RoomID(room), domain.PeerID(peer), true
}
