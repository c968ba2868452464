package redis

import (
	"context"
	"os"
	"testing"

	"crowdlink/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMembershipEntry(t *testing.T) {
	room, peer, ok := parseMembershipEntry(membershipEntry("room-1", "alice"))
	require.True(t, ok)
	assert.EqualValues(t, "room-1", room)
	assert.EqualValues(t, "alice", peer)

	_, _, ok = parseMembershipEntry("garbage")
	assert.False(t, ok)
	_, _, ok = parseMembershipEntry("\x00alice")
	assert.False(t, ok)
}

func TestRedisRoomRegistry(t *testing.T) {
	addr := os.Getenv("CROWDLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("CROWDLINK_TEST_REDIS not set")
	}

	logger := zap.NewNop().Sugar()
	client, err := Connect(context.Background(), &redis.Options{Addr: addr, PoolSize: 4}, logger)
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	room := domain.RoomID("registry-test-" + t.Name())
	reg := NewRedisRoomRegistry(client, "instance-a", 2, logger)
	defer reg.Cleanup(ctx)

	others, err := reg.Join(ctx, room, "bob")
	require.NoError(t, err)
	assert.Empty(t, others)

	others, err = reg.Join(ctx, room, "alice")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"bob"}, others)

	_, err = reg.Join(ctx, room, "carol")
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	require.NoError(t, reg.Leave(ctx, room, "bob"))
	members, err := reg.Members(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"alice"}, members)

	require.NoError(t, reg.Cleanup(ctx))
	members, err = reg.Members(ctx, room)
	require.NoError(t, err)
	assert.Empty(t, members)
}
