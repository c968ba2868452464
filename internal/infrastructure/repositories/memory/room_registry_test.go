package memory

import (
	"context"
	"testing"

	"crowdlink/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoomRegistry_JoinLeave(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRoomRegistry(0)

	others, err := reg.Join(ctx, "room-1", "bob")
	require.NoError(t, err)
	assert.Empty(t, others)

	others, err = reg.Join(ctx, "room-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"bob"}, others)

	_, err = reg.Join(ctx, "room-2", "carol")
	require.NoError(t, err)

	members, err := reg.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"alice", "bob"}, members)

	require.NoError(t, reg.Leave(ctx, "room-1", "bob"))
	require.NoError(t, reg.Leave(ctx, "room-1", "nobody"))
	require.NoError(t, reg.Leave(ctx, "room-9", "bob"))

	members, err = reg.Members(ctx, "room-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"alice"}, members)
}

func TestMemoryRoomRegistry_RoomLimit(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRoomRegistry(2)

	_, err := reg.Join(ctx, "room-1", "alice")
	require.NoError(t, err)
	_, err = reg.Join(ctx, "room-1", "bob")
	require.NoError(t, err)

	_, err = reg.Join(ctx, "room-1", "carol")
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	// rejoining does not count twice
	others, err := reg.Join(ctx, "room-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"alice"}, others)
}
