package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOwnerTokenUnique(t *testing.T) {
	a, b := ownerToken(), ownerToken()
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}

func TestLockExclusive(t *testing.T) {
	addr := os.Getenv("CROWDLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("CROWDLINK_TEST_REDIS not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	locks := NewLockManager(client, "crowdlink:test:lock:")

	first := locks.AcquireLock(t.Name(), time.Second)
	require.NoError(t, first.LockWithTimeout(ctx, time.Second))

	second := locks.AcquireLock(t.Name(), time.Second)
	err := second.LockWithTimeout(ctx, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.ErrorIs(t, second.Unlock(ctx), ErrLockNotHeld)

	require.NoError(t, first.Unlock(ctx))
	require.NoError(t, second.LockWithTimeout(ctx, time.Second))
	require.NoError(t, second.Unlock(ctx))
}
