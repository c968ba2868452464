package distributed

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"crowdlink/internal/core/domain"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func frame(t *testing.T, instance string, env *domain.Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(busFrame{InstanceID: instance, Envelope: env})
	require.NoError(t, err)
	return data
}

func TestDecodeFrame(t *testing.T) {
	env := &domain.Envelope{Kind: domain.KindPeerJoined, RoomID: "room-1", From: "alice"}

	got, err := decodeFrame("b", frame(t, "a", env))
	require.NoError(t, err)
	assert.Equal(t, domain.KindPeerJoined, got.Kind)
	assert.EqualValues(t, "alice", got.From)

	got, err = decodeFrame("a", frame(t, "a", env))
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = decodeFrame("b", []byte("{"))
	assert.Error(t, err)

	_, err = decodeFrame("b", frame(t, "a", nil))
	assert.Error(t, err)

	_, err = decodeFrame("b", frame(t, "a", &domain.Envelope{Kind: domain.KindChat}))
	assert.Error(t, err)
}

func TestRoomBus_CrossInstance(t *testing.T) {
	addr := os.Getenv("CROWDLINK_TEST_REDIS")
	if addr == "" {
		t.Skip("CROWDLINK_TEST_REDIS not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	logger := zap.NewNop().Sugar()
	a := NewRoomBus(client, "a", clock.New(), logger)
	b := NewRoomBus(client, "b", clock.New(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *domain.Envelope, 4)
	go b.Subscribe(ctx, func(env *domain.Envelope) { received <- env })
	go a.Subscribe(ctx, func(env *domain.Envelope) { t.Errorf("own frame delivered: %v", env.Kind) })
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, a.Publish(ctx, &domain.Envelope{Kind: domain.KindPeerLeft, RoomID: "room-1", From: "alice"}))

	select {
	case env := <-received:
		assert.Equal(t, domain.KindPeerLeft, env.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope not delivered to other instance")
	}
}
