package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"crowdlink/internal/core/domain"
	"crowdlink/internal/core/ports"
	"crowdlink/pkg/circuitbreaker"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const roomChannel = "crowdlink:rooms"

var errAlreadySubscribed = errors.New("already subscribed")

// busFrame is what travels on the Redis channel.
type busFrame struct {
	InstanceID string           `json:"instance_id"`
	Envelope   *domain.Envelope `json:"envelope"`
}

// RoomBus fans room envelopes out to the other relay instances over Redis
// pub/sub. Publishing goes through a breaker so a Redis outage does not
// stall local delivery.
type RoomBus struct {
	client     *redis.Client
	instanceID string
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewRoomBus(client *redis.Client, instanceID string, clk clock.Clock, logger *zap.SugaredLogger) *RoomBus {
	return &RoomBus{
		client:     client,
		instanceID: instanceID,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig(), clk),
		logger:     logger,
	}
}

var _ ports.RoomBus = (*RoomBus)(nil)

func (b *RoomBus) Publish(ctx context.Context, env *domain.Envelope) error {
	data, err := json.Marshal(busFrame{InstanceID: b.instanceID, Envelope: env})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	err = b.breaker.Execute(ctx, func(ctx context.Context) error {
		return b.client.Publish(ctx, roomChannel, data).Err()
	})
	if err != nil {
		return fmt.Errorf("failed to publish envelope: %w", err)
	}

	b.logger.Debugw("published envelope",
		"kind", env.Kind,
		"room_id", env.RoomID,
		"from", env.From,
	)
	return nil
}

func (b *RoomBus) Subscribe(ctx context.Context, handler func(env *domain.Envelope)) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return errAlreadySubscribed
	}
	pubsub := b.client.Subscribe(ctx, roomChannel)
	b.pubsub = pubsub
	b.mu.Unlock()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := decodeFrame(b.instanceID, []byte(msg.Payload))
			if err != nil {
				b.logger.Warnw("failed to decode bus frame", "error", err)
				continue
			}
			if env != nil {
				handler(env)
			}
		}
	}
}

func (b *RoomBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

// decodeFrame returns nil for frames this instance published itself.
func decodeFrame(self string, data []byte) (*domain.Envelope, error) {
	var frame busFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, err
	}
	if frame.InstanceID == self {
		return nil, nil
	}
	if frame.Envelope == nil {
		return nil, errors.New("frame without envelope")
	}
	if err := frame.Envelope.Validate(); err != nil {
		return nil, err
	}
	return frame.Envelope, nil
}
