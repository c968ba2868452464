package repositories

import (
	"context"

	"crowdlink/internal/core/ports"
	"crowdlink/internal/infrastructure/distributed"
	"crowdlink/internal/infrastructure/repositories/memory"
	redisrepo "crowdlink/internal/infrastructure/repositories/redis"
	"crowdlink/pkg/config"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// RepositoryFactory picks Redis-backed room state when Redis is enabled and
// reachable, and falls back to a single-instance memory registry otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	instanceID  string
	maxRoomSize int
	clock       clock.Clock
	logger      *zap.SugaredLogger

	registry *redisrepo.RedisRoomRegistry
	bus      *distributed.RoomBus
}

func NewRepositoryFactory(cfg *config.Config, instanceID string, clk clock.Clock, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis:    cfg.Redis.Enabled,
		instanceID:  instanceID,
		maxRoomSize: cfg.Server.MaxRoomSize,
		clock:       clk,
		logger:      logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.Connect(context.Background(), redisrepo.ClientOptions(cfg), logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory registry",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis room registry and bus")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory room registry")
	}

	return factory
}

func (f *RepositoryFactory) CreateRoomRegistry() ports.RoomRegistry {
	if f.useRedis && f.redisClient != nil {
		f.registry = redisrepo.NewRedisRoomRegistry(f.redisClient, f.instanceID, f.maxRoomSize, f.logger)
		return f.registry
	}
	return memory.NewMemoryRoomRegistry(f.maxRoomSize)
}

// CreateRoomBus returns nil when the relay runs as a single instance.
func (f *RepositoryFactory) CreateRoomBus() ports.RoomBus {
	if f.useRedis && f.redisClient != nil {
		f.bus = distributed.NewRoomBus(f.redisClient, f.instanceID, f.clock, f.logger)
		return f.bus
	}
	return nil
}

// Close drops this instance's memberships and closes Redis.
func (f *RepositoryFactory) Close(ctx context.Context) error {
	var err error
	if f.registry != nil {
		err = multierr.Append(err, f.registry.Cleanup(ctx))
	}
	if f.bus != nil {
		err = multierr.Append(err, f.bus.Close())
	}
	if f.redisClient != nil {
		err = multierr.Append(err, f.redisClient.Close())
	}
	return err
}

func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
