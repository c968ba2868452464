package redis

import (
	"context"
	"fmt"
	"time"

	"crowdlink/pkg/config"
	"crowdlink/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const connectTimeout = 5 * time.Second

// ClientOptions derives pool settings from the redis section. Reads and
// writes stay short: the relay holds a room lock while it talks to redis.
func ClientOptions(cfg *config.Config) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: 1,
		DialTimeout:  connectTimeout,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// pingRetry covers redis coming up alongside the relay.
var pingRetry = retry.Config{
	Enabled:      true,
	MaxAttempts:  3,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2,
	Jitter:       true,
}

// Connect opens a client and pings it before handing it out.
func Connect(ctx context.Context, opts *redis.Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	err := retry.Retry(ctx, pingRetry, func(ctx context.Context) error {
		err := client.Ping(ctx).Err()
		if err != nil {
			logger.Debugw("redis ping failed", "address", opts.Addr, "error", err)
		}
		return err
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", opts.Addr, err)
	}

	logger.Infow("connected to redis", "address", opts.Addr, "db", opts.DB)
	return client, nil
}
