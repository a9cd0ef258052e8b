package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cfgpkg "github.com/fatflowers/chanseller/pkg/config"
)

// NewRedisClient connects to Redis when an address is configured.
// It returns a nil client otherwise.
func NewRedisClient(lc fx.Lifecycle, l *zap.SugaredLogger, cfg *cfgpkg.Config) (*redis.Client, error) {
	if !cfg.RedisEnabled() {
		l.Infow("redis disabled, using in-process coordination")
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	l.Infow("connected to redis", "addr", cfg.Redis.Addr)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			l.Infow("closing redis client")
			return client.Close()
		},
	})
	return client, nil
}

// NewStore picks the Redis-backed store when a client is available.
func NewStore(rdb *redis.Client) Store {
	if rdb == nil {
		return NewLocalStore()
	}
	return NewRedisStore(rdb)
}

var Module = fx.Options(
	fx.Provide(NewRedisClient),
	fx.Provide(NewStore),
)
