// Package redisclient holds the Redis connection and the slot lock built on it.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/walkin-queue/internal/config"
)

// Connect opens the client and pings it, retrying with a linear backoff
// while the server comes up. Pub/Sub subscriptions hold one connection each
// on top of the pool.
func Connect(ctx context.Context, cfg config.Config, logger *zap.Logger) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Username:     cfg.RedisUsername,
		Password:     cfg.RedisPassword,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     max(cfg.RedisPoolSize, 1),
		MinIdleConns: 1,
	})

	attempts := max(cfg.ConnectAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			return rdb, nil
		}
		if attempt == attempts {
			break
		}

		logger.Warn("redis not ready, retrying",
			zap.String("addr", cfg.RedisAddr),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			_ = rdb.Close()
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}

	_ = rdb.Close()
	return nil, fmt.Errorf("ping redis at %s: %w", cfg.RedisAddr, err)
}
