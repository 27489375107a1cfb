package database

import (
	"authgate/internal/platform/config"
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ConnectRedis builds a client from cfg and pings it once.
func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}
	return rdb, nil
}
