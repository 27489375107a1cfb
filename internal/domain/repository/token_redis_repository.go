package repository

import (
	"authgate/internal/common"
	"context"
	"errors"
	"fmt"

	"github.com/gosimple/slug"
	"github.com/redis/go-redis/v9"
)

type redisTokenStore struct {
	rdb    redis.UniversalClient
	prefix string
}

// NewRedisTokenStore namespaces keys with the slug of appName
// ("Ops Console" -> "ops-console:authToken") so several consoles can share
// one Redis. An empty appName leaves keys bare.
func NewRedisTokenStore(rdb redis.UniversalClient, appName string) TokenStore {
	prefix := ""
	if s := slug.Make(appName); s != "" {
		prefix = s + ":"
	}
	return &redisTokenStore{rdb: rdb, prefix: prefix}
}

func (s *redisTokenStore) key(k string) string {
	return s.prefix + k
}

func (s *redisTokenStore) GetItem(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redisTokenStore.GetItem[%s]: %w: %w", key, common.ErrStorage, err)
	}
	return v, true, nil
}

// SetItem stores without expiry; the session never times out on its own.
func (s *redisTokenStore) SetItem(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redisTokenStore.SetItem[%s]: %w: %w", key, common.ErrStorage, err)
	}
	return nil
}

func (s *redisTokenStore) RemoveItem(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redisTokenStore.RemoveItem[%s]: %w: %w", key, common.ErrStorage, err)
	}
	return nil
}
