package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sendpipe/internal/models"
)

// DefaultTTL is how long mirrored outcomes stay readable.
const DefaultTTL = 24 * time.Hour

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// Compile-time check that RedisCache implements MessageCache.
var _ MessageCache = (*RedisCache)(nil)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func messageKey(id string) string {
	return fmt.Sprintf("msg:%s", id)
}

func (c *RedisCache) StoreMessage(ctx context.Context, msg models.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, messageKey(msg.ID), b, c.ttl).Err()
}

func (c *RedisCache) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	raw, err := c.rdb.Get(ctx, messageKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cached message %s: %w", id, err)
	}

	var msg models.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return nil, fmt.Errorf("failed to decode cached message %s: %w", id, err)
	}
	return &msg, nil
}
