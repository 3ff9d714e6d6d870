package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"news-reporter/internal/domain"
)

// RedisCache реализует domain.EphemeralCache через Redis.
type RedisCache struct {
	client *redis.Client
}

var _ domain.EphemeralCache = (*RedisCache)(nil)

// NewRedis создаёт кэш.
func NewRedis(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get возвращает значение либо domain.ErrNotFound.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	return value, err
}

// Set задаёт значение. Нулевой ttl означает хранение без срока.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}
