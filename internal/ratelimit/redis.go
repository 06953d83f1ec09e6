package ratelimit

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCounter is a Counter shared across server instances. The window is
// enforced with a key TTL set on the first increment.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(addr string, password string, db int) *RedisCounter {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCounter{client: client, prefix: "ratelimit:"}
}

func (c *RedisCounter) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCounter) Close() error {
	return c.client.Close()
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	full := c.prefix + key
	count, err := c.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := c.client.Expire(ctx, full, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.prefix+key).Err()
}
