package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"branchpos/backend/internal/domain"
)

const keyPrefix = "branchpos:idem:"

type RedisIdempotencyCache struct {
	client *redis.Client
}

func NewRedisIdempotencyCache(addr string, password string, db int) *RedisIdempotencyCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisIdempotencyCache{client: client}
}

// Client exposes the connection so the lock package can share it.
func (c *RedisIdempotencyCache) Client() *redis.Client {
	return c.client
}

func (c *RedisIdempotencyCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisIdempotencyCache) Close() error {
	return c.client.Close()
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, key string) (*domain.Transaction, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var tx domain.Transaction
	if err := json.Unmarshal([]byte(val), &tx); err != nil {
		return nil, false, err
	}
	return &tx, true, nil
}

func (c *RedisIdempotencyCache) Set(ctx context.Context, key string, value *domain.Transaction, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+key, payload, ttl).Err()
}

func (c *RedisIdempotencyCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}
