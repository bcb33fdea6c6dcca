package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"branchpos/backend/internal/store"
)

const retryInterval = 50 * time.Millisecond

// RedisLocker shares locks between server processes through Redis.
type RedisLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	log    logrus.FieldLogger
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, log logrus.FieldLogger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	prefix = strings.TrimRight(prefix, ":")
	if prefix == "" {
		prefix = "branchpos:lock"
	}
	return &RedisLocker{
		client: redislock.New(client),
		prefix: prefix,
		ttl:    ttl,
		wait:   ttl,
		log:    log,
	}
}

// Acquire retries until the lock is free or the wait budget is spent; a
// lock that stays busy is reported as store.ErrConflict.
func (r *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lockKey := r.lockKey(key)
	retries := int(r.wait / retryInterval)
	held, err := r.client.Obtain(ctx, lockKey, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(retryInterval), retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: lock %s busy", store.ErrConflict, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}

	return func() {
		// the request context may already be cancelled
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := held.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.log.WithFields(logrus.Fields{"module": "lock", "key": lockKey}).WithError(err).Warn("release redis lock")
		}
	}, nil
}

func (r *RedisLocker) lockKey(key string) string {
	return r.prefix + ":" + key
}
