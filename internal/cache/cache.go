package cache

import (
	"context"
	"time"

	"branchpos/backend/internal/domain"
)

// IdempotencyCache remembers the transaction produced for a finalize
// idempotency key so retries can be answered without touching the store.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (*domain.Transaction, bool, error)
	Set(ctx context.Context, key string, value *domain.Transaction, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type NoopIdempotencyCache struct{}

func (NoopIdempotencyCache) Get(_ context.Context, _ string) (*domain.Transaction, bool, error) {
	return nil, false, nil
}

func (NoopIdempotencyCache) Set(_ context.Context, _ string, _ *domain.Transaction, _ time.Duration) error {
	return nil
}

func (NoopIdempotencyCache) Delete(_ context.Context, _ string) error {
	return nil
}
