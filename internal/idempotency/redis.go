package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/onnwee/paybalance/internal/tracing"
)

// redisKeyPrefix namespaces idempotency records in a shared Redis.
const redisKeyPrefix = "idempotency:"

// RedisRepository implements Repository on Redis. Records expire through the
// key TTL, so DeleteOlderThan has nothing to do.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository creates a RedisRepository. A non-positive ttl uses DefaultExpiry.
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultExpiry
	}
	return &RedisRepository{
		client: client,
		ttl:    ttl,
	}
}

// Get retrieves an idempotency key by its key value.
func (r *RedisRepository) Get(ctx context.Context, key string) (_ *IdempotencyKey, err error) {
	ctx, endSpan := tracing.StartRedisSpan(ctx, "GET")
	defer func() { endSpan(err) }()

	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}

	var rec IdempotencyKey
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode idempotency key: %w", err)
	}
	return &rec, nil
}

// Store saves the record with SET NX so a concurrent writer for the same key loses.
func (r *RedisRepository) Store(ctx context.Context, record *IdempotencyKey) (err error) {
	if err := ValidateKey(record.Key); err != nil {
		return err
	}

	ctx, endSpan := tracing.StartRedisSpan(ctx, "SETNX")
	defer func() { endSpan(err) }()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency key: %w", err)
	}

	ok, err := r.client.SetNX(ctx, redisKeyPrefix+record.Key, data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to store idempotency key: %w", err)
	}
	if !ok {
		return ErrKeyExists
	}
	return nil
}

// DeleteOlderThan is a no-op; Redis expires records on its own.
func (r *RedisRepository) DeleteOlderThan(ctx context.Context, duration time.Duration) (int64, error) {
	return 0, nil
}
