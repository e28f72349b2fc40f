package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/settld-labs/settld-core/internal/domain"
	"github.com/settld-labs/settld-core/internal/store"
)

// RedisStore keeps idempotency snapshots in Redis instead of the primary
// store. Expiry rides on Redis TTLs, so replicas share replay state without
// touching Postgres on the hot path.
type RedisStore struct {
	rdb *redis.Client
}

var _ store.IdempotencyStore = (*RedisStore)(nil)

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func redisKey(tenantID, key string) string {
	return fmt.Sprintf("settld:idem:%s:%s", tenantID, key)
}

func (s *RedisStore) GetIdempotency(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	raw, err := s.rdb.Get(ctx, redisKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound("idempotency", key)
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var rec domain.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("idempotency: decode record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) PutIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: encode record: %w", err)
	}
	ttl := DefaultTTL
	if exp, perr := time.Parse(time.RFC3339Nano, rec.ExpiresAt); perr == nil {
		if d := time.Until(exp); d > 0 {
			ttl = d
		}
	}
	if err := s.rdb.Set(ctx, redisKey(rec.TenantID, rec.Key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("idempotency: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteIdempotency(ctx context.Context, tenantID, key string) error {
	if err := s.rdb.Del(ctx, redisKey(tenantID, key)).Err(); err != nil {
		return fmt.Errorf("idempotency: redis del: %w", err)
	}
	return nil
}

// SweepIdempotency is a no-op for Redis; keys expire on their own TTL.
func (s *RedisStore) SweepIdempotency(ctx context.Context, nowISO string) (int, error) {
	return 0, nil
}
