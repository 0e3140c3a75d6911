package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"callflow-platform/pkg/utils"
)

// DefaultDedupTTL is how long an applied event key is remembered. Twilio
// gives up retrying well within a day.
const DefaultDedupTTL = 24 * time.Hour

// Dedup remembers event keys that were already applied. Claim reports false
// for a key seen before; Release forgets a key whose processing failed so the
// provider's retry is applied.
type Dedup interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryDedup is a process-local Dedup for tests and the local profile.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration

	Now func() time.Time
}

func NewMemoryDedup(ttl time.Duration) *MemoryDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &MemoryDedup{seen: map[string]time.Time{}, ttl: ttl, Now: time.Now}
}

func (m *MemoryDedup) Claim(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	if exp, ok := m.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.seen[key] = now.Add(m.ttl)
	return true, nil
}

func (m *MemoryDedup) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

// RedisDedup claims keys with SET NX and a TTL so every API replica sees the
// same applied set.
type RedisDedup struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisDedup(rdb *redis.Client, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDedup{rdb: rdb, ttl: ttl}
}

const dedupToken = "1"

func dedupKey(key string) string { return "gateway:dedup:" + key }

func (r *RedisDedup) Claim(ctx context.Context, key string) (bool, error) {
	err := utils.TryLock(ctx, r.rdb, dedupKey(key), dedupToken, r.ttl)
	if errors.Is(err, utils.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisDedup) Release(ctx context.Context, key string) error {
	return utils.Unlock(ctx, r.rdb, dedupKey(key), dedupToken)
}
