package calls

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"callflow-platform/pkg/utils"
)

// Capacity caps live sessions per workspace. Each held slot is named by a
// reservation token, so releasing the same reservation twice frees one slot.
type Capacity interface {
	Acquire(ctx context.Context, workspaceID, token string) (bool, error)
	Release(ctx context.Context, workspaceID, token string) error
}

// RedisCapacity keeps one lease set per workspace. The lease TTL matches the
// session TTL so slots of a crashed process expire with its sessions.
type RedisCapacity struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
	Now   func() time.Time
}

func NewRedisCapacity(rdb *redis.Client, limit int, ttl time.Duration) *RedisCapacity {
	return &RedisCapacity{rdb: rdb, limit: limit, ttl: ttl, Now: time.Now}
}

func capacityKey(workspaceID string) string { return "calls:live:" + workspaceID }

func (c *RedisCapacity) Acquire(ctx context.Context, workspaceID, token string) (bool, error) {
	return utils.AcquireLease(ctx, c.rdb, capacityKey(workspaceID), token, c.limit, c.ttl, c.Now())
}

func (c *RedisCapacity) Release(ctx context.Context, workspaceID, token string) error {
	return utils.ReleaseLease(ctx, c.rdb, capacityKey(workspaceID), token)
}

// Live reports the unexpired slots held for workspaceID.
func (c *RedisCapacity) Live(ctx context.Context, workspaceID string) (int64, error) {
	return utils.CountLeases(ctx, c.rdb, capacityKey(workspaceID), c.Now())
}

type MemoryCapacity struct {
	mu    sync.Mutex
	limit int
	held  map[string]map[string]struct{}
}

func NewMemoryCapacity(limit int) *MemoryCapacity {
	return &MemoryCapacity{limit: limit, held: map[string]map[string]struct{}{}}
}

func (c *MemoryCapacity) Acquire(_ context.Context, workspaceID, token string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots := c.held[workspaceID]
	if _, ok := slots[token]; ok {
		return true, nil
	}
	if len(slots) >= c.limit {
		return false, nil
	}
	if slots == nil {
		slots = map[string]struct{}{}
		c.held[workspaceID] = slots
	}
	slots[token] = struct{}{}
	return true, nil
}

func (c *MemoryCapacity) Release(_ context.Context, workspaceID, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held[workspaceID], token)
	return nil
}

func (c *MemoryCapacity) Live(workspaceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held[workspaceID])
}
