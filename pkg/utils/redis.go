package utils

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the shared client. Zero durations and sizes take
// the defaults in withDefaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// leaseAcquireScript admits member into the lease set at KEYS[1] while fewer
// than ARGV[1] unexpired leases are held. Scores are expiry times in unix ms.
// Re-acquiring a held member renews it.
var leaseAcquireScript = redis.NewScript(`
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now)
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[1]) then
    return 0
  end
end
redis.call('ZADD', KEYS[1], now + ttl, ARGV[2])
redis.call('PEXPIRE', KEYS[1], ttl)
return 1
`)

var lockReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// AcquireLease takes one of limit slots under key for member until now+ttl.
// Expired leases are dropped first, so a crashed holder frees its slot on
// its own.
func AcquireLease(ctx context.Context, rdb *redis.Client, key, member string, limit int, ttl time.Duration, now time.Time) (bool, error) {
	switch {
	case rdb == nil:
		return false, errors.New("redis client is nil")
	case key == "" || member == "":
		return false, errors.New("lease key and member are required")
	case limit <= 0:
		return false, errors.New("lease limit must be > 0")
	case ttl <= 0:
		return false, errors.New("lease ttl must be > 0")
	}
	res, err := leaseAcquireScript.Run(ctx, rdb, []string{key}, limit, member, now.UnixMilli(), ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// ReleaseLease drops member's lease. Releasing twice is a no-op.
func ReleaseLease(ctx context.Context, rdb *redis.Client, key, member string) error {
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	return rdb.ZRem(ctx, key, member).Err()
}

// CountLeases reports unexpired leases under key.
func CountLeases(ctx context.Context, rdb *redis.Client, key string, now time.Time) (int64, error) {
	if rdb == nil {
		return 0, errors.New("redis client is nil")
	}
	return rdb.ZCount(ctx, key, "("+strconv.FormatInt(now.UnixMilli(), 10), "+inf").Result()
}

// ErrLockHeld is returned when TryLock finds the key owned by someone else.
var ErrLockHeld = errors.New("redis lock held")

// TryLock sets key to token if absent. The TTL bounds how long a crashed
// holder can block others.
func TryLock(ctx context.Context, rdb *redis.Client, key, token string, ttl time.Duration) error {
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	ok, err := rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Unlock releases key if it is still owned by token.
func Unlock(ctx context.Context, rdb *redis.Client, key, token string) error {
	if rdb == nil {
		return errors.New("redis client is nil")
	}
	_, err := lockReleaseScript.Run(ctx, rdb, []string{key}, token).Result()
	return err
}
