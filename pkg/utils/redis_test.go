package utils

import (
	"context"
	"testing"
	"time"
)

func TestLeaseHelpers_ValidateArguments(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	if _, err := AcquireLease(ctx, nil, "calls:live:w1", "r1", 1, time.Second, now); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := ReleaseLease(ctx, nil, "calls:live:w1", "r1"); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if _, err := CountLeases(ctx, nil, "calls:live:w1", now); err == nil {
		t.Fatalf("expected error for nil client")
	}
	if err := TryLock(ctx, nil, "k", "t", time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestRedisConfigDefaults(t *testing.T) {
	c := RedisConfig{Addr: "localhost:6379"}.withDefaults()
	if c.PoolSize != 20 || c.PingTimeout != 2*time.Second || c.ConnMaxLifetime != 30*time.Minute {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	keep := RedisConfig{Addr: "localhost:6379", PoolSize: 5}.withDefaults()
	if keep.PoolSize != 5 {
		t.Fatalf("explicit pool size overwritten: %d", keep.PoolSize)
	}
}
