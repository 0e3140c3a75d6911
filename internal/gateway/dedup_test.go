package gateway

import (
	"context"
	"testing"
	"time"
)

func TestMemoryDedup(t *testing.T) {
	d := NewMemoryDedup(time.Minute)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	d.Now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := d.Claim(ctx, "k"); !ok {
		t.Fatalf("first claim should win")
	}
	if ok, _ := d.Claim(ctx, "k"); ok {
		t.Fatalf("second claim should lose")
	}
	if err := d.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, _ := d.Claim(ctx, "k"); !ok {
		t.Fatalf("released key should be claimable")
	}

	now = now.Add(2 * time.Minute)
	if ok, _ := d.Claim(ctx, "k"); !ok {
		t.Fatalf("expired key should be claimable")
	}
}

func TestRedisDedupKey(t *testing.T) {
	if got := dedupKey("tw:1"); got != "gateway:dedup:tw:1" {
		t.Fatalf("key=%q", got)
	}
	if NewRedisDedup(nil, 0).ttl != DefaultDedupTTL {
		t.Fatalf("default ttl not applied")
	}
}
