package calls

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "CA1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected one holder at a time, saw %d", maxSeen)
	}
	if n := len(k.locks); n != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", n)
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyedMutex()
	unlockA, err := k.Lock(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "CA2")
	if err != nil {
		t.Fatalf("lock b blocked behind a: %v", err)
	}
	unlockB()
}

func TestKeyedMutex_WaiterGivesUpOnCancel(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "CA1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "CA1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op
	if n := len(k.locks); n != 0 {
		t.Fatalf("expected lock table to drain, got %d entries", n)
	}
}
