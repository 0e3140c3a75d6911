package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"callflow-platform/pkg/utils"
)

// Locker serializes work on one session. Different keys never block each other.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are dropped when no holder or
// waiter remains, so memory follows the number of in-flight calls.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: map[string]*keyedEntry{}}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { k.release(key, e, true) }) }, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// RedisLocker is a Locker shared by every API replica. The lock value is a
// per-acquisition token so a holder whose TTL expired cannot release a lock
// someone else now owns.
type RedisLocker struct {
	rdb     *redis.Client
	ttl     time.Duration
	retry   time.Duration
	maxWait time.Duration
}

func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retry: 15 * time.Millisecond, maxWait: 5 * time.Second}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := "calls:lock:" + key
	token := uuid.NewString()

	waitCtx, cancel := context.WithTimeout(ctx, r.maxWait)
	defer cancel()

	delay := r.retry
	for {
		err := utils.TryLock(waitCtx, r.rdb, lockKey, token, r.ttl)
		if err == nil {
			break
		}
		if !errors.Is(err, utils.ErrLockHeld) {
			return nil, err
		}
		select {
		case <-waitCtx.Done():
			return nil, fmt.Errorf("calls: lock %s: %w", key, waitCtx.Err())
		case <-time.After(delay):
		}
		if delay < 200*time.Millisecond {
			delay *= 2
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release with a fresh context: the caller's may already be done.
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = utils.Unlock(relCtx, r.rdb, lockKey, token)
		})
	}, nil
}
