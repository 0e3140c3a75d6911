package calls

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps live sessions as JSON under calls:session:{provider_call_id}.
// The TTL reaps sessions whose completion webhook never arrived.
type RedisStore struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: "calls:session:"}
}

func (r *RedisStore) key(providerCallID string) string { return r.prefix + providerCallID }

func (r *RedisStore) Create(ctx context.Context, s Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ok, err := r.rdb.SetNX(ctx, r.key(s.ProviderCallID), b, r.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionExists
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, providerCallID string) (Session, error) {
	b, err := r.rdb.Get(ctx, r.key(providerCallID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(b, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

func (r *RedisStore) Put(ctx context.Context, s Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	// XX: only overwrite a session that still exists.
	ok, err := r.rdb.SetXX(ctx, r.key(s.ProviderCallID), b, r.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, providerCallID string) error {
	return r.rdb.Del(ctx, r.key(providerCallID)).Err()
}
