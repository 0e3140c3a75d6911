package routing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOverrides keeps overrides under routing:override:{number}. The key
// expires with the override, so an expired override disappears on its own.
type RedisOverrides struct {
	rdb *redis.Client
}

func NewRedisOverrides(rdb *redis.Client) *RedisOverrides {
	return &RedisOverrides{rdb: rdb}
}

func overrideKey(number string) string { return "routing:override:" + number }

func (r *RedisOverrides) Set(ctx context.Context, o Override) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, overrideKey(o.Number), raw, 0)
	pipe.ExpireAt(ctx, overrideKey(o.Number), o.ExpiresAt)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisOverrides) GetActiveOverride(ctx context.Context, number string, now time.Time) (Override, bool, error) {
	raw, err := r.rdb.Get(ctx, overrideKey(number)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Override{}, false, nil
	}
	if err != nil {
		return Override{}, false, err
	}
	var o Override
	if err := json.Unmarshal(raw, &o); err != nil {
		return Override{}, false, err
	}
	if !o.ExpiresAt.After(now) {
		return Override{}, false, nil
	}
	return o, true, nil
}
