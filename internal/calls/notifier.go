package calls

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Notifier publishes downstream notifications. Delivery is fire-and-forget;
// callers log failures and carry on.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type MemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func NewMemoryNotifier() *MemoryNotifier { return &MemoryNotifier{} }

func (m *MemoryNotifier) Notify(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

func (m *MemoryNotifier) Sent() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}

// RedisNotifier appends notifications to a Redis stream. Consumers (the
// recording pipeline, analytics) read it with their own consumer groups.
type RedisNotifier struct {
	rdb    *redis.Client
	stream string
	maxLen int64
}

func NewRedisNotifier(rdb *redis.Client, stream string) *RedisNotifier {
	if stream == "" {
		stream = "calls:events"
	}
	return &RedisNotifier{rdb: rdb, stream: stream, maxLen: 100000}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		MaxLen: r.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":    string(n.Kind),
			"call_id": n.CallID,
			"payload": string(body),
		},
	}).Err()
}
