package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConferenceRecord tracks a conference the bridge created so it can be torn
// down when any of its legs exits.
type ConferenceRecord struct {
	Name        string    `json:"name"`
	WorkspaceID string    `json:"workspace_id"`
	CallID      string    `json:"call_id"`
	Legs        []string  `json:"legs"`
	CreatedAt   time.Time `json:"created_at"`
}

type ConferenceStore interface {
	Put(ctx context.Context, rec ConferenceRecord) error
	ByLeg(ctx context.Context, legID string) (ConferenceRecord, bool, error)
	// Remove deletes the record and reports whether this caller removed it.
	Remove(ctx context.Context, name string) (bool, error)
}

type MemoryConferences struct {
	mu     sync.Mutex
	byName map[string]ConferenceRecord
	byLeg  map[string]string
}

func NewMemoryConferences() *MemoryConferences {
	return &MemoryConferences{byName: map[string]ConferenceRecord{}, byLeg: map[string]string{}}
}

func (m *MemoryConferences) Put(_ context.Context, rec ConferenceRecord) error {
	if rec.Name == "" {
		return errors.New("bridge: conference name required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Legs = append([]string(nil), rec.Legs...)
	m.byName[rec.Name] = rec
	for _, l := range rec.Legs {
		m.byLeg[l] = rec.Name
	}
	return nil
}

func (m *MemoryConferences) ByLeg(_ context.Context, legID string) (ConferenceRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name, ok := m.byLeg[legID]
	if !ok {
		return ConferenceRecord{}, false, nil
	}
	rec, ok := m.byName[name]
	return rec, ok, nil
}

func (m *MemoryConferences) Remove(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byName[name]
	if !ok {
		return false, nil
	}
	delete(m.byName, name)
	for _, l := range rec.Legs {
		delete(m.byLeg, l)
	}
	return true, nil
}

// Len returns the number of tracked conferences.
func (m *MemoryConferences) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byName)
}

// RedisConferences shares conference records across API replicas. Records
// expire after ttl so a lost leg-exit callback cannot pin one forever.
type RedisConferences struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisConferences(rdb *redis.Client, ttl time.Duration) *RedisConferences {
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &RedisConferences{rdb: rdb, ttl: ttl}
}

func confKey(name string) string { return "bridge:conf:" + name }
func legKey(legID string) string { return "bridge:leg:" + legID }

func (r *RedisConferences) Put(ctx context.Context, rec ConferenceRecord) error {
	if rec.Name == "" {
		return errors.New("bridge: conference name required")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, confKey(rec.Name), b, r.ttl)
	for _, l := range rec.Legs {
		pipe.Set(ctx, legKey(l), rec.Name, r.ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisConferences) ByLeg(ctx context.Context, legID string) (ConferenceRecord, bool, error) {
	name, err := r.rdb.Get(ctx, legKey(legID)).Result()
	if errors.Is(err, redis.Nil) {
		return ConferenceRecord{}, false, nil
	}
	if err != nil {
		return ConferenceRecord{}, false, err
	}
	b, err := r.rdb.Get(ctx, confKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ConferenceRecord{}, false, nil
	}
	if err != nil {
		return ConferenceRecord{}, false, err
	}
	var rec ConferenceRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return ConferenceRecord{}, false, err
	}
	return rec, true, nil
}

func (r *RedisConferences) Remove(ctx context.Context, name string) (bool, error) {
	b, err := r.rdb.GetDel(ctx, confKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var rec ConferenceRecord
	if err := json.Unmarshal(b, &rec); err == nil && len(rec.Legs) > 0 {
		keys := make([]string, 0, len(rec.Legs))
		for _, l := range rec.Legs {
			keys = append(keys, legKey(l))
		}
		if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
			return true, err
		}
	}
	return true, nil
}
