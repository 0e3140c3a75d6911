package routing

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisDirectory keeps the directory in Redis so every API replica sees the
// same bindings and queue rotation.
//
// Keys:
//   - routing:number:{number}          JSON Binding
//   - routing:contacts:{workspace}     hash caller -> contact id
//   - routing:queue:{workspace}:{id}   list of JSON Agent, rotated with LMOVE
type RedisDirectory struct {
	rdb *redis.Client
}

func NewRedisDirectory(rdb *redis.Client) *RedisDirectory {
	return &RedisDirectory{rdb: rdb}
}

func numberKey(number string) string        { return "routing:number:" + number }
func contactsKey(workspaceID string) string { return "routing:contacts:" + workspaceID }

func queueKey(workspaceID, queueID string) string {
	return "routing:queue:" + workspaceID + ":" + queueID
}

func (r *RedisDirectory) Bind(ctx context.Context, b Binding) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, numberKey(b.Number), raw, 0).Err()
}

func (r *RedisDirectory) AddContact(ctx context.Context, workspaceID, caller, contactID string) error {
	return r.rdb.HSet(ctx, contactsKey(workspaceID), caller, contactID).Err()
}

func (r *RedisDirectory) SetQueue(ctx context.Context, workspaceID, queueID string, agents ...Agent) error {
	k := queueKey(workspaceID, queueID)
	vals := make([]any, 0, len(agents))
	for _, a := range agents {
		raw, err := json.Marshal(a)
		if err != nil {
			return err
		}
		vals = append(vals, raw)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, k)
	if len(vals) > 0 {
		pipe.RPush(ctx, k, vals...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisDirectory) ResolveNumber(ctx context.Context, number string) (Binding, error) {
	raw, err := r.rdb.Get(ctx, numberKey(number)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Binding{}, ErrUnknownNumber
	}
	if err != nil {
		return Binding{}, err
	}
	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, err
	}
	return b, nil
}

func (r *RedisDirectory) LookupCaller(ctx context.Context, workspaceID, caller string) (string, bool, error) {
	id, err := r.rdb.HGet(ctx, contactsKey(workspaceID), caller).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// NextAgent moves the head of the queue list to its tail and returns it, so
// concurrent transfers spread across agents.
func (r *RedisDirectory) NextAgent(ctx context.Context, workspaceID, queueID string) (Agent, error) {
	k := queueKey(workspaceID, queueID)
	raw, err := r.rdb.LMove(ctx, k, k, "LEFT", "RIGHT").Bytes()
	if errors.Is(err, redis.Nil) {
		return Agent{}, ErrNoAgents
	}
	if err != nil {
		return Agent{}, err
	}
	var a Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return Agent{}, err
	}
	return a, nil
}
