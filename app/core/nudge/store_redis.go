package nudge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	redisTaskKeyPrefix = "nudge:task:"
	redisUserKeyPrefix = "nudge:user:"
	redisDueKey        = "nudge:due"
)

// RedisStore keeps each task as a JSON value, a per-user id set, and a due
// sorted set scored by the due instant. Compare-and-swap rides on WATCH.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("nudge: redis client is required")
	}
	return &RedisStore{client: client}, nil
}

func taskKey(id string) string  { return redisTaskKeyPrefix + id }
func userKey(uid string) string { return redisUserKeyPrefix + uid }

func (s *RedisStore) Create(ctx context.Context, task Task) (Task, error) {
	if strings.TrimSpace(task.ID) == "" {
		return Task{}, fmt.Errorf("nudge: task id is required")
	}
	task.Version = 1
	raw, err := json.Marshal(task)
	if err != nil {
		return Task{}, err
	}

	key := taskKey(task.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if exists > 0 {
			return fmt.Errorf("nudge: task %s already exists", task.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, raw, 0)
			pipe.SAdd(ctx, userKey(task.UserID), task.ID)
			pipe.ZAdd(ctx, redisDueKey, redis.Z{Score: float64(task.DueAt.UTC().Unix()), Member: task.ID})
			return nil
		})
		return err
	}, key)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Task, error) {
	raw, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("nudge: record %s is corrupt: %w", id, err)
	}
	return task, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, task Task) (Task, error) {
	key := taskKey(task.ID)
	var swapped Task
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var current Task
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("nudge: record %s is corrupt: %w", task.ID, err)
		}
		if current.Version != task.Version {
			return ErrVersionConflict
		}
		next := task
		next.Version++
		updated, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			if next.Status.Active() {
				pipe.ZAdd(ctx, redisDueKey, redis.Z{Score: float64(next.DueAt.UTC().Unix()), Member: next.ID})
			} else {
				pipe.ZRem(ctx, redisDueKey, next.ID)
			}
			return nil
		})
		if err != nil {
			return err
		}
		swapped = next
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return Task{}, ErrVersionConflict
	}
	if err != nil {
		return Task{}, err
	}
	return swapped, nil
}

func (s *RedisStore) ActiveByUser(ctx context.Context, userID string) ([]Task, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var out []Task
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Stale index entry; sweep it.
			s.client.SRem(ctx, userKey(userID), id)
			continue
		}
		if err != nil {
			continue
		}
		if task.Status.Active() {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *RedisStore) ListDue(ctx context.Context, before time.Time, limit int) ([]Task, []string, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRangeByScore(ctx, redisDueKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", before.UTC().Unix()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, nil, err
	}

	var (
		due       []Task
		malformed []string
	)
	for _, id := range ids {
		raw, err := s.client.Get(ctx, taskKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			s.client.ZRem(ctx, redisDueKey, id)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		var task Task
		if err := json.Unmarshal(raw, &task); err != nil {
			if Status(gjson.GetBytes(raw, "status").String()).Active() {
				malformed = append(malformed, id)
			} else {
				s.client.ZRem(ctx, redisDueKey, id)
			}
			continue
		}
		if task.Status.Active() {
			due = append(due, task)
		}
	}
	return due, malformed, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	task, err := s.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		// Corrupt record: still remove the value and the due index entry.
		_, pipeErr := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, taskKey(id))
			pipe.ZRem(ctx, redisDueKey, id)
			return nil
		})
		return pipeErr
	}
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, taskKey(id))
		pipe.SRem(ctx, userKey(task.UserID), id)
		pipe.ZRem(ctx, redisDueKey, id)
		return nil
	})
	return err
}

func (s *RedisStore) Retire(ctx context.Context, id string, status Status) error {
	key := taskKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		updated, err := sjson.SetBytes(raw, "status", string(status))
		if err != nil {
			return fmt.Errorf("nudge: retire %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.ZRem(ctx, redisDueKey, id)
			return nil
		})
		return err
	}, key)
}
