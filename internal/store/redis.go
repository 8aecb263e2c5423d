package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pdart-go/hstqueue/internal/model"
)

const defaultRedisPrefix = "hstq"

// KEYS: tasks, queued. ARGV: field, record, score.
var enqueueScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// KEYS: tasks, queued. ARGV: field, queued record, running record.
var claimScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
if redis.call('ZREM', KEYS[2], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// KEYS: slots. ARGV: pid, slot, limit.
var reserveSlotScript = redis.NewScript(`
if redis.call('HLEN', KEYS[1]) >= tonumber(ARGV[3]) then
  return 0
end
return redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2])
`)

// KEYS: slots. ARGV: reserved pid, pid, slot.
var assignSlotScript = redis.NewScript(`
if redis.call('HDEL', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[2], ARGV[3])
return 1
`)

// RedisStore keeps the task queue in a hash plus a sorted set of queued keys,
// and the slot registry in a hash keyed by pid.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func newRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisStore{rdb: rdb, prefix: defaultRedisPrefix}, nil
}

// OpenRedis connects to an initialized store.
func OpenRedis(ctx context.Context, url string) (*RedisStore, error) {
	s, err := newRedisStore(ctx, url)
	if err != nil {
		return nil, err
	}
	ok, err := s.Exists(ctx)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	if !ok {
		_ = s.Close()
		return nil, fmt.Errorf("redis %s: %w", s.prefix, ErrStoreMissing)
	}
	return s, nil
}

// CreateRedis marks the store initialized. HSETNX on the meta key makes
// concurrent creators agree on a single winner.
func CreateRedis(ctx context.Context, url string) (*RedisStore, error) {
	s, err := newRedisStore(ctx, url)
	if err != nil {
		return nil, err
	}
	created, err := s.rdb.HSetNX(ctx, s.key("meta"), "created_at", time.Now().UTC().Format(time.RFC3339)).Result()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create redis store: %w", err)
	}
	if !created {
		_ = s.Close()
		return nil, fmt.Errorf("redis %s: %w", s.prefix, ErrStoreExists)
	}
	return s, nil
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

func taskField(k model.TaskKey) string {
	return k.ProposalID + "|" + k.Visit + "|" + strconv.Itoa(k.Stage)
}

// queueScore orders by priority first, insertion sequence second.
func queueScore(priority int, seq int64) float64 {
	return float64(priority)*1e10 + float64(seq)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Exists(ctx context.Context) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key("meta")).Result()
	if err != nil {
		return false, fmt.Errorf("check redis store: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Erase(ctx context.Context) error {
	if err := s.rdb.Del(ctx, s.key("tasks"), s.key("queued"), s.key("slots"), s.key("seq")).Err(); err != nil {
		return fmt.Errorf("erase redis store: %w", err)
	}
	return nil
}

// Enqueue writes the record and its queue index entry in one script. The
// sequence number is drawn first, so duplicates leave gaps in it.
func (s *RedisStore) Enqueue(ctx context.Context, task model.Task) (bool, error) {
	task.Status = model.StatusQueued
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task %s: %w", task.TaskKey, err)
	}

	seq, err := s.rdb.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: sequence: %w", task.TaskKey, err)
	}
	score := strconv.FormatFloat(queueScore(task.Priority, seq), 'f', -1, 64)
	n, err := enqueueScript.Run(ctx, s.rdb,
		[]string{s.key("tasks"), s.key("queued")},
		taskField(task.TaskKey), data, score,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", task.TaskKey, err)
	}
	return n == 1, nil
}

func (s *RedisStore) getTask(ctx context.Context, field string) (*model.Task, error) {
	data, err := s.rdb.HGet(ctx, s.key("tasks"), field).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var t model.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("unmarshal task %s: %w", field, err)
	}
	return &t, nil
}

func (s *RedisStore) NextRunnable(ctx context.Context) (*model.Task, error) {
	for {
		fields, err := s.rdb.ZRange(ctx, s.key("queued"), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("next runnable task: %w", err)
		}
		if len(fields) == 0 {
			return nil, nil
		}
		t, err := s.getTask(ctx, fields[0])
		if err != nil {
			return nil, fmt.Errorf("next runnable task: %w", err)
		}
		if t != nil && t.Status == model.StatusQueued {
			return t, nil
		}
		// Index entry outlived its record; drop it and look again.
		if err := s.rdb.ZRem(ctx, s.key("queued"), fields[0]).Err(); err != nil {
			return nil, fmt.Errorf("next runnable task: %w", err)
		}
	}
}

// MarkRunning claims the task by removing it from the queued index. The
// script only rewrites the record while it still holds the queued version read
// here, so a record removed or claimed meanwhile is left alone.
func (s *RedisStore) MarkRunning(ctx context.Context, key model.TaskKey) (bool, error) {
	field := taskField(key)
	queued, err := s.rdb.HGet(ctx, s.key("tasks"), field).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark running %s: %w", key, err)
	}
	var t model.Task
	if err := json.Unmarshal([]byte(queued), &t); err != nil {
		return false, fmt.Errorf("unmarshal task %s: %w", field, err)
	}
	if t.Status == model.StatusRunning {
		return false, nil
	}
	if err := model.ValidateTaskQueueTransition(t.Status, model.StatusRunning); err != nil {
		return false, fmt.Errorf("mark running %s: %w", key, err)
	}
	t.Status = model.StatusRunning
	running, err := json.Marshal(t)
	if err != nil {
		return false, fmt.Errorf("marshal task %s: %w", key, err)
	}

	n, err := claimScript.Run(ctx, s.rdb,
		[]string{s.key("tasks"), s.key("queued")},
		field, queued, running,
	).Int()
	if err != nil {
		return false, fmt.Errorf("mark running %s: %w", key, err)
	}
	return n == 1, nil
}

func (s *RedisStore) Has(ctx context.Context, key model.TaskKey) (bool, error) {
	ok, err := s.rdb.HExists(ctx, s.key("tasks"), taskField(key)).Result()
	if err != nil {
		return false, fmt.Errorf("lookup %s: %w", key, err)
	}
	return ok, nil
}

func (s *RedisStore) Remove(ctx context.Context, key model.TaskKey) error {
	field := taskField(key)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.key("tasks"), field)
		pipe.ZRem(ctx, s.key("queued"), field)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) RemoveAll(ctx context.Context, proposalID string) (int, error) {
	fields, err := s.rdb.HKeys(ctx, s.key("tasks")).Result()
	if err != nil {
		return 0, fmt.Errorf("remove tasks of %s: %w", proposalID, err)
	}
	var doomed []string
	for _, f := range fields {
		if strings.HasPrefix(f, proposalID+"|") {
			doomed = append(doomed, f)
		}
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	members := make([]any, len(doomed))
	for i, f := range doomed {
		members[i] = f
	}
	var del *redis.IntCmd
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.HDel(ctx, s.key("tasks"), doomed...)
		pipe.ZRem(ctx, s.key("queued"), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("remove tasks of %s: %w", proposalID, err)
	}
	return int(del.Val()), nil
}

func (s *RedisStore) Tasks(ctx context.Context) ([]model.Task, error) {
	all, err := s.rdb.HGetAll(ctx, s.key("tasks")).Result()
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	tasks := make([]model.Task, 0, len(all))
	for field, data := range all {
		var t model.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("unmarshal task %s: %w", field, err)
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Status != tasks[j].Status {
			return tasks[i].Status == model.StatusRunning
		}
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

func (s *RedisStore) ReserveSlot(ctx context.Context, slot model.ProcessSlot, limit int) (bool, error) {
	data, err := json.Marshal(slot)
	if err != nil {
		return false, fmt.Errorf("marshal slot pid=%d: %w", slot.PID, err)
	}
	n, err := reserveSlotScript.Run(ctx, s.rdb,
		[]string{s.key("slots")},
		strconv.Itoa(slot.PID), data, limit,
	).Int()
	if err != nil {
		return false, fmt.Errorf("reserve slot pid=%d: %w", slot.PID, err)
	}
	return n == 1, nil
}

func (s *RedisStore) AssignSlot(ctx context.Context, reserved int, slot model.ProcessSlot) error {
	data, err := json.Marshal(slot)
	if err != nil {
		return fmt.Errorf("marshal slot pid=%d: %w", slot.PID, err)
	}
	n, err := assignSlotScript.Run(ctx, s.rdb,
		[]string{s.key("slots")},
		strconv.Itoa(reserved), strconv.Itoa(slot.PID), data,
	).Int()
	if err != nil {
		return fmt.Errorf("assign slot pid=%d to %d: %w", reserved, slot.PID, err)
	}
	if n == 0 {
		return fmt.Errorf("assign slot pid=%d: %w", reserved, ErrSlotMissing)
	}
	return nil
}

func (s *RedisStore) Slots(ctx context.Context) ([]model.ProcessSlot, error) {
	all, err := s.rdb.HGetAll(ctx, s.key("slots")).Result()
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	slots := make([]model.ProcessSlot, 0, len(all))
	for pid, data := range all {
		var sl model.ProcessSlot
		if err := json.Unmarshal([]byte(data), &sl); err != nil {
			return nil, fmt.Errorf("unmarshal slot pid=%s: %w", pid, err)
		}
		slots = append(slots, sl)
	}
	sort.Slice(slots, func(i, j int) bool {
		if !slots[i].StartedAt.Equal(slots[j].StartedAt) {
			return slots[i].StartedAt.Before(slots[j].StartedAt)
		}
		return slots[i].PID < slots[j].PID
	})
	return slots, nil
}

func (s *RedisStore) SlotCount(ctx context.Context) (int, error) {
	n, err := s.rdb.HLen(ctx, s.key("slots")).Result()
	if err != nil {
		return 0, fmt.Errorf("count slots: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) RemoveSlot(ctx context.Context, pid int) error {
	if err := s.rdb.HDel(ctx, s.key("slots"), strconv.Itoa(pid)).Err(); err != nil {
		return fmt.Errorf("remove slot pid=%d: %w", pid, err)
	}
	return nil
}
