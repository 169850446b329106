package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Journal persists the pending-write queue so it survives a restart.
type Journal interface {
	Load(ctx context.Context) ([]PendingWrite, error)
	Save(ctx context.Context, queue []PendingWrite) error
}

// MemoryJournal keeps the queue in process memory. Pending writes are lost on restart.
type MemoryJournal struct {
	mu    sync.Mutex
	queue []PendingWrite
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Load(ctx context.Context) ([]PendingWrite, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return clonePending(j.queue), nil
}

func (j *MemoryJournal) Save(ctx context.Context, queue []PendingWrite) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.queue = clonePending(queue)
	return nil
}

// RedisJournal stores the queue as a redis list of JSON entries, oldest first.
type RedisJournal struct {
	client redis.UniversalClient
	key    string
}

// NewRedisJournal creates a journal under key.
func NewRedisJournal(client redis.UniversalClient, key string) *RedisJournal {
	if key == "" {
		key = "knowledge-sync:pending"
	}
	return &RedisJournal{client: client, key: key}
}

func (j *RedisJournal) Load(ctx context.Context) ([]PendingWrite, error) {
	raw, err := j.client.LRange(ctx, j.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load pending writes: %w", err)
	}
	queue := make([]PendingWrite, 0, len(raw))
	for i, item := range raw {
		var w PendingWrite
		if err := json.Unmarshal([]byte(item), &w); err != nil {
			return nil, fmt.Errorf("failed to decode pending write %d: %w", i, err)
		}
		queue = append(queue, w)
	}
	return queue, nil
}

// Save replaces the stored list atomically.
func (j *RedisJournal) Save(ctx context.Context, queue []PendingWrite) error {
	values := make([]any, 0, len(queue))
	for _, w := range queue {
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("failed to encode pending write %s/%s: %w", w.Table, w.ID, err)
		}
		values = append(values, data)
	}
	_, err := j.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, j.key)
		if len(values) > 0 {
			pipe.RPush(ctx, j.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save pending writes: %w", err)
	}
	return nil
}

func clonePending(queue []PendingWrite) []PendingWrite {
	if len(queue) == 0 {
		return nil
	}
	out := make([]PendingWrite, len(queue))
	for i, w := range queue {
		w.Data = w.Data.Clone()
		out[i] = w
	}
	return out
}
