package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Journal persists task state so the queue can survive a restart.
type Journal interface {
	// Record writes the task's current state, overwriting any previous record.
	Record(ctx context.Context, t *Task) error
	// RecordDeadLetter moves the task record to the dead-letter list.
	RecordDeadLetter(ctx context.Context, t *Task) error
	// LoadActive returns all journaled tasks that are not dead-lettered.
	LoadActive(ctx context.Context) ([]Task, error)
	// DeadLetters returns up to limit journaled dead-letter records, oldest first.
	DeadLetters(ctx context.Context, limit int64) ([]Task, error)
}

const (
	journalHashKey    = "orchestrator:tasks"
	deadLetterListKey = "orchestrator:deadletter"
)

// RedisJournal stores task records in a Redis hash, with dead letters pushed
// to a list for inspection.
type RedisJournal struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisJournal creates a journal over an existing Redis client.
func NewRedisJournal(client *redis.Client, logger *zap.Logger) *RedisJournal {
	return &RedisJournal{client: client, logger: logger}
}

// Ping verifies the backing store is reachable.
func (j *RedisJournal) Ping(ctx context.Context) error {
	return j.client.Ping(ctx).Err()
}

func (j *RedisJournal) Record(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := j.client.HSet(ctx, journalHashKey, t.ID, data).Err(); err != nil {
		return fmt.Errorf("journal hset: %w", err)
	}
	return nil
}

func (j *RedisJournal) RecordDeadLetter(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	pipe := j.client.TxPipeline()
	pipe.RPush(ctx, deadLetterListKey, data)
	pipe.HDel(ctx, journalHashKey, t.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("journal dead letter: %w", err)
	}
	return nil
}

func (j *RedisJournal) LoadActive(ctx context.Context) ([]Task, error) {
	records, err := j.client.HGetAll(ctx, journalHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("journal hgetall: %w", err)
	}
	out := make([]Task, 0, len(records))
	for id, raw := range records {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			j.logger.Warn("Skipping corrupt journal record",
				zap.String("task_id", id), zap.Error(err))
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// DeadLetters returns up to limit journaled dead-letter records, oldest first.
func (j *RedisJournal) DeadLetters(ctx context.Context, limit int64) ([]Task, error) {
	raws, err := j.client.LRange(ctx, deadLetterListKey, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("journal lrange: %w", err)
	}
	out := make([]Task, 0, len(raws))
	for _, raw := range raws {
		var t Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
