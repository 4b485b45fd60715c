// Package queue is a redis-backed work-item queue for ingest tasks. It is
// the supported cross-process serialization point for batches: the API
// persists files and enqueues, a single worker pool drains.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// IngestQueue is the list key the worker consumes.
const IngestQueue = "image_ingest"

// Task types.
const (
	TaskTypeIngestIncoming = "ingest_incoming"
)

// Task statuses.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusUnknown    = "unknown"
)

// resultTTL bounds how long task status and result keys live.
const resultTTL = 24 * time.Hour

// TaskPayload is one queued unit of work.
type TaskPayload struct {
	TaskID   string         `json:"task_id"`
	TaskType string         `json:"task_type"`
	Data     map[string]any `json:"data"`
	Created  time.Time      `json:"created"`
}

// Cmdable is the slice of the redis client the queue uses. Tests substitute
// an in-memory implementation.
type Cmdable interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// Queue wraps a redis client. Construct with New and inject; there is no
// package-level connection.
type Queue struct {
	rdb Cmdable
}

// New connects to redis and verifies the connection with a ping.
func New(addr, password string, db int) (*Queue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewWithClient(rdb), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb Cmdable) *Queue {
	return &Queue{rdb: rdb}
}

// Close releases the underlying connection.
func (q *Queue) Close() error { return q.rdb.Close() }

// Enqueue records the task as queued and then pushes it. The status write
// must land before the push: a worker blocked in BLPop wakes the moment the
// push commits, and its processing/completed writes must never be overwritten
// by a late queued write from this side.
func (q *Queue) Enqueue(ctx context.Context, queueName, taskType string, data map[string]any) (string, error) {
	task := TaskPayload{
		TaskID:   uuid.NewString(),
		TaskType: taskType,
		Data:     data,
		Created:  time.Now(),
	}

	payload, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	if err := q.SetTaskStatus(ctx, task.TaskID, StatusQueued); err != nil {
		return "", err
	}
	if err := q.rdb.RPush(ctx, queueName, payload).Err(); err != nil {
		return "", err
	}
	return task.TaskID, nil
}

// Dequeue blocks up to timeout for the next task. Returns (nil, nil) when the
// queue stays empty.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*TaskPayload, error) {
	result, err := q.rdb.BLPop(ctx, timeout, queueName).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	// BLPOP returns [queue name, payload].
	if len(result) < 2 {
		return nil, fmt.Errorf("invalid result format from redis")
	}

	var task TaskPayload
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// SetTaskStatus records a task's lifecycle state.
func (q *Queue) SetTaskStatus(ctx context.Context, taskID, status string) error {
	return q.rdb.Set(ctx, statusKey(taskID), status, resultTTL).Err()
}

// GetTaskStatus returns StatusUnknown for ids redis has never seen or has
// expired.
func (q *Queue) GetTaskStatus(ctx context.Context, taskID string) (string, error) {
	status, err := q.rdb.Get(ctx, statusKey(taskID)).Result()
	if err != nil {
		if err == redis.Nil {
			return StatusUnknown, nil
		}
		return "", err
	}
	return status, nil
}

// StoreTaskResult saves the outcome of a completed or failed task.
func (q *Queue) StoreTaskResult(ctx context.Context, taskID string, result map[string]any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return q.rdb.Set(ctx, resultKey(taskID), payload, resultTTL).Err()
}

// GetTaskResult returns nil without error when no result is stored yet.
func (q *Queue) GetTaskResult(ctx context.Context, taskID string) (map[string]any, error) {
	payload, err := q.rdb.Get(ctx, resultKey(taskID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, err
	}
	return result, nil
}

func statusKey(taskID string) string { return fmt.Sprintf("task:%s:status", taskID) }
func resultKey(taskID string) string { return fmt.Sprintf("task:%s:result", taskID) }
