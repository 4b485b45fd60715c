package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis is an in-memory Cmdable. It additionally records, for every
// pushed task, what the task's status key held at the moment of the push.
type fakeRedis struct {
	mu           sync.Mutex
	kv           map[string]string
	lists        map[string][]string
	statusAtPush map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		kv:           make(map[string]string),
		lists:        make(map[string][]string),
		statusAtPush: make(map[string]string),
	}
}

func (f *fakeRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, value := range values {
		payload := fmt.Sprintf("%s", value)
		var task TaskPayload
		if err := json.Unmarshal([]byte(payload), &task); err == nil {
			f.statusAtPush[task.TaskID] = f.kv[statusKey(task.TaskID)]
		}
		f.lists[key] = append(f.lists[key], payload)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		if items := f.lists[key]; len(items) > 0 {
			f.lists[key] = items[1:]
			return redis.NewStringSliceResult([]string{key, items[0]}, nil)
		}
	}
	return redis.NewStringSliceResult(nil, redis.Nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = fmt.Sprintf("%s", value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.kv[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(value, nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestEnqueueWritesQueuedStatusBeforePush(t *testing.T) {
	fake := newFakeRedis()
	q := NewWithClient(fake)

	taskID, err := q.Enqueue(context.Background(), IngestQueue, TaskTypeIngestIncoming, nil)
	require.NoError(t, err)

	// A worker can dequeue the instant the push commits; by then the queued
	// status must already be on the key, so the worker's processing and
	// completed writes are strictly later than the producer's.
	assert.Equal(t, StatusQueued, fake.statusAtPush[taskID])

	status, err := q.GetTaskStatus(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
}

func TestDequeueRoundTripsTaskPayload(t *testing.T) {
	fake := newFakeRedis()
	q := NewWithClient(fake)

	taskID, err := q.Enqueue(context.Background(), IngestQueue, TaskTypeIngestIncoming,
		map[string]any{"image_ids": []string{"a.png", "b.png"}})
	require.NoError(t, err)

	task, err := q.Dequeue(context.Background(), IngestQueue, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, taskID, task.TaskID)
	assert.Equal(t, TaskTypeIngestIncoming, task.TaskType)
	assert.Len(t, task.Data["image_ids"], 2)
}

func TestDequeueEmptyQueueReturnsNil(t *testing.T) {
	q := NewWithClient(newFakeRedis())

	task, err := q.Dequeue(context.Background(), IngestQueue, time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestGetTaskStatusUnknownForUnseenID(t *testing.T) {
	q := NewWithClient(newFakeRedis())

	status, err := q.GetTaskStatus(context.Background(), "never-enqueued")
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, status)
}

func TestTaskResultRoundTrip(t *testing.T) {
	q := NewWithClient(newFakeRedis())

	result, err := q.GetTaskResult(context.Background(), "no-result-yet")
	require.NoError(t, err)
	assert.Nil(t, result)

	require.NoError(t, q.StoreTaskResult(context.Background(), "t1", map[string]any{"ok": true}))
	result, err = q.GetTaskResult(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, true, result["ok"])
}
