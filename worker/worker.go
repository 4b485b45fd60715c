// Package worker runs the background ingest worker pool. Tasks reference
// files already persisted to the incoming area by the API process; the worker
// drives the caption/embed/push stages through the shared pipeline.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/7-4-7/Deep-Image-Retreival/pipeline"
	"github.com/7-4-7/Deep-Image-Retreival/queue"
)

// Ingester is the slice of the ingest pipeline the worker drives.
type Ingester interface {
	RunImages(ctx context.Context, ids []string) (*pipeline.Result, error)
	RunIncoming(ctx context.Context) (*pipeline.Result, error)
}

// Worker consumes ingest tasks from a queue with a pool of goroutines. The
// pipeline's own mutex keeps concurrent tasks from interleaving on the
// filesystem, so the pool size only controls dequeue throughput.
type Worker struct {
	queue      *queue.Queue
	ingest     Ingester
	queueName  string
	numWorkers int
	log        *slog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(q *queue.Queue, ingest Ingester, queueName string, numWorkers int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:      q,
		ingest:     ingest,
		queueName:  queueName,
		numWorkers: numWorkers,
		log:        logger,
		stop:       make(chan struct{}),
	}
}

// Start launches the pool. Non-blocking; call Stop to drain.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("starting workers", "count", w.numWorkers, "queue", w.queueName)
	for i := 0; i < w.numWorkers; i++ {
		w.wg.Add(1)
		go w.processItems(ctx, i)
	}
}

// Stop signals all workers and waits for them to finish their current task.
func (w *Worker) Stop() {
	close(w.stop)
	w.wg.Wait()
	w.log.Info("all workers stopped")
}

func (w *Worker) processItems(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.log.Info("worker started", "worker", workerID)
	defer w.log.Info("worker stopped", "worker", workerID)

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx, w.queueName, 5*time.Second)
		if err != nil {
			w.log.Error("dequeue failed", "worker", workerID, "error", err)
			time.Sleep(time.Second)
			continue
		}
		if task == nil {
			continue
		}

		w.log.Info("processing task", "worker", workerID, "task", task.TaskID, "type", task.TaskType)
		w.handle(ctx, task)
	}
}

func (w *Worker) handle(ctx context.Context, task *queue.TaskPayload) {
	if err := w.queue.SetTaskStatus(ctx, task.TaskID, queue.StatusProcessing); err != nil {
		w.log.Error("update task status failed", "task", task.TaskID, "error", err)
	}

	var (
		result map[string]any
		err    error
	)
	switch task.TaskType {
	case queue.TaskTypeIngestIncoming:
		result, err = w.runIngest(ctx, task)
	default:
		w.log.Warn("unknown task type", "task", task.TaskID, "type", task.TaskType)
		result = map[string]any{"error": "unknown task type"}
	}

	status := queue.StatusCompleted
	if err != nil {
		w.log.Error("task failed", "task", task.TaskID, "error", err)
		status = queue.StatusFailed
		result = map[string]any{"error": err.Error()}
	}

	if err := w.queue.SetTaskStatus(ctx, task.TaskID, status); err != nil {
		w.log.Error("update task status failed", "task", task.TaskID, "error", err)
	}
	if err := w.queue.StoreTaskResult(ctx, task.TaskID, result); err != nil {
		w.log.Error("store task result failed", "task", task.TaskID, "error", err)
	}
}

// runIngest processes the files the task names. A task that carries no ids
// (an older producer, or a manually pushed payload) falls back to draining
// the whole incoming area.
func (w *Worker) runIngest(ctx context.Context, task *queue.TaskPayload) (map[string]any, error) {
	var (
		res *pipeline.Result
		err error
	)
	if ids := imageIDs(task); len(ids) > 0 {
		res, err = w.ingest.RunImages(ctx, ids)
	} else {
		res, err = w.ingest.RunIncoming(ctx)
	}
	if err != nil {
		return nil, err
	}

	failed := make([]map[string]any, 0, len(res.Failed))
	for _, item := range res.Failed {
		failed = append(failed, map[string]any{
			"id":     item.ID,
			"stage":  item.Stage,
			"reason": item.Reason,
		})
	}
	return map[string]any{
		"captions": res.Captions,
		"failed":   failed,
	}, nil
}

// imageIDs extracts the task's image_ids list. Payloads that went through
// redis arrive as []any after json decoding; in-process payloads may still
// hold the original []string.
func imageIDs(task *queue.TaskPayload) []string {
	raw, ok := task.Data["image_ids"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		ids := make([]string, 0, len(v))
		for _, item := range v {
			if id, ok := item.(string); ok {
				ids = append(ids, id)
			}
		}
		return ids
	}
	return nil
}
