// internal/queue/memory.go
package queue

import (
	"context"
	"log/slog"
	"sync"
)

// memoryQueue is an in-process Queue for development and tests. Delivery
// semantics mirror the JetStream backend: at-least-once with a bounded
// attempt count, terminal errors discard the job.
type memoryQueue struct {
	maxAttempts int

	mu       sync.RWMutex
	handlers map[string]Handler
	jobs     chan Job

	wg sync.WaitGroup
}

// NewMemory creates an in-process queue. The buffer bounds how many jobs can
// be pending before Enqueue blocks.
func NewMemory(maxAttempts int) Queue {
	return &memoryQueue{
		maxAttempts: maxAttempts,
		handlers:    make(map[string]Handler),
		jobs:        make(chan Job, 256),
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, jobType, correlationID string, payload interface{}) (string, error) {
	job, _, err := newEnvelope(jobType, correlationID, payload)
	if err != nil {
		return "", err
	}

	select {
	case q.jobs <- job:
		return job.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *memoryQueue) Subscribe(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

func (q *memoryQueue) Start(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					q.dispatch(ctx, job)
				}
			}
		}()
	}
	return nil
}

func (q *memoryQueue) dispatch(ctx context.Context, job Job) {
	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()
	if !ok {
		slog.Error("no handler for job type", "type", job.Type, "jobId", job.ID)
		return
	}

	err := handler(ctx, job)
	switch {
	case err == nil:
	case IsTerminal(err):
		slog.Error("job failed terminally",
			"type", job.Type, "jobId", job.ID, "attempt", job.Attempt, "error", err)
	case job.Attempt >= q.maxAttempts:
		slog.Error("job exhausted attempts",
			"type", job.Type, "jobId", job.ID, "attempt", job.Attempt, "error", err)
	default:
		slog.Warn("job failed, requeueing",
			"type", job.Type, "jobId", job.ID, "attempt", job.Attempt, "error", err)
		job.Attempt++
		select {
		case q.jobs <- job:
		case <-ctx.Done():
		}
	}
}

// Drain blocks until the worker goroutines exit. Intended for tests that
// cancel the consumer context and need to observe final state.
func (q *memoryQueue) Drain() {
	q.wg.Wait()
}

func (q *memoryQueue) Close() error {
	return nil
}
