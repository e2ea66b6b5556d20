// internal/queue/nats.go
// NATS JetStream implementation of Queue. Jobs survive process restarts and
// delivery is at-least-once with a bounded attempt count, which is why the
// workers' side effects go through conditional storage updates.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	streamName    = "SHAREDROP_JOBS"
	subjectPrefix = "sharedrop.jobs."
	consumerName  = "sharedrop-workers"
)

// natsQueue is the NATS JetStream implementation of Queue.
type natsQueue struct {
	nc *nats.Conn            // NATS connection
	js nats.JetStreamContext // JetStream context for stream operations

	maxAttempts int
	retryDelay  time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	subs []*nats.Subscription
}

// NewNATS connects to a NATS server and ensures the job stream exists.
// maxAttempts bounds deliveries per job; a job that keeps failing is dropped
// after the last attempt.
func NewNATS(url string, maxAttempts int) (Queue, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := initStream(js); err != nil {
		nc.Close()
		return nil, err
	}

	return &natsQueue{
		nc:          nc,
		js:          js,
		maxAttempts: maxAttempts,
		retryDelay:  5 * time.Second,
		handlers:    make(map[string]Handler),
	}, nil
}

// initStream creates the job stream if it doesn't already exist.
func initStream(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subjectPrefix + "*"},
		Retention: nats.WorkQueuePolicy, // Each job is consumed once
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   nats.DiscardOld,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to create %s stream: %w", streamName, err)
	}
	return nil
}

func (q *natsQueue) Enqueue(ctx context.Context, jobType, correlationID string, payload interface{}) (string, error) {
	job, data, err := newEnvelope(jobType, correlationID, payload)
	if err != nil {
		return "", err
	}

	subject := subjectPrefix + jobType
	// Job ID doubles as the JetStream dedup ID so a retried publish cannot
	// enqueue the same job twice.
	if _, err := q.js.Publish(subject, data, nats.MsgId(job.ID)); err != nil {
		return "", fmt.Errorf("failed to publish job: %w", err)
	}
	return job.ID, nil
}

func (q *natsQueue) Subscribe(jobType string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = handler
}

func (q *natsQueue) Start(ctx context.Context, n int) error {
	sub, err := q.js.PullSubscribe(subjectPrefix+"*", consumerName,
		nats.AckExplicit(),
		nats.MaxDeliver(q.maxAttempts),
		nats.AckWait(5*time.Minute),
		nats.BindStream(streamName),
	)
	if err != nil {
		return fmt.Errorf("failed to create pull subscription: %w", err)
	}
	q.subs = append(q.subs, sub)

	for i := 0; i < n; i++ {
		go q.consume(ctx, sub)
	}
	return nil
}

// consume is one worker's fetch loop. It runs until ctx is cancelled.
func (q *natsQueue) consume(ctx context.Context, sub *nats.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Timeouts are the idle case for pull consumers
			if err != nats.ErrTimeout && err != context.DeadlineExceeded {
				slog.Warn("job fetch failed", "error", err)
				time.Sleep(time.Second)
			}
			continue
		}

		for _, msg := range msgs {
			q.handleMessage(ctx, msg)
		}
	}
}

func (q *natsQueue) handleMessage(ctx context.Context, msg *nats.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		slog.Error("discarding undecodable job", "error", err)
		_ = msg.Term()
		return
	}

	if meta, err := msg.Metadata(); err == nil {
		job.Attempt = int(meta.NumDelivered)
	}

	q.mu.RLock()
	handler, ok := q.handlers[job.Type]
	q.mu.RUnlock()
	if !ok {
		slog.Error("no handler for job type", "type", job.Type, "jobId", job.ID)
		_ = msg.Term()
		return
	}

	err := handler(ctx, job)
	switch {
	case err == nil:
		_ = msg.Ack()
	case IsTerminal(err):
		slog.Error("job failed terminally",
			"type", job.Type, "jobId", job.ID, "correlationId", job.CorrelationID,
			"attempt", job.Attempt, "error", err)
		_ = msg.Term()
	default:
		slog.Warn("job failed, will retry",
			"type", job.Type, "jobId", job.ID, "correlationId", job.CorrelationID,
			"attempt", job.Attempt, "maxAttempts", q.maxAttempts, "error", err)
		_ = msg.NakWithDelay(q.retryDelay)
	}
}

func (q *natsQueue) Close() error {
	for _, sub := range q.subs {
		_ = sub.Drain()
	}
	if q.nc != nil {
		q.nc.Close()
	}
	return nil
}
