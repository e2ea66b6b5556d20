// internal/queue/memory_test.go
// Tests for the envelope validation shared by all backends and the in-process
// queue's retry semantics.
package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sharedrop/sharedrop-go/internal/model"
)

// TestEnqueueValidatesPayload verifies that malformed payloads and unknown
// job types are rejected at the producer.
func TestEnqueueValidatesPayload(t *testing.T) {
	ctx := context.Background()
	q := NewMemory(3)
	defer q.Close()

	if _, err := q.Enqueue(ctx, "no-such-job", "", map[string]string{}); err == nil {
		t.Error("Enqueue() with unknown job type should fail")
	}

	// Missing required fileId
	if _, err := q.Enqueue(ctx, model.JobGenerateThumbnail, "", map[string]string{}); err == nil {
		t.Error("Enqueue() without fileId should fail")
	}
	// Empty fileId
	if _, err := q.Enqueue(ctx, model.JobGenerateThumbnail, "", map[string]string{"fileId": ""}); err == nil {
		t.Error("Enqueue() with empty fileId should fail")
	}
	// Remote fetch needs both publicId and url
	if _, err := q.Enqueue(ctx, model.JobRemoteFetch, "", map[string]string{"publicId": "abc"}); err == nil {
		t.Error("Enqueue() without url should fail")
	}
	// Visibility is constrained to the known values
	if _, err := q.Enqueue(ctx, model.JobRemoteFetch, "", map[string]string{
		"publicId": "abc", "url": "https://example.com/a", "visibility": "SECRET",
	}); err == nil {
		t.Error("Enqueue() with unknown visibility should fail")
	}

	id, err := q.Enqueue(ctx, model.JobGenerateThumbnail, "corr-1",
		model.GenerateThumbnailJob{FileID: "f1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if id == "" {
		t.Error("Enqueue() should return the assigned job ID")
	}
}

// TestMemoryQueueDelivers verifies a job reaches its handler with the
// envelope intact.
func TestMemoryQueueDelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory(3)
	defer q.Close()

	done := make(chan Job, 1)
	q.Subscribe(model.JobGenerateThumbnail, func(ctx context.Context, job Job) error {
		done <- job
		return nil
	})
	if err := q.Start(ctx, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer cancel()

	id, err := q.Enqueue(ctx, model.JobGenerateThumbnail, "corr-7",
		model.GenerateThumbnailJob{FileID: "f1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case job := <-done:
		if job.ID != id || job.Type != model.JobGenerateThumbnail || job.CorrelationID != "corr-7" || job.Attempt != 1 {
			t.Errorf("delivered job = %+v, want id %s attempt 1", job, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}
}

// TestMemoryQueueRetries verifies that a failing handler is retried up to the
// attempt ceiling and then dropped.
func TestMemoryQueueRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory(3)
	defer q.Close()

	var mu sync.Mutex
	attempts := []int{}
	all := make(chan struct{})
	q.Subscribe(model.JobVirusScan, func(ctx context.Context, job Job) error {
		mu.Lock()
		attempts = append(attempts, job.Attempt)
		n := len(attempts)
		mu.Unlock()
		if n == 3 {
			close(all)
		}
		return errors.New("scanner offline")
	})
	if err := q.Start(ctx, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer cancel()

	if _, err := q.Enqueue(ctx, model.JobVirusScan, "", model.VirusScanJob{FileID: "f1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case <-all:
	case <-time.After(2 * time.Second):
		mu.Lock()
		seen := append([]int(nil), attempts...)
		mu.Unlock()
		t.Fatalf("expected 3 attempts, saw %v", seen)
	}

	// Give the dispatcher a moment to (incorrectly) requeue a fourth attempt
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[0] != 1 || attempts[1] != 2 || attempts[2] != 3 {
		t.Errorf("attempts = %v, want [1 2 3]", attempts)
	}
}

// TestMemoryQueueTerminal verifies that a terminal failure is not retried.
func TestMemoryQueueTerminal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewMemory(5)
	defer q.Close()

	var mu sync.Mutex
	calls := 0
	first := make(chan struct{})
	q.Subscribe(model.JobVirusScan, func(ctx context.Context, job Job) error {
		mu.Lock()
		calls++
		if calls == 1 {
			close(first)
		}
		mu.Unlock()
		return Terminal(errors.New("object is gone"))
	})
	if err := q.Start(ctx, 1); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer cancel()

	if _, err := q.Enqueue(ctx, model.JobVirusScan, "", model.VirusScanJob{FileID: "f1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1 for a terminal failure", calls)
	}
}

// TestTerminal verifies the wrapper and its detection.
func TestTerminal(t *testing.T) {
	base := errors.New("boom")
	wrapped := Terminal(base)
	if !IsTerminal(wrapped) {
		t.Error("IsTerminal() on a Terminal error = false, want true")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Terminal() should preserve the wrapped error for errors.Is")
	}
	if IsTerminal(base) {
		t.Error("IsTerminal() on a plain error = true, want false")
	}
	if Terminal(nil) != nil {
		t.Error("Terminal(nil) should be nil")
	}
}
