// internal/queue/queue.go
// Package queue provides the background job transport for the ingestion
// pipeline. Jobs are JSON envelopes validated against per-type schemas before
// they enter the queue, so workers never see a malformed payload.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sharedrop/sharedrop-go/internal/model"
	"github.com/xeipuuv/gojsonschema"
)

// Job is the envelope every queued task travels in.
type Job struct {
	ID            string          `json:"id"`            // ULID, assigned at enqueue
	Type          string          `json:"type"`          // One of the model.Job* constants
	CorrelationID string          `json:"correlationId"` // Carried from the originating request
	Attempt       int             `json:"attempt"`       // Delivery attempt, starting at 1
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	Payload       json.RawMessage `json:"payload"`
}

// Handler processes one job delivery. Returning a non-terminal error requeues
// the job for another attempt (up to the backend's attempt ceiling); returning
// a terminal error discards it.
type Handler func(ctx context.Context, job Job) error

// Queue is the job transport the ingestion service and workers share.
type Queue interface {
	// Enqueue validates the payload against the job type's schema and
	// submits the job. Returns the assigned job ID.
	Enqueue(ctx context.Context, jobType, correlationID string, payload interface{}) (string, error)
	// Subscribe registers the handler for a job type. Must be called before Start.
	Subscribe(jobType string, handler Handler)
	// Start begins consuming jobs with n concurrent workers. It returns after
	// launching the workers; they stop when ctx is cancelled.
	Start(ctx context.Context, n int) error
	// Close releases the transport.
	Close() error
}

// terminalError marks a job failure that must not be retried.
type terminalError struct {
	err error
}

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }

// Terminal wraps an error so the queue discards the job instead of retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err was wrapped by Terminal.
func IsTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

// Payload schemas, one per job type. Enqueue rejects payloads that do not
// validate, which keeps the failure at the producer where the correlation ID
// still points at a live request.
var payloadSchemas = map[string]*gojsonschema.Schema{}

func init() {
	schemas := map[string]string{
		model.JobRemoteFetch: `{
			"type": "object",
			"required": ["publicId", "url"],
			"properties": {
				"publicId": {"type": "string", "minLength": 1},
				"url": {"type": "string", "minLength": 1},
				"userId": {"type": "string"},
				"description": {"type": "string"},
				"visibility": {"type": "string", "enum": ["PUBLIC", "PRIVATE", "UNLISTED", ""]}
			}
		}`,
		model.JobGenerateThumbnail: `{
			"type": "object",
			"required": ["fileId"],
			"properties": {
				"fileId": {"type": "string", "minLength": 1}
			}
		}`,
		model.JobVirusScan: `{
			"type": "object",
			"required": ["fileId"],
			"properties": {
				"fileId": {"type": "string", "minLength": 1}
			}
		}`,
	}
	for jobType, raw := range schemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("invalid payload schema for %s: %v", jobType, err))
		}
		payloadSchemas[jobType] = schema
	}
}

// newEnvelope builds a validated job envelope. Shared by all backends.
func newEnvelope(jobType, correlationID string, payload interface{}) (Job, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	schema, ok := payloadSchemas[jobType]
	if !ok {
		return Job{}, nil, fmt.Errorf("unknown job type %q", jobType)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Job{}, nil, fmt.Errorf("failed to validate job payload: %w", err)
	}
	if !result.Valid() {
		return Job{}, nil, fmt.Errorf("invalid %s payload: %v", jobType, result.Errors())
	}

	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	job := Job{
		ID:            ulid.Make().String(),
		Type:          jobType,
		CorrelationID: correlationID,
		Attempt:       1,
		EnqueuedAt:    time.Now().UTC(),
		Payload:       raw,
	}
	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, nil, fmt.Errorf("failed to marshal job envelope: %w", err)
	}
	return job, data, nil
}
