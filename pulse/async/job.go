// Package async runs fire-and-forget background tasks after a pipeline run
// has been finalized. Tasks are persisted rows, so a crash between enqueue
// and execution loses nothing: orphaned tasks are re-queued on start.
package async

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cascade/errors"
)

// JobStatus represents the current state of a task
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Job is one background task.
//
// HandlerName routes the task to its JobHandler; Payload is owned by that
// handler. Source is free-form and only used for logging (for pipeline
// tasks it is the originating job run id).
type Job struct {
	ID          string          `json:"id"`
	HandlerName string          `json:"handler_name"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Source      string          `json:"source"`
	Status      JobStatus       `json:"status"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"` // max MaxRetries
	RunAfter    time.Time       `json:"run_after"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewJob creates a queued task whose payload is v encoded as JSON.
func NewJob(handlerName, source string, v any) (*Job, error) {
	if handlerName == "" {
		return nil, errors.New("handlerName cannot be empty")
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode payload for %s", handlerName)
	}

	now := time.Now()
	return &Job{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		Payload:     payload,
		Source:      source,
		Status:      JobStatusQueued,
		RunAfter:    now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Delay postpones the first execution
func (j *Job) Delay(d time.Duration) *Job {
	j.RunAfter = j.CreatedAt.Add(d)
	return j
}

// Decode unmarshals the payload into v
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s payload", j.HandlerName)
	}
	return nil
}

// Start marks the job as running
func (j *Job) Start(now time.Time) {
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as completed
func (j *Job) Complete(now time.Time) {
	j.Status = JobStatusCompleted
	j.Error = ""
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(now time.Time, err error) {
	j.Status = JobStatusFailed
	j.Error = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Requeue puts the job back in the queue to run no earlier than runAfter
func (j *Job) Requeue(now, runAfter time.Time) {
	j.Status = JobStatusQueued
	j.StartedAt = nil
	j.RunAfter = runAfter
	j.UpdatedAt = now
}
