package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/errors"
)

const (
	// MaxJobsLimit bounds list queries used for counting
	MaxJobsLimit = 10000
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
	// dequeueCandidates is how many due tasks a worker races for per poll
	dequeueCandidates = 5
)

// Queue is the persisted task queue shared by producers and the worker pool
type Queue struct {
	store       *Store
	now         func() time.Time
	mu          sync.RWMutex
	subscribers []chan *Job
}

// NewQueue creates a queue over a collection store
func NewQueue(rows collection.Store) *Queue {
	return &Queue{
		store: NewStore(rows),
		now:   time.Now,
	}
}

func withJob(err error, job *Job) error {
	err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
	err = errors.WithDetail(err, fmt.Sprintf("Handler: %s", job.HandlerName))
	return errors.WithDetail(err, fmt.Sprintf("Source: %s", job.Source))
}

// Enqueue adds a new task to the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = JobStatusQueued
	}
	if job.RunAfter.IsZero() {
		job.RunAfter = q.now()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now()
		job.UpdatedAt = job.CreatedAt
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return withJob(errors.Wrap(err, "failed to enqueue job"), job)
	}
	q.notifySubscribers(job)
	return nil
}

// Dequeue claims the next due task and marks it running. It returns nil
// when nothing is due. Concurrent workers race through a status guard, so
// a task is handed to exactly one of them.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	now := q.now()
	candidates, err := q.store.ListDue(ctx, now, dequeueCandidates)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queued jobs")
	}

	for _, job := range candidates {
		job.Start(now)
		won, err := q.store.ClaimJob(ctx, job)
		if err != nil {
			return nil, withJob(errors.Wrap(err, "failed to mark job as running"), job)
		}
		if won {
			q.notifySubscribers(job)
			return job, nil
		}
	}
	return nil, nil
}

// GetJob retrieves a task by ID
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	return q.store.GetJob(ctx, id)
}

// UpdateJob persists a task's state
func (q *Queue) UpdateJob(ctx context.Context, job *Job) error {
	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = withJob(errors.Wrap(err, "failed to update job"), job)
		return errors.WithDetail(err, fmt.Sprintf("Status: %s", job.Status))
	}
	q.notifySubscribers(job)
	return nil
}

// CompleteJob marks a task as completed
func (q *Queue) CompleteJob(ctx context.Context, job *Job) error {
	job.Complete(q.now())
	if err := q.store.UpdateJob(ctx, job); err != nil {
		return withJob(errors.Wrap(err, "failed to complete job"), job)
	}
	q.notifySubscribers(job)
	return nil
}

// FailJob marks a task as failed with an error
func (q *Queue) FailJob(ctx context.Context, job *Job, jobErr error) error {
	job.Fail(q.now(), jobErr)
	if err := q.store.UpdateJob(ctx, job); err != nil {
		err = withJob(errors.Wrap(err, "failed to mark job as failed"), job)
		return errors.WithDetail(err, fmt.Sprintf("Job error: %s", jobErr.Error()))
	}
	q.notifySubscribers(job)
	return nil
}

// ListJobs returns tasks, optionally filtered by status
func (q *Queue) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	return q.store.ListJobs(ctx, status, limit)
}

// Subscribe returns a channel that receives task updates.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan *Job, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is NOT closed; the caller manages its lifecycle.
func (q *Queue) Unsubscribe(ch chan *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

// notifySubscribers sends a copy of the task to every subscriber,
// skipping any whose buffer is full.
func (q *Queue) notifySubscribers(job *Job) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, ch := range q.subscribers {
		snapshot := *job
		select {
		case ch <- &snapshot:
		default:
		}
	}
}

// QueueStats returns statistics about the queue
type QueueStats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// GetStats counts tasks by status
func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	stats := &QueueStats{}
	for _, status := range []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed} {
		jobs, err := q.store.ListJobs(ctx, &status, MaxJobsLimit)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to count %s jobs", status)
		}

		count := len(jobs)
		switch status {
		case JobStatusQueued:
			stats.Queued = count
		case JobStatusRunning:
			stats.Running = count
		case JobStatusCompleted:
			stats.Completed = count
		case JobStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, nil
}
