package async

import (
	"context"
	"fmt"
	"time"

	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/errors"
)

// Collection is the store collection holding background tasks
const Collection = "async_tasks"

// Store handles persistence of background tasks
type Store struct {
	rows collection.Store
}

// NewStore creates a task store over a collection store
func NewStore(rows collection.Store) *Store {
	return &Store{rows: rows}
}

// CreateJob inserts a new task
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	if err := s.rows.Insert(ctx, Collection, jobToRow(job)); err != nil {
		return errors.Wrap(err, "failed to create job")
	}
	return nil
}

// GetJob retrieves a task by ID
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	rows, err := s.rows.Select(ctx, Collection, collection.Eq("id", id).Limit(1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundError("job not found: %s", id)
	}
	return jobFromRow(rows[0]), nil
}

// UpdateJob writes the mutable columns of a task
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	n, err := s.rows.Patch(ctx, Collection, collection.Eq("id", job.ID), mutableColumns(job))
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}
	if n == 0 {
		return errors.NewNotFoundError("job not found: %s", job.ID)
	}
	return nil
}

// ClaimJob moves a queued task to running. It reports false when another
// worker claimed the task first.
func (s *Store) ClaimJob(ctx context.Context, job *Job) (bool, error) {
	n, err := s.rows.Patch(ctx, Collection,
		collection.Eq("id", job.ID).Eq("status", string(JobStatusQueued)),
		mutableColumns(job))
	if err != nil {
		return false, errors.Wrap(err, "failed to claim job")
	}
	return n == 1, nil
}

// ListJobs returns tasks ordered oldest first, optionally filtered by status
func (s *Store) ListJobs(ctx context.Context, status *JobStatus, limit int) ([]*Job, error) {
	f := collection.Filter{}
	if status != nil {
		f = f.Eq("status", string(*status))
	}
	rows, err := s.rows.Select(ctx, Collection, f.OrderBy("created_at", false).Limit(limit))
	if err != nil {
		err = errors.Wrap(err, "failed to list jobs")
		if status != nil {
			err = errors.WithDetail(err, fmt.Sprintf("Status filter: %s", *status))
		}
		return nil, err
	}
	return jobsFromRows(rows), nil
}

// ListDue returns queued tasks whose run_after has passed, oldest due first
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.rows.Select(ctx, Collection,
		collection.Eq("status", string(JobStatusQueued)).
			Lte("run_after", now).
			OrderBy("run_after", false).
			Limit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due jobs")
	}
	return jobsFromRows(rows), nil
}

func jobsFromRows(rows []collection.Row) []*Job {
	jobs := make([]*Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, jobFromRow(row))
	}
	return jobs
}
