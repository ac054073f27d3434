package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/logger"
)

// Collection is the store collection holding job runs
const Collection = "job_runs"

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100
	// casAttempts bounds re-reads when a concurrent writer bumps the revision
	casAttempts = 5
)

var (
	// ErrDuplicateRun is returned by Create when (job_name, key) already has a run
	ErrDuplicateRun = errors.New("job run already exists for idempotency key")
	// ErrInvalidTransition is returned when the run's current status forbids the change
	ErrInvalidTransition = errors.New("invalid job run transition")
)

// NewRun describes a run to create
type NewRun struct {
	JobName        string
	IdempotencyKey string
	RetryCount     int
	Metadata       Metadata
}

// ListFilter narrows List results
type ListFilter struct {
	JobName string
	Status  Status
	Limit   int
}

// Ledger persists job runs through a collection store. Every write is a
// compare-and-set on the row revision.
type Ledger struct {
	store  collection.Store
	now    func() time.Time
	logger *zap.SugaredLogger

	mu          sync.RWMutex
	subscribers []chan *JobRun
}

// New creates a ledger over store
func New(store collection.Store) *Ledger {
	return &Ledger{
		store:  store,
		now:    time.Now,
		logger: logger.ComponentLogger("ledger"),
	}
}

func withRun(err error, id string) error {
	return errors.WithDetail(err, fmt.Sprintf("Job run ID: %s", id))
}

// Create inserts a pending run. On a uniqueness collision the existing run
// is returned together with ErrDuplicateRun.
func (l *Ledger) Create(ctx context.Context, nr NewRun) (*JobRun, error) {
	if nr.JobName == "" || nr.IdempotencyKey == "" {
		return nil, errors.NewInvalidRequestError("job run needs a job name and an idempotency key")
	}

	now := l.now()
	run := &JobRun{
		ID:             uuid.NewString(),
		JobName:        nr.JobName,
		IdempotencyKey: nr.IdempotencyKey,
		Status:         StatusPending,
		RetryCount:     nr.RetryCount,
		Metadata:       nr.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	meta, err := json.Marshal(run.Metadata)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode run metadata")
	}

	err = l.store.Insert(ctx, Collection, collection.Row{
		"id":              run.ID,
		"job_name":        run.JobName,
		"idempotency_key": run.IdempotencyKey,
		"status":          string(run.Status),
		"retry_count":     run.RetryCount,
		"revision":        0,
		"metadata":        string(meta),
		"created_at":      now,
		"updated_at":      now,
	})
	if err != nil {
		if errors.IsConflict(err) {
			existing, getErr := l.FindByKey(ctx, nr.JobName, nr.IdempotencyKey)
			if getErr != nil {
				return nil, errors.Wrap(getErr, "failed to load colliding job run")
			}
			return existing, ErrDuplicateRun
		}
		return nil, errors.Wrapf(err, "failed to create job run for %s", nr.JobName)
	}

	l.logger.Debugw("Job run created",
		logger.FieldJobName, run.JobName,
		logger.FieldJobID, run.ID,
		logger.FieldKey, run.IdempotencyKey)
	l.notifySubscribers(run)
	return run, nil
}

// Start moves a pending run to running and stamps started_at.
func (l *Ledger) Start(ctx context.Context, id string, meta Metadata) (*JobRun, error) {
	return l.transition(ctx, id, func(run *JobRun, now time.Time) error {
		if run.Status != StatusPending {
			return errors.Wrapf(ErrInvalidTransition, "cannot start a %s run", run.Status)
		}
		run.Status = StatusRunning
		run.StartedAt = &now
		run.Metadata = run.Metadata.Merge(meta)
		return nil
	})
}

// UpdateProgress merges metadata into a running run. Counters only grow.
func (l *Ledger) UpdateProgress(ctx context.Context, id string, meta Metadata) (*JobRun, error) {
	return l.transition(ctx, id, func(run *JobRun, _ time.Time) error {
		if run.Status != StatusRunning {
			return errors.Wrapf(ErrInvalidTransition, "cannot update progress of a %s run", run.Status)
		}
		run.Metadata = run.Metadata.Merge(meta)
		return nil
	})
}

// Succeed finishes a running run as succeeded.
func (l *Ledger) Succeed(ctx context.Context, id string, meta Metadata) (*JobRun, error) {
	return l.Finish(ctx, id, StatusSucceeded, "", "", meta)
}

// PartialError finishes a running run with some stages failed.
func (l *Ledger) PartialError(ctx context.Context, id, code, message string, meta Metadata) (*JobRun, error) {
	return l.Finish(ctx, id, StatusPartialError, code, message, meta)
}

// Fail finishes a run as failed. Pending runs may fail directly, which is
// how runs that never got going (content errors, abandoned claims) close.
func (l *Ledger) Fail(ctx context.Context, id, code, message string, meta Metadata) (*JobRun, error) {
	return l.Finish(ctx, id, StatusFailed, code, message, meta)
}

// Finish moves a run into the terminal status and stamps finished_at.
func (l *Ledger) Finish(ctx context.Context, id string, status Status, code, message string, meta Metadata) (*JobRun, error) {
	if !status.Terminal() {
		return nil, errors.Wrapf(ErrInvalidTransition, "%s is not a terminal status", status)
	}
	run, err := l.transition(ctx, id, func(run *JobRun, now time.Time) error {
		switch {
		case run.Status == StatusRunning:
		case run.Status == StatusPending && status == StatusFailed:
			run.StartedAt = &now
		default:
			return errors.Wrapf(ErrInvalidTransition, "cannot move a %s run to %s", run.Status, status)
		}
		run.Status = status
		run.ErrorCode = code
		run.ErrorMessage = message
		run.FinishedAt = &now
		run.Metadata = run.Metadata.Merge(meta)
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Infow("Job run finished",
		logger.FieldJobName, run.JobName,
		logger.FieldJobID, run.ID,
		logger.FieldStatus, run.Status,
		logger.FieldErrorCode, run.ErrorCode,
		logger.FieldDurationMS, run.Duration().Milliseconds())
	return run, nil
}

// Abandon fails a run whose worker disappeared.
func (l *Ledger) Abandon(ctx context.Context, id, reason string) (*JobRun, error) {
	return l.Fail(ctx, id, "abandoned", reason, Metadata{
		Extra: map[string]any{"abandoned_at": l.now().UTC().Format(time.RFC3339)},
	})
}

// transition applies mutate to the current row and writes it back guarded
// by id and revision, re-reading when another writer got there first.
func (l *Ledger) transition(ctx context.Context, id string, mutate func(run *JobRun, now time.Time) error) (*JobRun, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		run, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		prevRevision := run.revision

		now := l.now()
		if err := mutate(run, now); err != nil {
			return nil, withRun(err, id)
		}
		run.UpdatedAt = now
		run.revision = prevRevision + 1

		meta, err := json.Marshal(run.Metadata)
		if err != nil {
			return nil, withRun(errors.Wrap(err, "failed to encode run metadata"), id)
		}

		n, err := l.store.Patch(ctx, Collection,
			collection.Eq("id", id).Eq("revision", prevRevision),
			collection.Row{
				"status":        string(run.Status),
				"error_code":    nullable(run.ErrorCode),
				"error_message": nullable(run.ErrorMessage),
				"metadata":      string(meta),
				"revision":      run.revision,
				"updated_at":    now,
				"started_at":    run.StartedAt,
				"finished_at":   run.FinishedAt,
			})
		if err != nil {
			return nil, withRun(errors.Wrap(err, "failed to update job run"), id)
		}
		if n == 1 {
			l.notifySubscribers(run)
			return run, nil
		}
	}
	return nil, withRun(errors.Newf("job run kept changing after %d attempts", casAttempts), id)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Get returns a run by id
func (l *Ledger) Get(ctx context.Context, id string) (*JobRun, error) {
	rows, err := l.store.Select(ctx, Collection, collection.Eq("id", id).Limit(1))
	if err != nil {
		return nil, withRun(errors.Wrap(err, "failed to read job run"), id)
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundError("job run %s not found", id)
	}
	return runFromRow(rows[0])
}

// FindByKey returns the run recorded for (jobName, key)
func (l *Ledger) FindByKey(ctx context.Context, jobName, key string) (*JobRun, error) {
	rows, err := l.store.Select(ctx, Collection,
		collection.Eq("job_name", jobName).Eq("idempotency_key", key).Limit(1))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read job run by key")
	}
	if len(rows) == 0 {
		return nil, errors.NewNotFoundError("no job run for %s/%s", jobName, key)
	}
	return runFromRow(rows[0])
}

// List returns runs newest first
func (l *Ledger) List(ctx context.Context, f ListFilter) ([]*JobRun, error) {
	filter := collection.Filter{}
	if f.JobName != "" {
		filter = filter.Eq("job_name", f.JobName)
	}
	if f.Status != "" {
		filter = filter.Eq("status", string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.store.Select(ctx, Collection, filter.OrderBy("created_at", true).Limit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job runs")
	}
	return runsFromRows(rows)
}

// ListStale returns runs still running that started before now-olderThan,
// followed by runs that never left pending and were created before it.
func (l *Ledger) ListStale(ctx context.Context, olderThan time.Duration) ([]*JobRun, error) {
	cutoff := l.now().Add(-olderThan)
	running, err := l.store.Select(ctx, Collection,
		collection.Eq("status", string(StatusRunning)).Lt("started_at", cutoff).OrderBy("started_at", false))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale job runs")
	}
	pending, err := l.store.Select(ctx, Collection,
		collection.Eq("status", string(StatusPending)).Lt("created_at", cutoff).OrderBy("created_at", false))
	if err != nil {
		return nil, errors.Wrap(err, "failed to list stale job runs")
	}
	return runsFromRows(append(running, pending...))
}

func runsFromRows(rows []collection.Row) ([]*JobRun, error) {
	runs := make([]*JobRun, 0, len(rows))
	for _, row := range rows {
		run, err := runFromRow(row)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func runFromRow(row collection.Row) (*JobRun, error) {
	run := &JobRun{
		ID:             row.String("id"),
		JobName:        row.String("job_name"),
		IdempotencyKey: row.String("idempotency_key"),
		Status:         Status(row.String("status")),
		RetryCount:     int(row.Int("retry_count")),
		ErrorCode:      row.String("error_code"),
		ErrorMessage:   row.String("error_message"),
		StartedAt:      row.Time("started_at"),
		FinishedAt:     row.Time("finished_at"),
		revision:       row.Int("revision"),
	}
	if t := row.Time("created_at"); t != nil {
		run.CreatedAt = *t
	}
	if t := row.Time("updated_at"); t != nil {
		run.UpdatedAt = *t
	}
	if raw := row.String("metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &run.Metadata); err != nil {
			return nil, withRun(errors.Wrap(err, "failed to decode run metadata"), run.ID)
		}
	}
	return run, nil
}

// Subscribe returns a channel that receives every persisted run change
func (l *Ledger) Subscribe() <-chan *JobRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch := make(chan *JobRun, SubscriberChannelBufferSize)
	l.subscribers = append(l.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscription
func (l *Ledger) Unsubscribe(ch <-chan *JobRun) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, sub := range l.subscribers {
		if sub == ch {
			l.subscribers = append(l.subscribers[:i], l.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// notifySubscribers sends a copy to every subscriber without blocking;
// slow subscribers miss updates rather than stall writers.
func (l *Ledger) notifySubscribers(run *JobRun) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.subscribers {
		select {
		case ch <- run.Clone():
		default:
		}
	}
}
