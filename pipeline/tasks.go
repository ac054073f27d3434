package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/internal/httpclient"
	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/logger"
	"github.com/teranos/cascade/providers"
	"github.com/teranos/cascade/pulse/async"
)

// Background task handler names
const (
	TaskNotify      = "pipeline.notify"
	TaskRetryFailed = "pipeline.retry-failed"
)

// SourceAutoRetry marks triggers replayed by the retry-failed task. Runs
// started this way never schedule another automatic retry.
const SourceAutoRetry = "auto_retry"

// Enqueuer accepts background tasks; *async.Queue implements it
type Enqueuer interface {
	Enqueue(ctx context.Context, job *async.Job) error
}

// RunSummary is posted to the notify webhook
type RunSummary struct {
	JobID        string        `json:"job_id"`
	JobName      string        `json:"job_name"`
	RequestID    string        `json:"request_id"`
	TenantID     string        `json:"tenant_id"`
	EntityType   string        `json:"entity_type"`
	EntityID     string        `json:"entity_id"`
	Status       ledger.Status `json:"status"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Steps        []ledger.Step `json:"steps"`
	FinishedAt   *time.Time    `json:"finished_at,omitempty"`
}

// NotifyPayload is the payload of a TaskNotify task
type NotifyPayload struct {
	URL     string     `json:"url"`
	Summary RunSummary `json:"summary"`
}

func summarize(t Trigger, run *ledger.JobRun) RunSummary {
	return RunSummary{
		JobID:        run.ID,
		JobName:      run.JobName,
		RequestID:    t.RequestID,
		TenantID:     t.TenantID,
		EntityType:   t.EntityType,
		EntityID:     t.EntityID,
		Status:       run.Status,
		ErrorCode:    run.ErrorCode,
		ErrorMessage: run.ErrorMessage,
		Steps:        run.Metadata.Steps,
		FinishedAt:   run.FinishedAt,
	}
}

// enqueueFollowUps schedules post-processing for a finalized run. Enqueue
// failures are logged; they never change the run's response.
func (o *Orchestrator) enqueueFollowUps(ctx context.Context, t Trigger, run *ledger.JobRun) {
	if o.tasks == nil {
		return
	}
	log := o.logger.With(logger.FieldsFromContext(ctx)...)

	if o.cfg.NotifyURL != "" {
		job, err := async.NewJob(TaskNotify, run.ID, NotifyPayload{URL: o.cfg.NotifyURL, Summary: summarize(t, run)})
		if err == nil {
			err = o.tasks.Enqueue(ctx, job)
		}
		if err != nil {
			log.Warnw("Failed to enqueue run notification", logger.FieldError, err)
		}
	}

	retryable := run.Status == ledger.StatusPartialError ||
		(run.Status == ledger.StatusFailed && run.ErrorCode != string(batch.ErrorCodeContent))
	if !o.cfg.AutoRetry || !retryable || t.TriggerSource == SourceAutoRetry {
		return
	}

	retry := t
	retry.TriggerSource = SourceAutoRetry
	retry.RequestID = ""
	retry.Options.ForceRefresh = false
	job, err := async.NewJob(TaskRetryFailed, run.ID, retry)
	if err == nil {
		err = o.tasks.Enqueue(ctx, job.Delay(o.cfg.AutoRetryDelay))
	}
	if err != nil {
		log.Warnw("Failed to enqueue automatic retry", logger.FieldError, err)
		return
	}
	log.Infow("Automatic retry scheduled",
		logger.FieldJobID, run.ID,
		"task_id", job.ID,
		"run_after", job.RunAfter)
}

// RegisterHandlers installs the pipeline's background task handlers.
// client posts notifications; nil uses an SSRF-safe default.
func RegisterHandlers(registry *async.HandlerRegistry, o *Orchestrator, client *httpclient.SaferClient) {
	if client == nil {
		client = httpclient.NewSaferClient(providers.DefaultTimeout)
	}

	registry.Register(async.HandlerFunc{
		HandlerName: TaskNotify,
		Fn: func(ctx context.Context, job *async.Job) error {
			var payload NotifyPayload
			if err := job.Decode(&payload); err != nil {
				return batch.Permanent(err)
			}
			err := client.DoJSON(ctx, http.MethodPost, payload.URL, nil, payload.Summary, nil)
			return providers.Classify(err)
		},
	})

	registry.Register(async.HandlerFunc{
		HandlerName: TaskRetryFailed,
		Fn: func(ctx context.Context, job *async.Job) error {
			var t Trigger
			if err := job.Decode(&t); err != nil {
				return batch.Permanent(err)
			}
			resp, err := o.Run(ctx, t)
			if err != nil {
				if errors.Is(err, errors.ErrInvalidRequest) {
					return batch.Permanent(err)
				}
				return err
			}
			if resp.Duplicate {
				return errors.Newf("run %s is still in progress", resp.JobID)
			}
			return nil
		},
	})
}
