package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/diff"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/idempotency"
	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/logger"
)

// workItem is one claimable unit of stage work
type workItem struct {
	key   string
	label string
	// changed is the diff gate verdict for the derived artifact
	changed bool
	run     func(ctx context.Context) (any, error)
}

// artifact is what a previous run left behind for one work item
type artifact struct {
	fingerprint string
	writtenAt   *time.Time
}

// changed applies the configured diff strategy to a stored artifact.
// Artifacts carry no version, so the version strategy compares content.
func (o *Orchestrator) changed(rc *runContext, a *artifact, fp string) bool {
	if rc.trigger.Options.ForceRefresh || a == nil {
		return true
	}
	switch o.cfg.DiffStrategy {
	case diff.ContentHash, diff.Version:
		return diff.ShouldProcess(diff.ContentHash, a.fingerprint, fp)
	case diff.UpdatedAt:
		if rc.content.UpdatedAt == nil {
			return diff.ShouldProcess(diff.ContentHash, a.fingerprint, fp)
		}
		return diff.ShouldProcess(diff.UpdatedAt, a.writtenAt, rc.content.UpdatedAt)
	default:
		return diff.ShouldProcess(o.cfg.DiffStrategy, a.fingerprint, fp)
	}
}

// stageKey builds the idempotency key for one item. A forced refresh gets
// keys of its own so completed work from earlier runs is redone.
func (o *Orchestrator) stageKey(rc *runContext, op, field, variant, fp string) string {
	if rc.trigger.Options.ForceRefresh {
		if variant == "" {
			variant = idempotency.Placeholder
		}
		variant += "#" + rc.trigger.RequestID
	}
	return idempotency.BuildKey(idempotency.KeyParts{
		TenantID:    rc.content.TenantID,
		Operation:   op,
		Table:       rc.content.Collection,
		RecordID:    rc.content.ID,
		Field:       field,
		Variant:     variant,
		Fingerprint: fp,
	})
}

// skippedStep records a stage that did not run, with zero duration
func (o *Orchestrator) skippedStep(name, reason string) ledger.Step {
	now := o.now()
	return ledger.Step{
		Name:         name,
		Status:       ledger.StepSkipped,
		StartedAt:    &now,
		FinishedAt:   &now,
		ErrorMessage: reason,
	}
}

// runStage processes items with per-item failure isolation. The stage
// fails if any item failed.
func (o *Orchestrator) runStage(ctx context.Context, rc *runContext, name string, items []workItem) ledger.Step {
	started := o.now()
	log := rc.log.With(logger.FieldStage, name)
	log.Infow("Stage starting", logger.FieldCount, len(items))

	var (
		mu    sync.Mutex
		codes = make(map[string]batch.ErrorCode)
	)
	result := batch.ProcessWithPartialFailure(ctx, items, batch.Options[workItem]{
		BatchSize:   o.cfg.BatchSize,
		Concurrency: o.cfg.Concurrency,
		Describe:    func(it workItem) string { return it.label },
	}, func(ctx context.Context, it workItem) (batch.Outcome, error) {
		outcome, err := o.runItem(ctx, rc, name, it)
		if err != nil {
			code := batch.Classify(name, err).Code
			mu.Lock()
			codes[it.label] = code
			mu.Unlock()
			log.Warnw("Stage item failed",
				"item", it.label,
				logger.FieldErrorCode, code,
				logger.FieldError, err.Error())
		}
		return outcome, err
	})

	finished := o.now()
	step := ledger.Step{
		Name:           name,
		Status:         ledger.StepSucceeded,
		StartedAt:      &started,
		FinishedAt:     &finished,
		DurationMS:     finished.Sub(started).Milliseconds(),
		ItemsProcessed: result.Processed,
		ItemsSkipped:   result.Skipped,
		ItemsFailed:    result.Failed,
	}
	if result.Failed > 0 {
		first := result.Errors[0]
		step.Status = ledger.StepFailed
		step.ErrorCode = string(codes[first.Item])
		if step.ErrorCode == "" {
			step.ErrorCode = string(batch.ErrorCodeUnknown)
		}
		step.ErrorMessage = fmt.Sprintf("%d of %d items failed; %s: %s", result.Failed, result.Total, first.Item, first.Message)
	}

	log.Infow("Stage finished",
		logger.FieldStatus, step.Status,
		logger.FieldProcessed, step.ItemsProcessed,
		logger.FieldSkipped, step.ItemsSkipped,
		logger.FieldFailed, step.ItemsFailed,
		logger.FieldDurationMS, step.DurationMS)
	return step
}

// runItem claims the item, skips it when already handled or unchanged, and
// otherwise runs it with retries and records the result on the claim.
func (o *Orchestrator) runItem(ctx context.Context, rc *runContext, stage string, it workItem) (batch.Outcome, error) {
	claim, err := o.registry.Claim(ctx, rc.jobName, it.key, rc.content.Fingerprint,
		idempotency.ClaimOptions{ReclaimFailed: true, Lease: o.cfg.ClaimLease})
	if err != nil {
		return batch.Processed, errors.Wrapf(err, "failed to claim %s", it.label)
	}
	if claim.FingerprintMismatch {
		rc.log.Warnw("Idempotency key reused with a different request fingerprint",
			logger.FieldStage, stage,
			logger.FieldKey, it.key)
	}

	switch claim.Outcome {
	case idempotency.OutcomeAlreadyHandled:
		rc.log.Debugw("Stage item already handled", logger.FieldStage, stage, logger.FieldKey, it.key)
		return batch.Skipped, nil
	case idempotency.OutcomeInProgress:
		return batch.Processed, errors.Mark(errors.Newf("%s is in progress elsewhere", it.label), errors.ErrConflict)
	}

	if !it.changed {
		if err := o.registry.Complete(ctx, rc.jobName, it.key, claim.Owner, map[string]any{"unchanged": true}); err != nil {
			rc.log.Warnw("Failed to complete unchanged item", logger.FieldKey, it.key, logger.FieldError, err)
		}
		return batch.Skipped, nil
	}

	policy := batch.RetryPolicy{
		MaxRetries: o.cfg.MaxRetries,
		BaseDelay:  o.cfg.BaseDelay,
		Sleep:      o.sleep,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			rc.log.Infow("Retrying stage item",
				logger.FieldStage, stage,
				"item", it.label,
				logger.FieldAttempt, attempt,
				"delay", delay,
				logger.FieldError, err.Error())
		},
	}
	response, err := batch.WithRetry(ctx, policy, func(ctx context.Context, attempt int) (any, error) {
		return it.run(ctx)
	})

	// The claim must be settled even if the caller went away
	settleCtx := context.WithoutCancel(ctx)
	if err != nil {
		ec := batch.Classify(stage, err)
		if ferr := o.registry.Fail(settleCtx, rc.jobName, it.key, claim.Owner, string(ec.Code), err.Error()); ferr != nil {
			rc.log.Warnw("Failed to record item failure", logger.FieldKey, it.key, logger.FieldError, ferr)
		}
		return batch.Processed, err
	}
	if err := o.registry.Complete(settleCtx, rc.jobName, it.key, claim.Owner, response); err != nil {
		if !errors.Is(err, idempotency.ErrLeaseLost) {
			return batch.Processed, errors.Wrapf(err, "failed to complete %s", it.label)
		}
		rc.log.Warnw("Claim lease lost before completion", logger.FieldKey, it.key)
	}
	return batch.Processed, nil
}

// callProvider bounds a single provider call
func callProvider[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
