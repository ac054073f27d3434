package pipeline

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/idempotency"
	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/logger"
)

// maxRetryRuns bounds the #retry-N suffixes tried for one content version
const maxRetryRuns = 1000

// DefaultTriggerSource is recorded when the caller names none
const DefaultTriggerSource = "api"

// Deps are the collaborators an Orchestrator drives. Embedder, Purger and
// Tasks are optional; a missing provider leaves its stage out of the run.
type Deps struct {
	Store      collection.Store
	Ledger     *ledger.Ledger
	Registry   *idempotency.Registry
	Translator Translator
	Embedder   Embedder
	Purger     Purger
	Tasks      Enqueuer
}

// Orchestrator runs the four-stage pipeline for one trigger at a time.
// It is safe for concurrent use; runs for different records do not share state.
type Orchestrator struct {
	cfg        Config
	store      collection.Store
	ledger     *ledger.Ledger
	registry   *idempotency.Registry
	translator Translator
	embedder   Embedder
	purger     Purger
	tasks      Enqueuer
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *zap.SugaredLogger
}

// New creates an orchestrator. Store calls made by the orchestrator are
// bounded by cfg.StoreTimeout.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:        cfg,
		store:      collection.WithTimeout(deps.Store, cfg.StoreTimeout),
		ledger:     deps.Ledger,
		registry:   deps.Registry,
		translator: deps.Translator,
		embedder:   deps.Embedder,
		purger:     deps.Purger,
		tasks:      deps.Tasks,
		now:        time.Now,
		logger:     logger.ComponentLogger("pipeline"),
	}
}

// runContext carries one run's inputs through the stages
type runContext struct {
	trigger Trigger
	content *Content
	jobName string
	source  string
	targets []string
	log     *zap.SugaredLogger
}

// JobName is the ledger job name for runs over collection
func JobName(collectionName string) string {
	return OpPipeline + ":" + collectionName
}

// runKey identifies this content version. A forced refresh carries the
// request id so it never collides with an earlier run.
func (rc *runContext) runKey() string {
	variant := ""
	if rc.trigger.Options.ForceRefresh {
		variant = rc.trigger.RequestID
	}
	return idempotency.BuildKey(idempotency.KeyParts{
		TenantID:    rc.content.TenantID,
		Operation:   OpPipeline,
		Table:       rc.content.Collection,
		RecordID:    rc.content.ID,
		Field:       "content",
		Variant:     variant,
		Fingerprint: rc.content.Fingerprint,
	})
}

// targetLangs resolves the languages to translate into, without the source
func (o *Orchestrator) targetLangs(t Trigger, source string) []string {
	requested := t.Options.TargetLangs
	if len(requested) == 0 {
		requested = o.cfg.DefaultTargetLangs
	}
	var out []string
	for _, lang := range requested {
		lang = strings.TrimSpace(lang)
		if lang == "" || lang == source || slices.Contains(out, lang) {
			continue
		}
		out = append(out, lang)
	}
	return out
}

func validateTrigger(t Trigger) error {
	switch {
	case t.TenantID == "":
		return errors.NewInvalidRequestError("tenant_id is required")
	case t.EntityType == "":
		return errors.NewInvalidRequestError("entity_type is required")
	case t.EntityID == "":
		return errors.NewInvalidRequestError("entity_id is required")
	}
	return nil
}

// Run executes one trigger and returns once its job run is finalized.
//
// Content errors and partial failures are reported in the Response, not
// as an error. An error means the trigger was invalid, the record could not
// be read, or the ledger could not record the run. A failed read or start
// still leaves a failed run behind whenever the ledger accepts it.
func (o *Orchestrator) Run(ctx context.Context, t Trigger) (*Response, error) {
	if t.RequestID == "" {
		t.RequestID = uuid.NewString()
	}
	if t.TriggerSource == "" {
		t.TriggerSource = DefaultTriggerSource
	}
	if err := validateTrigger(t); err != nil {
		return nil, err
	}
	entity, ok := o.cfg.Entities[t.EntityType]
	if !ok {
		return nil, errors.NewInvalidRequestError("unknown entity type %q", t.EntityType)
	}

	jobName := JobName(entity.Collection)
	ctx = logger.WithRequestID(ctx, t.RequestID)
	ctx = logger.WithJobName(ctx, jobName)
	log := o.logger.With(logger.FieldsFromContext(ctx)...)
	log.Infow("Pipeline trigger received",
		logger.FieldTenantID, t.TenantID,
		logger.FieldEntity, t.EntityType+"/"+t.EntityID,
		"trigger_source", t.TriggerSource)

	source := t.Options.SourceLang
	if source == "" {
		source = o.cfg.SourceLang
	}
	content, err := loadContent(ctx, o.store, t.EntityType, entity, t.TenantID, t.EntityID)
	if err != nil {
		if errors.Is(err, errors.ErrContent) {
			return o.failEarly(ctx, t, jobName, entity.Collection, batch.ErrorCodeContent, err, log)
		}
		code := batch.Classify("load", err).Code
		resp, recErr := o.failEarly(ctx, t, jobName, entity.Collection, code, err, log)
		if recErr != nil {
			log.Errorw("Failed to record load failure", logger.FieldError, recErr)
			return nil, err
		}
		return nil, errors.WithDetail(err, "Job run ID: "+resp.JobID)
	}

	rc := &runContext{
		trigger: t,
		content: content,
		jobName: jobName,
		source:  source,
		targets: o.targetLangs(t, source),
		log:     log,
	}

	run, existing, err := o.createRun(ctx, rc)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Infow("Pipeline run already in progress",
			logger.FieldJobID, existing.ID,
			logger.FieldStatus, existing.Status)
		return &Response{
			OK:             true,
			JobID:          existing.ID,
			RequestID:      t.RequestID,
			PipelineStatus: StatusInProgress,
			Steps:          existing.Metadata.Steps,
			Duplicate:      true,
		}, nil
	}

	ctx = logger.WithJobID(ctx, run.ID)
	rc.log = log.With(logger.FieldJobID, run.ID)
	run, err = o.ledger.Start(ctx, run.ID, ledger.Metadata{
		Input: map[string]any{
			"tenant_id":    content.TenantID,
			"entity_type":  content.EntityType,
			"entity_id":    content.ID,
			"fingerprint":  content.Fingerprint,
			"source_lang":  source,
			"target_langs": rc.targets,
			"force":        t.Options.ForceRefresh,
		},
	})
	if err != nil {
		code := string(batch.Classify("start", err).Code)
		if _, failErr := o.ledger.Fail(context.WithoutCancel(ctx), run.ID, code, err.Error(), ledger.Metadata{
			PipelineStatus: string(ledger.StatusFailed),
		}); failErr != nil {
			rc.log.Errorw("Failed to fail unstarted run", logger.FieldError, failErr)
		}
		return nil, errors.Wrap(err, "failed to start job run")
	}
	rc.log.Infow("Pipeline run started",
		"fingerprint", content.Fingerprint,
		logger.FieldKey, run.IdempotencyKey)

	steps := o.execute(ctx, rc, run.ID)
	return o.finalize(ctx, rc, run, steps)
}

// createRun creates the run for this content version. When a terminal run
// already holds the key, a retry run is created under key#retry-N. A live
// run is returned as existing.
func (o *Orchestrator) createRun(ctx context.Context, rc *runContext) (*ledger.JobRun, *ledger.JobRun, error) {
	base := rc.runKey()
	key := base
	retry := 0
	for attempts := 0; attempts < maxRetryRuns; attempts++ {
		run, err := o.ledger.Create(ctx, ledger.NewRun{
			JobName:        rc.jobName,
			IdempotencyKey: key,
			RetryCount:     retry,
			Metadata: ledger.Metadata{
				JobType:       ledger.JobTypePipeline,
				DiffStrategy:  string(o.cfg.DiffStrategy),
				TriggerSource: rc.trigger.TriggerSource,
				RequestID:     rc.trigger.RequestID,
			},
		})
		if err == nil {
			return run, nil, nil
		}
		if !errors.Is(err, ledger.ErrDuplicateRun) {
			return nil, nil, errors.Wrap(err, "failed to create job run")
		}
		if !run.Status.Terminal() {
			return nil, run, nil
		}
		retry = run.RetryCount + 1
		key = fmt.Sprintf("%s#retry-%d", base, retry)
	}
	return nil, nil, errors.Newf("no free retry run key for %s", base)
}

// failEarly records a run that failed before any stage ran, keyed by the
// request id. Replaying the same request returns the run already recorded.
func (o *Orchestrator) failEarly(ctx context.Context, t Trigger, jobName, collectionName string, code batch.ErrorCode, cause error, log *zap.SugaredLogger) (*Response, error) {
	key := idempotency.BuildKey(idempotency.KeyParts{
		TenantID:  t.TenantID,
		Operation: OpPipeline,
		Table:     collectionName,
		RecordID:  t.EntityID,
		Field:     "content",
		Variant:   t.RequestID,
	})
	ctx = context.WithoutCancel(ctx)
	run, err := o.ledger.Create(ctx, ledger.NewRun{
		JobName:        jobName,
		IdempotencyKey: key,
		Metadata: ledger.Metadata{
			JobType:       ledger.JobTypePipeline,
			TriggerSource: t.TriggerSource,
			RequestID:     t.RequestID,
		},
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicateRun) {
		return nil, errors.Wrap(err, "failed to record early failure")
	}
	if run.Status.Terminal() {
		return failedResponse(t, run), nil
	}

	final, err := o.ledger.Fail(ctx, run.ID, string(code), cause.Error(), ledger.Metadata{
		PipelineStatus: string(ledger.StatusFailed),
		Input: map[string]any{
			"tenant_id":   t.TenantID,
			"entity_type": t.EntityType,
			"entity_id":   t.EntityID,
		},
	})
	if errors.Is(err, ledger.ErrInvalidTransition) {
		// A concurrent replay finished it first
		if final, err = o.ledger.Get(ctx, run.ID); err == nil {
			return failedResponse(t, final), nil
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to record early failure")
	}

	log.Warnw("Pipeline run failed before any stage",
		logger.FieldJobID, final.ID,
		logger.FieldErrorCode, code,
		logger.FieldError, cause.Error())
	o.enqueueFollowUps(ctx, t, final)
	return failedResponse(t, final), nil
}

func failedResponse(t Trigger, run *ledger.JobRun) *Response {
	steps := run.Metadata.Steps
	if steps == nil {
		steps = []ledger.Step{}
	}
	return &Response{
		OK:             false,
		JobID:          run.ID,
		RequestID:      t.RequestID,
		PipelineStatus: string(ledger.StatusFailed),
		Steps:          steps,
		ErrorCode:      run.ErrorCode,
		ErrorMessage:   run.ErrorMessage,
	}
}

// execute runs the stages in gating order. Every step is flushed into the
// run's metadata as soon as it is known.
func (o *Orchestrator) execute(ctx context.Context, rc *runContext, runID string) []ledger.Step {
	opts := rc.trigger.Options
	var steps []ledger.Step
	record := func(step ledger.Step) {
		steps = append(steps, step)
		_, err := o.ledger.UpdateProgress(ctx, runID, ledger.Metadata{
			Steps:    []ledger.Step{step},
			Counters: countersFor(steps),
		})
		if err != nil {
			rc.log.Warnw("Failed to record step progress", logger.FieldStage, step.Name, logger.FieldError, err)
		}
	}
	stage := func(name string, build func() ([]workItem, error)) {
		items, err := build()
		if err != nil {
			record(o.failedStep(name, err))
			return
		}
		record(o.runStage(ctx, rc, name, items))
	}

	stage(StageTranslate, func() ([]workItem, error) { return o.translateItems(ctx, rc) })

	if succeeded(steps, StageTranslate) {
		stage(StagePublicSync, func() ([]workItem, error) { return o.publicSyncItems(ctx, rc) })
	} else {
		record(o.skippedStep(StagePublicSync, "gated: translate did not succeed"))
	}

	switch {
	case opts.SkipCachePurge:
		record(o.skippedStep(StageCachePurge, "skipped by request"))
	case o.purger == nil || len(o.cfg.PurgeURLTemplates) == 0:
		// not configured for this deployment
	case !succeeded(steps, StagePublicSync):
		record(o.skippedStep(StageCachePurge, "gated: public_sync did not succeed"))
	default:
		stage(StageCachePurge, func() ([]workItem, error) { return o.cachePurgeItems(rc), nil })
	}

	switch {
	case opts.SkipEmbedding:
		record(o.skippedStep(StageEmbedding, "skipped by request"))
	case o.embedder == nil:
	case !succeeded(steps, StageTranslate):
		record(o.skippedStep(StageEmbedding, "gated: translate did not succeed"))
	default:
		stage(StageEmbedding, func() ([]workItem, error) { return o.embeddingItems(ctx, rc) })
	}
	return steps
}

// failedStep records a stage that could not even list its work
func (o *Orchestrator) failedStep(name string, err error) ledger.Step {
	now := o.now()
	return ledger.Step{
		Name:         name,
		Status:       ledger.StepFailed,
		StartedAt:    &now,
		FinishedAt:   &now,
		ErrorCode:    string(batch.Classify(name, err).Code),
		ErrorMessage: err.Error(),
	}
}

// finalize writes the verdict into the ledger before anything is returned
func (o *Orchestrator) finalize(ctx context.Context, rc *runContext, run *ledger.JobRun, steps []ledger.Step) (*Response, error) {
	verdict := DeriveStatus(steps)
	var code, message string
	if f := firstFailure(steps); f != nil {
		code = f.ErrorCode
		message = f.Name + ": " + f.ErrorMessage
	}

	ctx = context.WithoutCancel(ctx)
	final, err := o.ledger.Finish(ctx, run.ID, verdict, code, message, ledger.Metadata{
		PipelineStatus: string(verdict),
		Steps:          steps,
		Counters:       countersFor(steps),
		Output: map[string]any{
			"fingerprint":  rc.content.Fingerprint,
			"target_langs": rc.targets,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to finalize job run")
	}

	rc.log.Infow("Pipeline run finalized",
		logger.FieldStatus, verdict,
		logger.FieldErrorCode, code,
		logger.FieldDurationMS, final.Duration().Milliseconds())
	o.enqueueFollowUps(ctx, rc.trigger, final)

	if steps == nil {
		steps = []ledger.Step{}
	}
	return &Response{
		OK:             verdict != ledger.StatusFailed,
		JobID:          final.ID,
		RequestID:      rc.trigger.RequestID,
		PipelineStatus: string(verdict),
		Steps:          steps,
		ErrorCode:      code,
		ErrorMessage:   message,
	}, nil
}
