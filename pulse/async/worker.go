package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/errors"
)

// MaxOrphanedJobsToRecover limits how many orphaned tasks are re-queued on start
const MaxOrphanedJobsToRecover = 1000

// pulseLogger distinguishes opening (✿) and closing (❀) events from
// ordinary worker logging.
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers      int           `json:"workers"`       // Number of concurrent workers
	PollInterval time.Duration `json:"poll_interval"` // How often idle workers check for due tasks
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:      1,
		PollInterval: time.Second,
	}
}

// WorkerPool runs queued tasks through the handler registry
type WorkerPool struct {
	queue         *Queue
	registry      *HandlerRegistry
	workers       int
	pollInterval  time.Duration
	parentCtx     context.Context
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	activeWorkers int
	jobsProcessed int
	logger        pulseLogger
	mu            sync.Mutex
}

// NewWorkerPool creates a worker pool over rows with an empty handler
// registry. Register handlers before calling Start.
func NewWorkerPool(ctx context.Context, rows collection.Store, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithQueue(ctx, NewQueue(rows), cfg, logger)
}

// NewWorkerPoolWithQueue creates a worker pool sharing an existing queue
func NewWorkerPoolWithQueue(ctx context.Context, queue *Queue, cfg WorkerPoolConfig, logger *zap.SugaredLogger) *WorkerPool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:        queue,
		registry:     NewHandlerRegistry(),
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		parentCtx:    ctx,
		ctx:          workerCtx,
		cancel:       cancel,
		logger:       pulseLogger{logger.Named("pulse")},
	}
}

// Start recovers orphaned tasks and launches the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	ctx := wp.ctx
	wp.mu.Unlock()

	if n, err := wp.recoverOrphanedJobs(ctx); err != nil {
		wp.logger.Warnw("Failed to recover orphaned jobs", "error", err)
	} else if n > 0 {
		wp.logger.Starting("Recovered orphaned jobs from previous run", "count", n)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// recoverOrphanedJobs re-queues tasks left running by a process that died
func (wp *WorkerPool) recoverOrphanedJobs(ctx context.Context) (int, error) {
	running := JobStatusRunning
	orphaned, err := wp.queue.ListJobs(ctx, &running, MaxOrphanedJobsToRecover)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list running jobs")
	}

	recovered := 0
	for _, job := range orphaned {
		now := wp.queue.now()
		job.Requeue(now, now)
		job.Error = ""
		if err := wp.queue.UpdateJob(ctx, job); err != nil {
			wp.logger.Warnw("Failed to recover orphaned job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}
	return recovered, nil
}

// Stop cancels the workers and waits for in-flight tasks, up to 30 seconds
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	wp.cancel()
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	timeout := 30 * time.Second
	select {
	case <-done:
		wp.logger.Infow("❀ WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(timeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", timeout)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything that is due before waiting for the next tick
		for {
			processed, err := wp.processNextJob(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing job",
					"worker_id", id,
					"error", err,
					"consecutive_errors", errorCount)
				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						"worker_id", id,
						"backoff", backoffDuration)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}
			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					"worker_id", id,
					"previous_error_count", errorCount)
				errorCount = 0
				backoffDuration = time.Second
			}
			if !processed {
				break
			}
		}
	}
}

// processNextJob runs one due task. It reports whether a task was found.
func (wp *WorkerPool) processNextJob(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	job, err := wp.queue.Dequeue(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to dequeue job")
	}
	if job == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.activeWorkers++
	wp.jobsProcessed++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With("job_id", job.ID, "handler", job.HandlerName, "source", job.Source)
	execErr := wp.registry.Execute(ctx, job)
	if execErr == nil {
		return true, wp.queue.CompleteJob(ctx, job)
	}

	if ctx.Err() != nil {
		// Shutting down: hand the task back untouched for the next start
		wp.logger.Closing("Job cancelled during execution, re-queuing", "job_id", job.ID)
		now := wp.queue.now()
		job.Requeue(now, now)
		if err := wp.queue.UpdateJob(context.WithoutCancel(ctx), job); err != nil {
			log.Errorw("Failed to re-queue cancelled job", "error", err)
		}
		return true, nil
	}

	if batch.IsRetryable(execErr) {
		execErr = RetryableError(ctx, wp.queue, job, job.HandlerName, execErr, log)
		if errors.Is(execErr, ErrRetryScheduled) {
			return true, nil
		}
	}

	log.Warnw("Job failed", "error", execErr, "retry_count", job.RetryCount)
	return true, wp.queue.FailJob(ctx, job, execErr)
}

// Queue returns the task queue for producers
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry. Register handlers before Start:
//
//	pool := async.NewWorkerPool(ctx, store, cfg, logger)
//	pipeline.RegisterHandlers(pool.Registry(), orch, notifier)
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
