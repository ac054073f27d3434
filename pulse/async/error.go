package async

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cascade/errors"
)

// MaxRetries is the maximum number of retry attempts for failed tasks
const MaxRetries = 2

// RetryBaseDelay is the delay before the first retry; it doubles per retry
const RetryBaseDelay = 5 * time.Second

// ErrRetryScheduled marks an error whose task was put back in the queue
var ErrRetryScheduled = errors.New("retry scheduled")

// RetryableError re-queues the task with backoff and returns an error
// marked ErrRetryScheduled. Once MaxRetries is spent it returns the final
// error and leaves the task for the caller to fail.
func RetryableError(ctx context.Context, queue *Queue, job *Job, operation string, err error, log *zap.SugaredLogger) error {
	if job.RetryCount < MaxRetries {
		job.RetryCount++
		job.Error = fmt.Sprintf("%s (retry %d/%d): %v", operation, job.RetryCount, MaxRetries, err)

		now := queue.now()
		delay := RetryBaseDelay << (job.RetryCount - 1)
		job.Requeue(now, now.Add(delay))
		if updateErr := queue.UpdateJob(ctx, job); updateErr != nil {
			log.Warnw("Failed to update job for retry",
				"job_id", job.ID,
				"error", updateErr,
			)
			return errors.Wrapf(err, "%s: retry could not be scheduled", operation)
		}
		log.Infow("Retry scheduled",
			"job_id", job.ID,
			"retry_count", job.RetryCount,
			"max_retries", MaxRetries,
			"delay", delay,
			"operation", operation,
		)
		return errors.Mark(errors.Wrap(err, "retriable"), ErrRetryScheduled)
	}
	log.Warnw("Max retries exceeded",
		"job_id", job.ID,
		"max_retries", MaxRetries,
		"operation", operation,
	)
	return errors.Wrapf(err, "%s after %d retries", operation, MaxRetries)
}
