package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/db"
	cascadetest "github.com/teranos/cascade/internal/testing"
)

// ============================================================================
// TAS Bot & Yugi Queue Test Universe
// ============================================================================
//
//   - TAS Bot: enqueues tasks with frame-perfect timing
//   - Yugi: draws tasks from the queue like cards
// ============================================================================

func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	q := NewQueue(collection.NewSQLStore(cascadetest.CreateTestDB(t), db.SQLite))
	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }
	return q, &clock
}

func newTestJob(t *testing.T, handler string, created time.Time) *Job {
	t.Helper()
	job, err := NewJob(handler, "run-1", map[string]string{"run_id": "run-1"})
	require.NoError(t, err)
	job.CreatedAt, job.UpdatedAt, job.RunAfter = created, created, created
	return job
}

func TestTASBotEnqueuesAndYugiDraws(t *testing.T) {
	t.Log("TAS Bot places a task in the queue...")
	q, clock := newTestQueue(t)
	ctx := context.Background()

	job := newTestJob(t, "pipeline.notify", *clock)
	require.NoError(t, q.Enqueue(ctx, job))

	t.Log("Yugi draws from the queue")
	drawn, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, drawn)
	assert.Equal(t, job.ID, drawn.ID)
	assert.Equal(t, JobStatusRunning, drawn.Status)
	require.NotNil(t, drawn.StartedAt)

	var payload map[string]string
	require.NoError(t, drawn.Decode(&payload))
	assert.Equal(t, "run-1", payload["run_id"])

	empty, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty, "a running task is not handed out twice")

	require.NoError(t, q.CompleteJob(ctx, drawn))
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestDelayedTaskIsNotDueEarly(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	job := newTestJob(t, "pipeline.retry-failed", *clock).Delay(time.Minute)
	require.NoError(t, q.Enqueue(ctx, job))

	drawn, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, drawn)

	*clock = clock.Add(2 * time.Minute)
	drawn, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, drawn)
	assert.Equal(t, job.ID, drawn.ID)
}

func TestDequeueOldestDueFirst(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	later := newTestJob(t, "pipeline.notify", clock.Add(-time.Second))
	earlier := newTestJob(t, "pipeline.notify", clock.Add(-time.Minute))
	require.NoError(t, q.Enqueue(ctx, later))
	require.NoError(t, q.Enqueue(ctx, earlier))

	drawn, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, earlier.ID, drawn.ID)
}

func TestConcurrentDequeueHandsOutEachTaskOnce(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	const tasks = 6
	for i := 0; i < tasks; i++ {
		require.NoError(t, q.Enqueue(ctx, newTestJob(t, "pipeline.notify", clock.Add(time.Duration(i)*time.Millisecond))))
	}

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx)
				if !assert.NoError(t, err) || job == nil {
					return
				}
				mu.Lock()
				seen[job.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, tasks)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s dequeued %d times", id, n)
	}
}

func TestQueueSubscribersAndStats(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	job := newTestJob(t, "pipeline.notify", *clock)
	require.NoError(t, q.Enqueue(ctx, job))
	drawn, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.FailJob(ctx, drawn, assert.AnError))

	var statuses []JobStatus
	for i := 0; i < 3; i++ {
		statuses = append(statuses, (<-ch).Status)
	}
	assert.Equal(t, []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusFailed}, statuses)

	stats, err := q.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Total)
}

func TestRetryableErrorBacksOff(t *testing.T) {
	q, clock := newTestQueue(t)
	ctx := context.Background()
	log := createTestLogger()

	job := newTestJob(t, "pipeline.notify", *clock)
	require.NoError(t, q.Enqueue(ctx, job))

	for retry := 1; retry <= MaxRetries; retry++ {
		err := RetryableError(ctx, q, job, "notify", assert.AnError, log)
		assert.ErrorIs(t, err, ErrRetryScheduled)
		assert.Equal(t, retry, job.RetryCount)
		assert.Equal(t, JobStatusQueued, job.Status)
		assert.Equal(t, clock.Add(RetryBaseDelay<<(retry-1)), job.RunAfter)
	}

	err := RetryableError(ctx, q, job, "notify", assert.AnError, log)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetryScheduled)
	assert.Contains(t, err.Error(), "after 2 retries")
}

func TestIsValidStatus(t *testing.T) {
	assert.True(t, IsValidStatus("queued"))
	assert.True(t, IsValidStatus("failed"))
	assert.False(t, IsValidStatus("paused"))
}
