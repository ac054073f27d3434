package sweep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/db"
	"github.com/teranos/cascade/idempotency"
	cascadetest "github.com/teranos/cascade/internal/testing"
	"github.com/teranos/cascade/ledger"
)

type fixture struct {
	ledger   *ledger.Ledger
	registry *idempotency.Registry
	sweeper  *Sweeper
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := collection.NewSQLStore(cascadetest.CreateTestDB(t), db.SQLite)
	f := &fixture{
		ledger:   ledger.New(store),
		registry: idempotency.NewRegistry(store, time.Minute),
	}
	f.sweeper = New(context.Background(), f.ledger, f.registry, cfg)
	t.Cleanup(f.sweeper.Stop)
	return f
}

func startRun(t *testing.T, l *ledger.Ledger, key string) *ledger.JobRun {
	t.Helper()
	ctx := context.Background()
	run, err := l.Create(ctx, ledger.NewRun{JobName: "pipeline", IdempotencyKey: key})
	require.NoError(t, err)
	run, err = l.Start(ctx, run.ID, ledger.Metadata{})
	require.NoError(t, err)
	return run
}

func TestSweepAbandonsStaleRuns(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Minute, StaleAfter: 5 * time.Millisecond})
	ctx := context.Background()

	stale := startRun(t, f.ledger, "stale")
	time.Sleep(20 * time.Millisecond)

	res, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 1, res.Abandoned)

	got, err := f.ledger.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, "abandoned", got.ErrorCode)
	assert.NotNil(t, got.FinishedAt)

	sweepRun, err := f.ledger.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, JobName, sweepRun.JobName)
	assert.Equal(t, ledger.StatusSucceeded, sweepRun.Status)
	assert.Equal(t, ledger.JobTypeSweep, sweepRun.Metadata.JobType)
	assert.Equal(t, 1, sweepRun.Metadata.Counters.ItemsProcessed)
}

func TestSweepAbandonsRunsThatNeverStarted(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Minute, StaleAfter: 5 * time.Millisecond})
	ctx := context.Background()

	orphan, err := f.ledger.Create(ctx, ledger.NewRun{JobName: "pipeline", IdempotencyKey: "orphan"})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	res, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Abandoned)

	got, err := f.ledger.Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, got.Status)
	assert.Equal(t, "abandoned", got.ErrorCode)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
}

func TestSweepLeavesFreshRunsAlone(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Minute, StaleAfter: time.Hour})
	ctx := context.Background()

	fresh := startRun(t, f.ledger, "fresh")

	res, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Abandoned)

	got, err := f.ledger.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusRunning, got.Status)
}

func TestSweepExpiresLeases(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Minute, StaleAfter: time.Hour})
	ctx := context.Background()

	claim, err := f.registry.Claim(ctx, "pipeline", "t1:translate:articles:a1:title:en->de:abc", "",
		idempotency.ClaimOptions{Lease: time.Millisecond})
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeClaimed, claim.Outcome)
	time.Sleep(10 * time.Millisecond)

	res, err := f.sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.LeasesExpired)

	rec, err := f.registry.Lookup(ctx, "pipeline", "t1:translate:articles:a1:title:en->de:abc")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
	assert.Equal(t, "lease_expired", rec.ErrorCode)
}

func TestSweepOncePerWindow(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour, StaleAfter: time.Hour})
	fixed := time.Date(2026, 6, 1, 12, 30, 0, 0, time.UTC)
	f.sweeper.now = func() time.Time { return fixed }

	first, err := f.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, first.Skipped)

	second, err := f.sweeper.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, first.RunID, second.RunID)

	assert.Equal(t, "-:sweep:job_runs:-:-:-:20260601T120000Z", f.sweeper.windowKey(fixed))
}

func TestSweeperLoopTicks(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond, StaleAfter: time.Hour})
	f.sweeper.Start()

	require.Eventually(t, func() bool {
		_, ticks := f.sweeper.LastTick()
		return ticks >= 2
	}, 2*time.Second, 5*time.Millisecond)

	runs, err := f.ledger.List(context.Background(), ledger.ListFilter{JobName: JobName})
	require.NoError(t, err)
	assert.NotEmpty(t, runs)
}

func TestSweeperDisabled(t *testing.T) {
	f := newFixture(t, Config{Interval: 0})
	f.sweeper.Start()
	_, ticks := f.sweeper.LastTick()
	assert.Zero(t, ticks)
}
