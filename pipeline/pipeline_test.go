package pipeline

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cascade/am"
	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/collection"
	"github.com/teranos/cascade/db"
	"github.com/teranos/cascade/diff"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/idempotency"
	"github.com/teranos/cascade/internal/httpclient"
	cascadetest "github.com/teranos/cascade/internal/testing"
	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/providers/cdn"
)

type fakeTranslator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, source+"->"+target+":"+text)
	if f.err != nil {
		return "", f.err
	}
	return "[" + target + "] " + text, nil
}

func (f *fakeTranslator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTranslator) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return []float32{0.25, 0.5, float32(len(text))}, nil
}

func (f *fakeEmbedder) ModelName() string { return "fake-embed" }

func (f *fakeEmbedder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakePurger struct {
	mu     sync.Mutex
	calls  int
	urls   []string
	status int // non-zero makes every call fail with this HTTP status
}

func (f *fakePurger) Purge(ctx context.Context, urls []string) ([]cdn.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.urls = append(f.urls, urls...)
	if f.status != 0 {
		return nil, errors.WithStack(&httpclient.StatusError{Method: "POST", URL: "cdn/purge", StatusCode: f.status, Body: "edge down"})
	}
	results := make([]cdn.Result, len(urls))
	for i, u := range urls {
		results[i] = cdn.Result{URL: u, Status: cdn.StatusPurged}
	}
	return results, nil
}

func (f *fakePurger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakePurger) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = 0
}

// lockedLedgerStore fails the next n writes to the job run ledger
type lockedLedgerStore struct {
	collection.Store
	mu sync.Mutex
	n  int
}

func (s *lockedLedgerStore) Patch(ctx context.Context, coll string, f collection.Filter, partial collection.Row) (int64, error) {
	s.mu.Lock()
	fail := coll == ledger.Collection && s.n > 0
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return 0, errors.New("database is locked")
	}
	return s.Store.Patch(ctx, coll, f, partial)
}

// stalledStore never answers reads of the posts collection
type stalledStore struct {
	collection.Store
}

func (s stalledStore) Select(ctx context.Context, coll string, f collection.Filter) ([]collection.Row, error) {
	if coll == "posts" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.Store.Select(ctx, coll, f)
}

type harness struct {
	store      collection.Store
	ledger     *ledger.Ledger
	registry   *idempotency.Registry
	orch       *Orchestrator
	translator *fakeTranslator
	embedder   *fakeEmbedder
	purger     *fakePurger
}

func testConfig() Config {
	return Config{
		Entities: map[string]am.EntityConfig{
			"post":    {Collection: "posts", Fields: []string{"title", "body"}},
			"article": {Collection: "articles", Fields: []string{"title", "summary", "body"}},
		},
		SourceLang:        "en",
		DiffStrategy:      diff.ContentHash,
		BatchSize:         10,
		Concurrency:       2,
		MaxRetries:        2,
		ProviderTimeout:   time.Second,
		PurgeURLTemplates: []string{"https://site.example/{lang}/{entity_type}/{entity_id}"},
	}
}

// newHarness wires an orchestrator over a migrated in-memory database.
// configure may drop providers from deps or change the config.
func newHarness(t *testing.T, configure func(cfg *Config, deps *Deps)) *harness {
	t.Helper()
	store := collection.NewSQLStore(cascadetest.CreateTestDB(t), db.SQLite)
	h := &harness{
		store:      store,
		ledger:     ledger.New(store),
		registry:   idempotency.NewRegistry(store, time.Minute),
		translator: &fakeTranslator{},
		embedder:   &fakeEmbedder{},
		purger:     &fakePurger{},
	}
	cfg := testConfig()
	deps := Deps{
		Store:      store,
		Ledger:     h.ledger,
		Registry:   h.registry,
		Translator: h.translator,
		Embedder:   h.embedder,
		Purger:     h.purger,
	}
	if configure != nil {
		configure(&cfg, &deps)
	}
	h.orch = New(cfg, deps)
	return h
}

func (h *harness) seedPost(t *testing.T, id, title, body string) {
	t.Helper()
	require.NoError(t, h.store.Bulk(context.Background(), "posts",
		collection.BulkOptions{OnConflict: []string{"tenant_id", "id"}},
		[]collection.Row{{
			"tenant_id":  "t1",
			"id":         id,
			"title":      title,
			"body":       body,
			"updated_at": time.Now(),
		}}))
}

func postTrigger(id string, opts Options) Trigger {
	return Trigger{TenantID: "t1", EntityType: "post", EntityID: id, TriggerSource: "webhook", Options: opts}
}

type stepView struct {
	Name   string
	Status ledger.StepStatus
}

func stepViews(steps []ledger.Step) []stepView {
	out := make([]stepView, len(steps))
	for i, s := range steps {
		out[i] = stepView{s.Name, s.Status}
	}
	return out
}

func assertSteps(t *testing.T, want []stepView, steps []ledger.Step) {
	t.Helper()
	if d := cmp.Diff(want, stepViews(steps)); d != "" {
		t.Errorf("steps mismatch (-want +got):\n%s", d)
	}
}

func TestRun_CDNFailureIsPartialError(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		deps.Embedder = nil
	})
	h.purger.status = http.StatusInternalServerError
	h.seedPost(t, "p1", "Hello", "World")

	resp, err := h.orch.Run(context.Background(), postTrigger("p1", Options{TargetLangs: []string{"en"}}))
	require.NoError(t, err)

	assert.True(t, resp.OK)
	assert.Equal(t, string(ledger.StatusPartialError), resp.PipelineStatus)
	require.Len(t, resp.Steps, 3)
	assertSteps(t, []stepView{
		{StageTranslate, ledger.StepSucceeded},
		{StagePublicSync, ledger.StepSucceeded},
		{StageCachePurge, ledger.StepFailed},
	}, resp.Steps)
	assert.Equal(t, string(batch.ErrorCodeProvider), resp.Steps[2].ErrorCode)
	assert.Equal(t, 3, h.purger.count(), "first attempt plus two retries")

	run, err := h.ledger.Get(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPartialError, run.Status)
	assert.Equal(t, string(batch.ErrorCodeProvider), run.ErrorCode)
	assert.True(t, strings.HasPrefix(run.ErrorMessage, "cache_purge: "))
	assertSteps(t, stepViews(resp.Steps), run.Metadata.Steps)
	assert.Equal(t, string(ledger.StatusPartialError), run.Metadata.PipelineStatus)
	require.NotNil(t, run.FinishedAt)
}

func TestRun_ReplayMakesNoProviderCalls(t *testing.T) {
	h := newHarness(t, nil)
	h.seedPost(t, "p1", "Hello", "World")
	ctx := context.Background()
	trigger := postTrigger("p1", Options{TargetLangs: []string{"de", "fr"}})

	first, err := h.orch.Run(ctx, trigger)
	require.NoError(t, err)
	require.Equal(t, string(ledger.StatusSucceeded), first.PipelineStatus)
	assert.Equal(t, 4, h.translator.count(), "two fields in two languages")
	assert.Equal(t, 3, h.embedder.count(), "source plus two translations")
	assert.Equal(t, 3, h.purger.count(), "one purge per published language")

	h.translator.reset()
	second, err := h.orch.Run(ctx, trigger)
	require.NoError(t, err)

	assert.Equal(t, string(ledger.StatusSucceeded), second.PipelineStatus)
	assert.NotEqual(t, first.JobID, second.JobID)
	assert.Zero(t, h.translator.count())
	assert.Equal(t, 3, h.embedder.count())
	assert.Equal(t, 3, h.purger.count())
	for _, s := range second.Steps {
		assert.Equal(t, ledger.StepSucceeded, s.Status, s.Name)
		assert.Zero(t, s.ItemsProcessed, s.Name)
		assert.Positive(t, s.ItemsSkipped, s.Name)
	}

	run, err := h.ledger.Get(ctx, second.JobID)
	require.NoError(t, err)
	assert.Equal(t, 1, run.RetryCount)
	assert.True(t, strings.HasSuffix(run.IdempotencyKey, "#retry-1"), run.IdempotencyKey)
}

func TestRun_SkipFlags(t *testing.T) {
	h := newHarness(t, nil)
	h.seedPost(t, "p2", "Fresh", "Record")

	resp, err := h.orch.Run(context.Background(), postTrigger("p2", Options{
		TargetLangs:    []string{"de"},
		SkipEmbedding:  true,
		SkipCachePurge: true,
	}))
	require.NoError(t, err)

	assert.Equal(t, string(ledger.StatusSucceeded), resp.PipelineStatus)
	assertSteps(t, []stepView{
		{StageTranslate, ledger.StepSucceeded},
		{StagePublicSync, ledger.StepSucceeded},
		{StageCachePurge, ledger.StepSkipped},
		{StageEmbedding, ledger.StepSkipped},
	}, resp.Steps)
	for _, s := range resp.Steps[2:] {
		assert.Zero(t, s.DurationMS)
		assert.Equal(t, "skipped by request", s.ErrorMessage)
	}
	assert.Zero(t, h.purger.count())
	assert.Zero(t, h.embedder.count())
}

func TestRun_TranslateFailureGatesDownstream(t *testing.T) {
	h := newHarness(t, nil)
	h.translator.err = batch.Permanent(errors.New("model refused"))
	h.seedPost(t, "p3", "Hello", "World")

	resp, err := h.orch.Run(context.Background(), postTrigger("p3", Options{TargetLangs: []string{"de"}}))
	require.NoError(t, err)

	assert.False(t, resp.OK)
	assert.Equal(t, string(ledger.StatusFailed), resp.PipelineStatus)
	assertSteps(t, []stepView{
		{StageTranslate, ledger.StepFailed},
		{StagePublicSync, ledger.StepSkipped},
		{StageCachePurge, ledger.StepSkipped},
		{StageEmbedding, ledger.StepSkipped},
	}, resp.Steps)
	assert.Equal(t, 2, resp.Steps[0].ItemsFailed)
	assert.Equal(t, 2, h.translator.count(), "permanent errors are not retried")
	assert.Contains(t, resp.Steps[1].ErrorMessage, "translate did not succeed")
	assert.Zero(t, h.purger.count())
	assert.Zero(t, h.embedder.count())

	rec, err := h.registry.Lookup(context.Background(), JobName("posts"),
		idempotency.BuildKey(idempotency.KeyParts{
			TenantID: "t1", Operation: OpTranslate, Table: "posts", RecordID: "p3",
			Field: "title", Variant: "en->de", Fingerprint: diff.Fingerprint("Hello"),
		}))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
}

func TestRun_RerunResumesOnlyFailedStages(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		deps.Embedder = nil
		cfg.MaxRetries = 0
	})
	h.purger.status = http.StatusBadGateway
	h.seedPost(t, "p4", "Hello", "World")
	ctx := context.Background()
	trigger := postTrigger("p4", Options{TargetLangs: []string{"de"}})

	first, err := h.orch.Run(ctx, trigger)
	require.NoError(t, err)
	require.Equal(t, string(ledger.StatusPartialError), first.PipelineStatus)
	require.Equal(t, 2, h.translator.count())

	h.purger.heal()
	second, err := h.orch.Run(ctx, trigger)
	require.NoError(t, err)

	assert.Equal(t, string(ledger.StatusSucceeded), second.PipelineStatus)
	assert.Equal(t, 2, h.translator.count(), "translations are not repeated")
	assert.Equal(t, 2, second.Steps[0].ItemsSkipped)
	assert.Equal(t, 1, second.Steps[1].ItemsSkipped)
	assert.Equal(t, 2, second.Steps[2].ItemsProcessed, "both languages purged on the rerun")
}

func TestRun_ContentChangeRetranslatesChangedField(t *testing.T) {
	h := newHarness(t, nil)
	h.seedPost(t, "p5", "Hello", "World")
	ctx := context.Background()
	trigger := postTrigger("p5", Options{TargetLangs: []string{"de"}})

	first, err := h.orch.Run(ctx, trigger)
	require.NoError(t, err)
	require.Equal(t, string(ledger.StatusSucceeded), first.PipelineStatus)

	h.translator.reset()
	h.seedPost(t, "p5", "Hello", "World, edited")
	second, err := h.orch.Run(ctx, trigger)
	require.NoError(t, err)

	assert.Equal(t, string(ledger.StatusSucceeded), second.PipelineStatus)
	assert.Equal(t, []string{"en->de:World, edited"}, h.translator.calls)

	run, err := h.ledger.Get(ctx, second.JobID)
	require.NoError(t, err)
	assert.Zero(t, run.RetryCount, "a new content version gets a fresh run key")

	rows, err := h.store.Select(ctx, TranslationsCollection, collection.Eq("source_id", "p5").Eq("field", "body"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "[de] World, edited", rows[0].String("text"))
}

func TestRun_ForceRefreshRedoesWork(t *testing.T) {
	h := newHarness(t, nil)
	h.seedPost(t, "p6", "Hello", "World")
	ctx := context.Background()

	_, err := h.orch.Run(ctx, postTrigger("p6", Options{TargetLangs: []string{"de"}}))
	require.NoError(t, err)
	h.translator.reset()

	resp, err := h.orch.Run(ctx, postTrigger("p6", Options{TargetLangs: []string{"de"}, ForceRefresh: true}))
	require.NoError(t, err)
	assert.Equal(t, string(ledger.StatusSucceeded), resp.PipelineStatus)
	assert.Equal(t, 2, h.translator.count())
	assert.Equal(t, 4, h.embedder.count())

	run, err := h.ledger.Get(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Zero(t, run.RetryCount)
	assert.Contains(t, run.IdempotencyKey, resp.RequestID)
}

func TestRun_ContentErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.seedPost(t, "blank", "  ", "")
	ctx := context.Background()

	for _, id := range []string{"missing", "blank"} {
		t.Run(id, func(t *testing.T) {
			resp, err := h.orch.Run(ctx, postTrigger(id, Options{}))
			require.NoError(t, err)

			assert.False(t, resp.OK)
			assert.Equal(t, string(batch.ErrorCodeContent), resp.ErrorCode)
			assert.Equal(t, string(ledger.StatusFailed), resp.PipelineStatus)
			assert.Empty(t, resp.Steps)

			run, err := h.ledger.Get(ctx, resp.JobID)
			require.NoError(t, err)
			assert.Equal(t, ledger.StatusFailed, run.Status)
			assert.Equal(t, string(batch.ErrorCodeContent), run.ErrorCode)
			require.NotNil(t, run.FinishedAt)
		})
	}
	assert.Zero(t, h.translator.count())
}

func TestRun_ContentErrorReplayReturnsRecordedRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	trigger := postTrigger("missing", Options{})
	trigger.RequestID = "req-1"

	first, err := h.orch.Run(ctx, trigger)
	require.NoError(t, err)
	second, err := h.orch.Run(ctx, trigger)
	require.NoError(t, err)

	assert.Equal(t, first.JobID, second.JobID)
	assert.False(t, second.OK)
	assert.Equal(t, string(batch.ErrorCodeContent), second.ErrorCode)
	assert.Equal(t, first.ErrorMessage, second.ErrorMessage)
	assert.Equal(t, string(ledger.StatusFailed), second.PipelineStatus)

	runs, err := h.ledger.List(ctx, ledger.ListFilter{JobName: JobName("posts")})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRun_LoadFailureIsRecorded(t *testing.T) {
	t.Run("database", func(t *testing.T) {
		conn, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer conn.Close()
		mock.ExpectQuery("SELECT \\* FROM \"posts\"").
			WillReturnError(errors.New("database disk image is malformed"))

		h := newHarness(t, func(cfg *Config, deps *Deps) {
			deps.Store = collection.NewSQLStore(conn, db.SQLite)
		})
		ctx := context.Background()
		trigger := postTrigger("p1", Options{})
		trigger.RequestID = "req-db"

		resp, err := h.orch.Run(ctx, trigger)
		require.Error(t, err)
		assert.Nil(t, resp)
		assert.Contains(t, err.Error(), "malformed")
		require.NoError(t, mock.ExpectationsWereMet())

		runs, err := h.ledger.List(ctx, ledger.ListFilter{JobName: JobName("posts")})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, ledger.StatusFailed, runs[0].Status)
		assert.Equal(t, string(batch.ErrorCodeDatabase), runs[0].ErrorCode)
		assert.Equal(t, "req-db", runs[0].Metadata.RequestID)
		assert.NotNil(t, runs[0].FinishedAt)
	})

	t.Run("timeout", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config, deps *Deps) {
			cfg.StoreTimeout = 20 * time.Millisecond
			deps.Store = stalledStore{Store: deps.Store}
		})
		ctx := context.Background()

		_, err := h.orch.Run(ctx, postTrigger("p1", Options{}))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrTimeout) || errors.Is(err, context.DeadlineExceeded))

		runs, err := h.ledger.List(ctx, ledger.ListFilter{JobName: JobName("posts")})
		require.NoError(t, err)
		require.Len(t, runs, 1)
		assert.Equal(t, ledger.StatusFailed, runs[0].Status)
		assert.Equal(t, string(batch.ErrorCodeTimeout), runs[0].ErrorCode)
	})
}

func TestRun_StartFailureLeavesNoPendingRun(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		deps.Ledger = ledger.New(&lockedLedgerStore{Store: deps.Store, n: 1})
	})
	h.seedPost(t, "p1", "Hello", "World")
	ctx := context.Background()

	_, err := h.orch.Run(ctx, postTrigger("p1", Options{TargetLangs: []string{"de"}}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	runs, err := h.ledger.List(ctx, ledger.ListFilter{JobName: JobName("posts")})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	failed := runs[0]
	assert.Equal(t, ledger.StatusFailed, failed.Status)
	assert.Equal(t, string(batch.ErrorCodeDatabase), failed.ErrorCode)
	assert.Zero(t, h.translator.count())

	resp, err := h.orch.Run(ctx, postTrigger("p1", Options{TargetLangs: []string{"de"}}))
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.False(t, resp.Duplicate)
	assert.NotEqual(t, failed.ID, resp.JobID)
	assert.Equal(t, 2, h.translator.count())
}

func TestRun_InvalidTrigger(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.Run(context.Background(), Trigger{TenantID: "t1", EntityType: "recipe", EntityID: "r1"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))

	_, err = h.orch.Run(context.Background(), Trigger{EntityType: "post", EntityID: "p1"})
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
}

func TestRun_DuplicateWhileRunning(t *testing.T) {
	h := newHarness(t, nil)
	h.seedPost(t, "p7", "Hello", "World")
	ctx := context.Background()

	live, err := h.ledger.Create(ctx, ledger.NewRun{
		JobName: JobName("posts"),
		IdempotencyKey: idempotency.BuildKey(idempotency.KeyParts{
			TenantID: "t1", Operation: OpPipeline, Table: "posts", RecordID: "p7",
			Field: "content", Fingerprint: diff.Fingerprint("Hello", "World"),
		}),
	})
	require.NoError(t, err)
	_, err = h.ledger.Start(ctx, live.ID, ledger.Metadata{})
	require.NoError(t, err)

	resp, err := h.orch.Run(ctx, postTrigger("p7", Options{}))
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, StatusInProgress, resp.PipelineStatus)
	assert.Equal(t, live.ID, resp.JobID)
	assert.Zero(t, h.translator.count())
}

func TestRun_ConcurrentTriggersNeverRepeatWork(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		deps.Embedder = nil
		deps.Purger = nil
	})
	h.seedPost(t, "p8", "Hello", "World")

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.Run(context.Background(), postTrigger("p8", Options{TargetLangs: []string{"de"}}))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, h.translator.count(), "each field translated exactly once")
}

func TestRun_UpdatedAtStrategy(t *testing.T) {
	h := newHarness(t, func(cfg *Config, deps *Deps) {
		cfg.DiffStrategy = diff.UpdatedAt
	})
	h.seedPost(t, "p9", "Hello", "World")
	ctx := context.Background()

	_, err := h.orch.Run(ctx, postTrigger("p9", Options{TargetLangs: []string{"de"}}))
	require.NoError(t, err)
	assert.Equal(t, 2, h.translator.count())

	runs, err := h.ledger.List(ctx, ledger.ListFilter{JobName: JobName("posts")})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, string(diff.UpdatedAt), runs[0].Metadata.DiffStrategy)

	h.translator.reset()
	_, err = h.orch.Run(ctx, postTrigger("p9", Options{TargetLangs: []string{"de"}}))
	require.NoError(t, err)
	assert.Zero(t, h.translator.count(), "record untouched since the translations were written")
}

func TestDeriveStatus(t *testing.T) {
	step := func(s ledger.StepStatus) ledger.Step { return ledger.Step{Status: s} }
	tests := []struct {
		name  string
		steps []ledger.Step
		want  ledger.Status
	}{
		{"all succeeded", []ledger.Step{step(ledger.StepSucceeded), step(ledger.StepSucceeded)}, ledger.StatusSucceeded},
		{"one of each", []ledger.Step{step(ledger.StepSucceeded), step(ledger.StepFailed)}, ledger.StatusPartialError},
		{"all attempted failed", []ledger.Step{step(ledger.StepFailed), step(ledger.StepSkipped)}, ledger.StatusFailed},
		{"skips do not count", []ledger.Step{step(ledger.StepSucceeded), step(ledger.StepSkipped), step(ledger.StepSkipped)}, ledger.StatusSucceeded},
		{"nothing attempted", []ledger.Step{step(ledger.StepSkipped)}, ledger.StatusSucceeded},
		{"no steps", nil, ledger.StatusSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.steps))
		})
	}
}
