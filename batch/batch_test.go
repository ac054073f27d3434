package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/internal/httpclient"
)

func recordSleeps(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestWithRetry_ExponentialBackoff(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, Sleep: recordSleeps(&delays)}

	calls := 0
	got, err := WithRetry(context.Background(), policy, func(_ context.Context, attempt int) (string, error) {
		calls++
		if attempt < 4 {
			return "", errors.New("connection reset")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}, delays)
}

func TestWithRetry_Exhausted(t *testing.T) {
	var delays []time.Duration
	policy := RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, Sleep: recordSleeps(&delays)}

	boom := errors.New("upstream 503")
	_, err := WithRetry(context.Background(), policy, func(context.Context, int) (int, error) {
		return 0, boom
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Contains(t, err.Error(), "failed after 3 attempt(s)")
	assert.Len(t, delays, 2)
}

func TestWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), RetryPolicy{MaxRetries: 5, Sleep: recordSleeps(new([]time.Duration))},
		func(context.Context, int) (int, error) {
			calls++
			return 0, Permanent(errors.New("HTTP 400"))
		})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Contains(t, err.Error(), "failed after 1 attempt(s)")
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour}

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := WithRetry(ctx, policy, func(context.Context, int) (int, error) {
			calls++
			return 0, errors.New("connection refused")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retry abandoned")
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("WithRetry did not honour cancellation")
	}
}

func TestChunk(t *testing.T) {
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, Chunk([]int{1, 2, 3, 4, 5}, 2))
	assert.Equal(t, [][]int{{1, 2, 3}}, Chunk([]int{1, 2, 3}, 0))
	assert.Nil(t, Chunk([]int{}, 3))
}

func TestInBatches(t *testing.T) {
	var sizes []int
	out, err := InBatches(context.Background(), []int{1, 2, 3, 4, 5}, 2, func(_ context.Context, chunk []int) ([]string, error) {
		sizes = append(sizes, len(chunk))
		var r []string
		for _, v := range chunk {
			r = append(r, fmt.Sprint(v*10))
		}
		return r, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "20", "30", "40", "50"}, out)
	assert.Equal(t, []int{2, 2, 1}, sizes)

	_, err = InBatches(context.Background(), []int{1, 2, 3}, 1, func(_ context.Context, chunk []int) ([]int, error) {
		if chunk[0] == 2 {
			return nil, errors.New("bad chunk")
		}
		return chunk, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch 1")
}

func TestInParallelBatches_BoundedAndOrdered(t *testing.T) {
	items := make([]int, 40)
	for i := range items {
		items[i] = i
	}

	var inFlight, peak atomic.Int32
	out, err := InParallelBatches(context.Background(), items, 3, 4, func(_ context.Context, chunk []int) ([]int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return chunk, nil
	})
	require.NoError(t, err)
	assert.Equal(t, items, out)
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Greater(t, peak.Load(), int32(1))
}

func TestInParallelBatches_ZeroConcurrencyIsSerial(t *testing.T) {
	var inFlight, peak atomic.Int32
	_, err := InParallelBatches(context.Background(), []int{1, 2, 3, 4}, 1, 0, func(_ context.Context, chunk []int) ([]int, error) {
		n := inFlight.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return chunk, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestProcessWithPartialFailure(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	res := ProcessWithPartialFailure(context.Background(), items, Options[int]{BatchSize: 3, Concurrency: 2},
		func(_ context.Context, item int) (Outcome, error) {
			switch item {
			case 2, 7:
				return Processed, fmt.Errorf("item %d rejected", item)
			case 5:
				panic("worker exploded")
			case 1, 8:
				return Skipped, nil
			}
			return Processed, nil
		})

	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 5, res.Processed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, res.Total, res.Processed+res.Skipped+res.Failed)

	require.Len(t, res.Errors, 3)
	assert.Equal(t, 2, res.Errors[0].Index)
	assert.Equal(t, 5, res.Errors[1].Index)
	assert.Contains(t, res.Errors[1].Message, "panic: worker exploded")
	assert.Equal(t, 7, res.Errors[2].Index)
}

func TestProcessWithPartialFailure_Describe(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	res := ProcessWithPartialFailure(context.Background(), []string{"de", "fr"},
		Options[string]{Describe: func(s string) string { return "lang=" + s }},
		func(_ context.Context, lang string) (Outcome, error) {
			mu.Lock()
			seen[lang] = true
			mu.Unlock()
			if lang == "fr" {
				return Processed, errors.New("quota")
			}
			return Processed, nil
		})
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "lang=fr", res.Errors[0].Item)
	assert.Len(t, seen, 2)
}

func TestProcessWithPartialFailure_BoundedFanOut(t *testing.T) {
	items := make([]int, 12)
	var inFlight, peak atomic.Int32
	res := ProcessWithPartialFailure(context.Background(), items, Options[int]{BatchSize: 6, Concurrency: 3},
		func(_ context.Context, _ int) (Outcome, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return Processed, nil
		})
	assert.Equal(t, 12, res.Processed)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestProcessWithPartialFailure_CancelledCountsEveryItem(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	res := ProcessWithPartialFailure(ctx, []int{0, 1, 2, 3, 4, 5}, Options[int]{BatchSize: 2, Concurrency: 1},
		func(_ context.Context, item int) (Outcome, error) {
			calls.Add(1)
			if item == 1 {
				cancel()
			}
			return Processed, nil
		})

	assert.Equal(t, 6, res.Total)
	assert.Equal(t, res.Total, res.Processed+res.Skipped+res.Failed)
	assert.Equal(t, int(calls.Load()), res.Processed)
	assert.Positive(t, res.Failed)
	for _, e := range res.Errors {
		assert.Contains(t, e.Message, "context canceled")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"content", errors.Wrap(errors.ErrContent, "record has no text"), ErrorCodeContent, false},
		{"not found", errors.NewNotFoundError("article 9"), ErrorCodeNotFound, false},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "translate"), ErrorCodeTimeout, true},
		{"store timeout", errors.Mark(errors.New("slow"), errors.ErrTimeout), ErrorCodeTimeout, true},
		{"cancelled", context.Canceled, ErrorCodeTimeout, false},
		{"http 500", &httpclient.StatusError{StatusCode: 500}, ErrorCodeProvider, true},
		{"http 400", &httpclient.StatusError{StatusCode: 400}, ErrorCodeProvider, false},
		{"http 429", errors.WithStack(&httpclient.StatusError{StatusCode: 429}), ErrorCodeRateLimit, true},
		{"unavailable", errors.Wrap(errors.ErrServiceUnavailable, "store"), ErrorCodeNetwork, true},
		{"refused", errors.New("dial tcp: connection refused"), ErrorCodeNetwork, true},
		{"database", errors.New("database is locked"), ErrorCodeDatabase, true},
		{"permanent unknown", Permanent(errors.New("weird")), ErrorCodeUnknown, false},
		{"unknown", errors.New("weird"), ErrorCodeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec := Classify("translate", tt.err)
			assert.Equal(t, tt.code, ec.Code)
			assert.Equal(t, tt.retryable, ec.Retryable)
			assert.Equal(t, "translate", ec.Stage)
		})
	}
}
