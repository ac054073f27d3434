package batch

import (
	"cmp"
	"context"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/logger"
)

// Outcome is what a per-item worker reports.
type Outcome int

const (
	Processed Outcome = iota
	Skipped
)

// ItemError records one failed item.
type ItemError struct {
	Index   int    `json:"index"`
	Item    string `json:"item,omitempty"`
	Message string `json:"message"`
}

// Result aggregates a partial-failure run.
type Result struct {
	Total     int         `json:"total"`
	Processed int         `json:"processed"`
	Skipped   int         `json:"skipped"`
	Failed    int         `json:"failed"`
	Errors    []ItemError `json:"errors,omitempty"`
}

// Options tune ProcessWithPartialFailure.
type Options[T any] struct {
	BatchSize   int
	Concurrency int
	// Describe labels an item in ItemError; defaults to its index only
	Describe func(T) string
}

// indexed remembers an item's position across chunking
type indexed[T any] struct {
	index int
	item  T
}

// ProcessWithPartialFailure runs worker on every item. Chunks run in
// order through InBatches and the items of a chunk fan out through
// InParallelBatches, at most Concurrency at a time. Errors and panics are
// recorded per item and never stop the remaining items.
func ProcessWithPartialFailure[T any](ctx context.Context, items []T, opts Options[T], worker func(ctx context.Context, item T) (Outcome, error)) Result {
	result := Result{Total: len(items)}
	if len(items) == 0 {
		return result
	}
	concurrency := max(opts.Concurrency, 1)

	var mu sync.Mutex
	done := make([]bool, len(items))
	record := func(index int, item T, outcome Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		done[index] = true
		if err != nil {
			result.Failed++
			ie := ItemError{Index: index, Message: err.Error()}
			if opts.Describe != nil {
				ie.Item = opts.Describe(item)
			}
			result.Errors = append(result.Errors, ie)
			return
		}
		if outcome == Skipped {
			result.Skipped++
			return
		}
		result.Processed++
	}

	work := make([]indexed[T], len(items))
	for i, item := range items {
		work[i] = indexed[T]{index: i, item: item}
	}

	// Workers never return an error, so only cancellation stops the fan-out
	_, err := InBatches(ctx, work, opts.BatchSize, func(ctx context.Context, chunk []indexed[T]) ([]struct{}, error) {
		return InParallelBatches(ctx, chunk, 1, concurrency, func(ctx context.Context, one []indexed[T]) ([]struct{}, error) {
			it := one[0]
			outcome, err := runItem(ctx, it.item, worker)
			record(it.index, it.item, outcome, err)
			return nil, nil
		})
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		for i, item := range items {
			mu.Lock()
			seen := done[i]
			mu.Unlock()
			if !seen {
				record(i, item, Processed, err)
			}
		}
	}

	// Concurrent workers append out of order
	slices.SortFunc(result.Errors, func(a, b ItemError) int { return cmp.Compare(a.Index, b.Index) })
	return result
}

func runItem[T any](ctx context.Context, item T, worker func(ctx context.Context, item T) (Outcome, error)) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("Batch item panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			err = errors.Newf("panic: %v", r)
		}
	}()
	return worker(ctx, item)
}
