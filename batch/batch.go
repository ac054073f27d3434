package batch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/teranos/cascade/errors"
)

// Chunk splits items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var chunks [][]T
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// InBatches runs worker on each chunk in order and concatenates the
// results. The first worker error stops the run.
func InBatches[T, R any](ctx context.Context, items []T, batchSize int, worker func(ctx context.Context, chunk []T) ([]R, error)) ([]R, error) {
	var out []R
	for i, chunk := range Chunk(items, batchSize) {
		if err := ctx.Err(); err != nil {
			return out, errors.Wrapf(err, "stopped before batch %d", i)
		}
		results, err := worker(ctx, chunk)
		if err != nil {
			return out, errors.Wrapf(err, "batch %d", i)
		}
		out = append(out, results...)
	}
	return out, nil
}

// InParallelBatches runs worker on chunks with at most concurrency chunks
// in flight and returns results in input order. concurrency <= 0 means 1.
func InParallelBatches[T, R any](ctx context.Context, items []T, batchSize, concurrency int, worker func(ctx context.Context, chunk []T) ([]R, error)) ([]R, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	chunks := Chunk(items, batchSize)
	results := make([][]R, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, chunk := range chunks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := worker(gctx, chunk)
			if err != nil {
				return errors.Wrapf(err, "batch %d", i)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []R
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}
