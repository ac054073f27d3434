package collection

import (
	"context"
	"time"

	"github.com/teranos/cascade/errors"
)

// timeoutStore bounds every call to the wrapped store.
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout wraps store so every call runs under its own deadline.
// Deadline overruns surface as errors.ErrTimeout.
func WithTimeout(store Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return store
	}
	return &timeoutStore{next: store, timeout: timeout}
}

func (t *timeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}

func (t *timeoutStore) mark(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, errors.ErrTimeout) {
		return errors.Mark(errors.Wrapf(err, "store call exceeded %s", t.timeout), errors.ErrTimeout)
	}
	return err
}

func (t *timeoutStore) Select(ctx context.Context, collection string, f Filter) ([]Row, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	rows, err := t.next.Select(ctx, collection, f)
	return rows, t.mark(ctx, err)
}

func (t *timeoutStore) Insert(ctx context.Context, collection string, row Row) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.mark(ctx, t.next.Insert(ctx, collection, row))
}

func (t *timeoutStore) Patch(ctx context.Context, collection string, f Filter, partial Row) (int64, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	n, err := t.next.Patch(ctx, collection, f, partial)
	return n, t.mark(ctx, err)
}

func (t *timeoutStore) Bulk(ctx context.Context, collection string, opts BulkOptions, rows []Row) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.mark(ctx, t.next.Bulk(ctx, collection, opts, rows))
}
