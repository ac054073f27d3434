// Package throttle bounds how often the same record can be triggered. It
// keeps one sliding window per key and evicts keys that stayed idle for
// longer than the configured TTL, so the map does not grow with every
// record ever seen.
package throttle

import (
	"fmt"
	"time"

	"github.com/teranos/cascade/errors"
)

// window is a sliding window of call timestamps for one key.
// Callers hold the Throttle lock.
type window struct {
	calls    []time.Time
	lastSeen time.Time
}

// removeExpired drops timestamps outside the window; timestamps are ordered
func (w *window) removeExpired(now time.Time, size time.Duration) {
	cutoff := now.Add(-size)
	expired := 0
	for _, t := range w.calls {
		if !t.After(cutoff) {
			expired++
		} else {
			break
		}
	}
	w.calls = w.calls[expired:]
}

func (w *window) allow(now time.Time, max int, size time.Duration) error {
	w.removeExpired(now, size)
	w.lastSeen = now

	if len(w.calls) >= max {
		retryAfter := w.calls[0].Add(size).Sub(now)
		err := errors.Mark(errors.Newf("rate limit exceeded: %d calls per %s (limit: %d)",
			len(w.calls), size, max), errors.ErrRateLimited)
		err = errors.WithDetail(err, fmt.Sprintf("Current calls in window: %d", len(w.calls)))
		err = errors.WithDetail(err, fmt.Sprintf("Retry after: %s", retryAfter))
		return &LimitError{err: err, RetryAfter: retryAfter}
	}

	w.calls = append(w.calls, now)
	return nil
}

// LimitError is returned by Allow when a key is over its limit
type LimitError struct {
	err        error
	RetryAfter time.Duration
}

func (e *LimitError) Error() string { return e.err.Error() }
func (e *LimitError) Unwrap() error { return e.err }

// RetryAfter extracts how long a rejected caller should wait, if err is a LimitError
func RetryAfter(err error) (time.Duration, bool) {
	var le *LimitError
	if errors.As(err, &le) {
		return le.RetryAfter, true
	}
	return 0, false
}
