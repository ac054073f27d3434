package batch

import (
	"context"
	"net"
	"strings"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/internal/httpclient"
)

// ErrorCode is the classification recorded on failed steps and runs
type ErrorCode string

const (
	ErrorCodeContent    ErrorCode = "content_error"
	ErrorCodeNotFound   ErrorCode = "not_found"
	ErrorCodeNetwork    ErrorCode = "network_error"
	ErrorCodeTimeout    ErrorCode = "timeout"
	ErrorCodeProvider   ErrorCode = "provider_error"
	ErrorCodeRateLimit  ErrorCode = "rate_limited"
	ErrorCodeDatabase   ErrorCode = "database_error"
	ErrorCodeValidation ErrorCode = "validation_error"
	ErrorCodeUnknown    ErrorCode = "unknown"
)

// ErrorContext is structured information about a failure
type ErrorContext struct {
	Stage     string    // Where the error occurred
	Code      ErrorCode // Error classification
	Message   string    // Human-readable message
	Retryable bool      // Worth another attempt with backoff
}

var errPermanent = errors.New("permanent failure")

// Permanent marks err so WithRetry gives up on it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errPermanent)
}

// IsRetryable is the default retry predicate.
func IsRetryable(err error) bool {
	return Classify("", err).Retryable
}

// Classify categorizes err. Typed causes are checked first, the message
// last, so wrapped driver and transport errors still classify.
func Classify(stage string, err error) ErrorContext {
	if err == nil {
		return ErrorContext{Stage: stage, Code: ErrorCodeUnknown, Message: "unknown error"}
	}

	ec := ErrorContext{Stage: stage, Message: err.Error()}
	permanent := errors.Is(err, errPermanent)

	var netErr net.Error
	status, hasStatus := httpclient.AsStatusError(err)
	errLower := strings.ToLower(ec.Message)

	switch {
	case errors.Is(err, errors.ErrContent):
		ec.Code = ErrorCodeContent

	case errors.Is(err, errors.ErrNotFound):
		ec.Code = ErrorCodeNotFound

	case errors.Is(err, errors.ErrInvalidRequest):
		ec.Code = ErrorCodeValidation

	case errors.Is(err, context.Canceled):
		// The caller gave up; nothing to retry
		ec.Code = ErrorCodeTimeout

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errors.ErrTimeout):
		ec.Code = ErrorCodeTimeout
		ec.Retryable = true

	case errors.Is(err, errors.ErrRateLimited) || (hasStatus && status.StatusCode == 429):
		ec.Code = ErrorCodeRateLimit
		ec.Retryable = true

	case hasStatus:
		ec.Code = ErrorCodeProvider
		ec.Retryable = status.Retryable()

	case errors.Is(err, errors.ErrServiceUnavailable):
		ec.Code = ErrorCodeNetwork
		ec.Retryable = true

	case errors.As(err, &netErr):
		ec.Code = ErrorCodeNetwork
		ec.Retryable = true

	case strings.Contains(errLower, "connection refused") || strings.Contains(errLower, "connection reset") ||
		strings.Contains(errLower, "no such host") || strings.Contains(errLower, "eof"):
		ec.Code = ErrorCodeNetwork
		ec.Retryable = true

	case strings.Contains(errLower, "timed out") || strings.Contains(errLower, "deadline exceeded"):
		ec.Code = ErrorCodeTimeout
		ec.Retryable = true

	case strings.Contains(errLower, "database") || strings.Contains(errLower, "sql"):
		ec.Code = ErrorCodeDatabase
		ec.Retryable = true

	default:
		ec.Code = ErrorCodeUnknown
		ec.Retryable = true
	}

	if permanent {
		ec.Retryable = false
	}
	return ec
}
