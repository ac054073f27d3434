package server

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/pulse/throttle"
)

// Error codes carried in ErrorResponse
const (
	CodeInvalidRequest = "invalid_request"
	CodeUnauthorized   = "unauthorized"
	CodeForbidden      = "forbidden"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeRateLimited    = "rate_limited"
	CodeTimeout        = "timeout"
	CodeUnavailable    = "service_unavailable"
	CodeInternal       = "internal_error"
)

// classify maps an error onto an HTTP status and error code
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, errors.ErrInvalidRequest):
		return http.StatusBadRequest, CodeInvalidRequest
	case errors.Is(err, errors.ErrUnauthorized):
		return http.StatusUnauthorized, CodeUnauthorized
	case errors.Is(err, errors.ErrForbidden):
		return http.StatusForbidden, CodeForbidden
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, errors.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, errors.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited
	case errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout, CodeTimeout
	case errors.Is(err, errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeWrappedError classifies err, logs it and writes the error body.
// Server errors are logged at error level with the full chain; client
// errors at debug.
func writeWrappedError(w http.ResponseWriter, log *zap.SugaredLogger, err error, message string) {
	status, code := classify(err)
	if d, ok := throttle.RetryAfter(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
	}

	if status >= http.StatusInternalServerError {
		log.Errorw(message,
			"status", status,
			"error", err.Error(),
			"details", errors.FlattenDetails(err))
		// Internal errors are not echoed to the caller
		err = errors.New(message)
	} else {
		log.Debugw(message, "status", status, "error", err.Error())
	}

	writeJSON(w, status, ErrorResponse{
		Error:     err.Error(),
		ErrorCode: code,
		RequestID: w.Header().Get(RequestIDHeader),
	})
}

// retryAfterSeconds rounds up to whole seconds, at least one
func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return max(1, secs)
}
