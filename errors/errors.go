// Package errors provides error handling for cascade.
//
// It re-exports github.com/cockroachdb/errors so every package gets stack
// traces, wrapping, hints and details from a single import:
//
//	if err := store.Insert(ctx, "job_runs", row); err != nil {
//	    return errors.Wrap(err, "failed to create job run")
//	}
//
// Sentinels below classify failures across package boundaries. Wrap them to
// add context; check them with errors.Is.
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint       = crdb.WithHint
	WithHintf      = crdb.WithHintf
	WithDetail     = crdb.WithDetail
	WithDetailf    = crdb.WithDetailf
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
)

// Sentinel errors shared by the store, registry, ledger and pipeline.
var (
	// ErrNotFound indicates the requested row or record does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates a uniqueness violation on insert
	ErrConflict = New("resource conflict")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrUnauthorized indicates the caller presented no valid credentials
	ErrUnauthorized = New("unauthorized")

	// ErrForbidden indicates the caller is not permitted for the tenant
	ErrForbidden = New("forbidden")

	// ErrTimeout indicates an operation exceeded its deadline
	ErrTimeout = New("operation timed out")

	// ErrServiceUnavailable indicates a provider or store is not reachable
	ErrServiceUnavailable = New("service unavailable")

	// ErrRateLimited indicates a caller or provider exceeded its rate
	ErrRateLimited = New("rate limited")

	// ErrContent indicates the source record cannot be processed as-is
	// (missing, empty, malformed). Retrying will not help.
	ErrContent = New("content error")
)

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict reports whether err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, fmt.Sprintf(format, args...))
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, fmt.Sprintf(format, args...))
}
