package logger

import (
	"context"

	"go.uber.org/zap"
)

// Standard field names for structured logging. Every pipeline transition
// carries request_id, job_name and job_id so the log sink can join them.
const (
	// Identity and correlation
	FieldRequestID = "request_id"
	FieldJobName   = "job_name"
	FieldJobID     = "job_id"
	FieldTenantID  = "tenant_id"
	FieldEntity    = "entity"
	FieldKey       = "idempotency_key"

	// Components
	FieldComponent = "component"
	FieldProvider  = "provider"

	// Pipeline
	FieldStage    = "stage"
	FieldStatus   = "status"
	FieldOutcome  = "outcome"
	FieldStrategy = "diff_strategy"
	FieldAttempt  = "attempt"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError     = "error"
	FieldErrorCode = "error_code"

	// Counts
	FieldCount     = "count"
	FieldProcessed = "items_processed"
	FieldSkipped   = "items_skipped"
	FieldFailed    = "items_failed"
	FieldBatchSize = "batch_size"

	// Network
	FieldAddress = "address"
	FieldURL     = "url"
)

// Context keys for propagating logging context
type contextKey string

const (
	requestIDKey contextKey = "logger_request_id"
	jobNameKey   contextKey = "logger_job_name"
	jobIDKey     contextKey = "logger_job_id"
	componentKey contextKey = "logger_component"
)

// WithRequestID adds a request ID to the context for logging
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithJobName adds a job name to the context for logging
func WithJobName(ctx context.Context, jobName string) context.Context {
	return context.WithValue(ctx, jobNameKey, jobName)
}

// WithJobID adds a job run ID to the context for logging
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// WithComponent adds a component name to the context for logging
func WithComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// RequestIDFromContext returns the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// FieldsFromContext extracts logging fields from context.
// Returns key-value pairs suitable for use with Infow/Errorw/etc.
func FieldsFromContext(ctx context.Context) []interface{} {
	var fields []interface{}

	if requestID, ok := ctx.Value(requestIDKey).(string); ok && requestID != "" {
		fields = append(fields, FieldRequestID, requestID)
	}
	if jobName, ok := ctx.Value(jobNameKey).(string); ok && jobName != "" {
		fields = append(fields, FieldJobName, jobName)
	}
	if jobID, ok := ctx.Value(jobIDKey).(string); ok && jobID != "" {
		fields = append(fields, FieldJobID, jobID)
	}
	if component, ok := ctx.Value(componentKey).(string); ok && component != "" {
		fields = append(fields, FieldComponent, component)
	}

	return fields
}

// LoggerFromContext returns a logger with fields extracted from context.
func LoggerFromContext(ctx context.Context) *zap.SugaredLogger {
	fields := FieldsFromContext(ctx)
	if len(fields) == 0 {
		return Logger
	}
	return Logger.With(fields...)
}

// ComponentLogger returns a named logger for a specific component.
//
//	func NewSweeper(...) *Sweeper {
//	    return &Sweeper{logger: logger.ComponentLogger("pulse.sweep")}
//	}
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}
