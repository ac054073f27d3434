// Package ledger records one auditable row per job run. Rows move
// pending -> running -> succeeded | partial_error | failed, counters only
// grow, and finished_at is set exactly when the status is terminal.
package ledger

import (
	"maps"
	"time"
)

// Status is the lifecycle state of a job run
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusSucceeded    Status = "succeeded"
	StatusPartialError Status = "partial_error"
	StatusFailed       Status = "failed"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusPartialError || s == StatusFailed
}

// IsValidStatus returns true if the string names a Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning, StatusSucceeded, StatusPartialError, StatusFailed:
		return true
	}
	return false
}

// Job types recorded in metadata
const (
	JobTypePipeline = "pipeline"
	JobTypeSweep    = "sweep"
)

// StepStatus is the state of one pipeline stage within a run
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is the recorded outcome of one stage
type Step struct {
	Name           string     `json:"name"`
	Status         StepStatus `json:"status"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	DurationMS     int64      `json:"duration_ms"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsSkipped   int        `json:"items_skipped"`
	ItemsFailed    int        `json:"items_failed"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// Counters aggregate item outcomes across a run
type Counters struct {
	ItemsTotal     int `json:"items_total"`
	ItemsProcessed int `json:"items_processed"`
	ItemsSkipped   int `json:"items_skipped"`
	ItemsFailed    int `json:"items_failed"`
}

// merge keeps the larger value of every counter
func (c Counters) merge(o Counters) Counters {
	return Counters{
		ItemsTotal:     max(c.ItemsTotal, o.ItemsTotal),
		ItemsProcessed: max(c.ItemsProcessed, o.ItemsProcessed),
		ItemsSkipped:   max(c.ItemsSkipped, o.ItemsSkipped),
		ItemsFailed:    max(c.ItemsFailed, o.ItemsFailed),
	}
}

// Metadata is the typed part of a run's metadata column. Extra carries
// anything job-specific that has no field of its own.
type Metadata struct {
	JobType        string         `json:"job_type,omitempty"`
	DiffStrategy   string         `json:"diff_strategy,omitempty"`
	TriggerSource  string         `json:"trigger_source,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	PipelineStatus string         `json:"pipeline_status,omitempty"`
	Counters       Counters       `json:"counters"`
	Steps          []Step         `json:"steps,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	Output         map[string]any `json:"output,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Merge folds update into m. Counters never decrease, steps are replaced
// by name, and non-empty scalars and map entries win.
func (m Metadata) Merge(update Metadata) Metadata {
	out := m
	if update.JobType != "" {
		out.JobType = update.JobType
	}
	if update.DiffStrategy != "" {
		out.DiffStrategy = update.DiffStrategy
	}
	if update.TriggerSource != "" {
		out.TriggerSource = update.TriggerSource
	}
	if update.RequestID != "" {
		out.RequestID = update.RequestID
	}
	if update.PipelineStatus != "" {
		out.PipelineStatus = update.PipelineStatus
	}
	out.Counters = m.Counters.merge(update.Counters)
	out.Steps = mergeSteps(m.Steps, update.Steps)
	out.Input = mergeMaps(m.Input, update.Input)
	out.Output = mergeMaps(m.Output, update.Output)
	out.Extra = mergeMaps(m.Extra, update.Extra)
	return out
}

func mergeSteps(existing, update []Step) []Step {
	if len(update) == 0 {
		return existing
	}
	out := make([]Step, len(existing), len(existing)+len(update))
	copy(out, existing)
	for _, s := range update {
		replaced := false
		for i := range out {
			if out[i].Name == s.Name {
				out[i] = s
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, s)
		}
	}
	return out
}

func mergeMaps(a, b map[string]any) map[string]any {
	if len(b) == 0 {
		return a
	}
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// JobRun is one row of the ledger
type JobRun struct {
	ID             string     `json:"id"`
	JobName        string     `json:"job_name"`
	IdempotencyKey string     `json:"idempotency_key"`
	Status         Status     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	ErrorCode      string     `json:"error_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	Metadata       Metadata   `json:"metadata"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	revision       int64
}

// Clone returns a copy that shares no slices or maps with r
func (r *JobRun) Clone() *JobRun {
	out := *r
	out.Metadata = r.Metadata.clone()
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func (m Metadata) clone() Metadata {
	out := m
	if m.Steps != nil {
		out.Steps = make([]Step, len(m.Steps))
		copy(out.Steps, m.Steps)
	}
	out.Input = maps.Clone(m.Input)
	out.Output = maps.Clone(m.Output)
	out.Extra = maps.Clone(m.Extra)
	return out
}

// Duration is the wall time between start and finish, or zero while running
func (r *JobRun) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}
