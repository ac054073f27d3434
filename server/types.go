package server

import (
	"time"

	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/pulse/async"
)

const (
	// ShutdownTimeout is how long to wait for in-flight requests and stream
	// clients on Stop
	ShutdownTimeout = 30 * time.Second

	// ReadHeaderTimeout bounds slow clients before a handler runs
	ReadHeaderTimeout = 10 * time.Second

	// RequestIDHeader carries the caller's request id in and out
	RequestIDHeader = "X-Request-ID"

	// DefaultRunsLimit and MaxRunsLimit bound GET /api/runs
	DefaultRunsLimit = 50
	MaxRunsLimit     = 500

	// maxTriggerBody bounds a trigger request body
	maxTriggerBody = 64 << 10
)

// WebSocket timing for the run stream
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// ServerState is the lifecycle state reported by /api/health
type ServerState int32

const (
	ServerStateStarting ServerState = iota
	ServerStateRunning
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateStarting:
		return "starting"
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ErrorResponse is the body of every non-pipeline error
type ErrorResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RunsResponse is the body of GET /api/runs
type RunsResponse struct {
	Runs  []*ledger.JobRun `json:"runs"`
	Count int              `json:"count"`
}

// StreamEvent is one message on the run stream
type StreamEvent struct {
	Type string         `json:"type"`
	Run  *ledger.JobRun `json:"run"`
}

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status        string               `json:"status"`
	State         string               `json:"state"`
	Database      string               `json:"database"`
	UptimeSeconds int64                `json:"uptime_seconds"`
	StreamClients int                  `json:"stream_clients"`
	Workers       *async.SystemMetrics `json:"workers,omitempty"`
}
