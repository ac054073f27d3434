package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/teranos/cascade/batch"
	"github.com/teranos/cascade/errors"
	"github.com/teranos/cascade/ledger"
	"github.com/teranos/cascade/logger"
	"github.com/teranos/cascade/pipeline"
	"github.com/teranos/cascade/pulse/throttle"
)

// TriggerSourceHTTP is recorded for triggers that name no source
const TriggerSourceHTTP = "http"

// handleTrigger runs the pipeline for one record and answers with the
// finalized run. The run is detached from the request context: a caller
// that hangs up does not cancel stage work already under way.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.logger.With(logger.FieldsFromContext(ctx)...)

	var t pipeline.Trigger
	if err := readJSON(r, maxTriggerBody, &t); err != nil {
		writeWrappedError(w, log, err, "invalid trigger body")
		return
	}

	// The header (or the generated id) wins over a body request_id
	if r.Header.Get(RequestIDHeader) != "" || t.RequestID == "" {
		t.RequestID = logger.RequestIDFromContext(ctx)
	}
	w.Header().Set(RequestIDHeader, t.RequestID)
	if t.TriggerSource == "" {
		t.TriggerSource = TriggerSourceHTTP
	}

	if t.TenantID == "" {
		writeWrappedError(w, log, errors.NewInvalidRequestError("tenant_id is required"), "invalid trigger body")
		return
	}
	caller := CallerFromContext(ctx)
	if !s.auth.Permitted(ctx, caller, t.TenantID) {
		err := errors.Wrapf(errors.ErrForbidden, "caller may not trigger for tenant %q", t.TenantID)
		writeWrappedError(w, log, err, "trigger forbidden")
		return
	}

	if s.throttle != nil {
		key := throttle.Key{TenantID: t.TenantID, EntityType: t.EntityType, EntityID: t.EntityID}
		if err := s.throttle.Allow(key); err != nil {
			log.Infow("Trigger throttled",
				logger.FieldTenantID, t.TenantID,
				logger.FieldEntity, t.EntityType+"/"+t.EntityID)
			writeWrappedError(w, log, err, "trigger throttled")
			return
		}
	}

	resp, err := s.pipeline.Run(context.WithoutCancel(ctx), t)
	if err != nil {
		writeWrappedError(w, log, err, "pipeline run failed")
		return
	}
	writeJSON(w, triggerStatus(resp), resp)
}

// triggerStatus picks the HTTP status for a pipeline response. Finished
// runs answer 200 whatever their verdict; the body carries it.
func triggerStatus(resp *pipeline.Response) int {
	switch {
	case resp.Duplicate:
		return http.StatusConflict
	case resp.ErrorCode == string(batch.ErrorCodeContent):
		return http.StatusNotFound
	default:
		return http.StatusOK
	}
}

// handleListRuns lists runs newest first, filtered to the caller's tenants
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.logger.With(logger.FieldsFromContext(ctx)...)
	q := r.URL.Query()

	filter := ledger.ListFilter{JobName: q.Get("job_name"), Limit: DefaultRunsLimit}
	if status := q.Get("status"); status != "" {
		if !ledger.IsValidStatus(status) {
			writeWrappedError(w, log, errors.NewInvalidRequestError("unknown status %q", status), "invalid runs query")
			return
		}
		filter.Status = ledger.Status(status)
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeWrappedError(w, log, errors.NewInvalidRequestError("limit must be a positive integer"), "invalid runs query")
			return
		}
		filter.Limit = min(limit, MaxRunsLimit)
	}

	runs, err := s.ledger.List(ctx, filter)
	if err != nil {
		writeWrappedError(w, log, err, "failed to list job runs")
		return
	}

	caller := CallerFromContext(ctx)
	visible := make([]*ledger.JobRun, 0, len(runs))
	for _, run := range runs {
		if s.auth.Permitted(ctx, caller, runTenant(run)) {
			visible = append(visible, run)
		}
	}
	writeJSON(w, http.StatusOK, RunsResponse{Runs: visible, Count: len(visible)})
}

// handleGetRun returns one run. Runs of other tenants read as not found.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.logger.With(logger.FieldsFromContext(ctx)...)
	id := mux.Vars(r)["id"]

	run, err := s.ledger.Get(ctx, id)
	if err != nil {
		writeWrappedError(w, log, err, "failed to get job run")
		return
	}
	if !s.auth.Permitted(ctx, CallerFromContext(ctx), runTenant(run)) {
		writeWrappedError(w, log, errors.NewNotFoundError("job run %s not found", id), "job run hidden from caller")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleHealth reports database reachability, worker pool and memory usage.
// An unreachable database answers 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := HealthResponse{
		Status:        "ok",
		State:         s.getState().String(),
		Database:      "unknown",
		UptimeSeconds: int64(s.uptime().Seconds()),
		StreamClients: s.clientCount(),
	}

	status := http.StatusOK
	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			s.logger.Warnw("Health check database ping failed", "error", err.Error())
			resp.Status = "degraded"
			resp.Database = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	if s.workers != nil {
		metrics := s.workers.GetSystemMetrics(ctx)
		resp.Workers = &metrics
	}
	if s.getState() == ServerStateDraining {
		resp.Status = "draining"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// runTenant reads the tenant a run was triggered for. Sweep runs carry none.
func runTenant(run *ledger.JobRun) string {
	tenant, _ := run.Metadata.Input["tenant_id"].(string)
	return tenant
}
