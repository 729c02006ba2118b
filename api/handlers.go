package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"argus/core"
	"argus/storage"

	"github.com/gorilla/mux"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// ErrorResponse is the error body shape for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (a *API) respondJSON(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Errorw("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, msg string) {
	a.respondJSON(w, ErrorResponse{Error: msg}, status)
}

// storeStatus maps store errors onto HTTP statuses, surfacing pool
// exhaustion distinctly from generic failures.
func (a *API) storeStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrAlertNotFound), errors.Is(err, storage.ErrIncidentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// parseTimeRange reads optional from/to query parameters in RFC3339.
func parseTimeRange(r *http.Request) (from, to time.Time, err error) {
	if v := r.URL.Query().Get("from"); v != "" {
		from, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return
		}
	}
	return
}

// getAlerts handles GET /api/alerts with source, severity, and time range
// filters plus pagination.
func (a *API) getAlerts(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseTimeRange(r)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid time range: "+err.Error())
		return
	}

	source := core.AlertSource(r.URL.Query().Get("source"))
	switch source {
	case "", core.SourceFile, core.SourceNetwork:
	default:
		a.respondError(w, http.StatusBadRequest, "source must be file or network")
		return
	}

	p := ParsePaginationParams(r, defaultPageSize, maxPageSize)
	alerts, total, err := a.store.QueryAlerts(r.Context(), storage.AlertFilter{
		Source:   source,
		Severity: r.URL.Query().Get("severity"),
		From:     from,
		To:       to,
		Limit:    p.Limit,
		Offset:   p.Offset(),
	})
	if err != nil {
		a.logger.Errorw("Failed to query alerts", "error", err)
		a.respondError(w, a.storeStatus(err), "failed to query alerts")
		return
	}
	if alerts == nil {
		alerts = []core.AlertSummary{}
	}

	a.respondJSON(w, NewPaginationResponse(alerts, total, p.Page, p.Limit), http.StatusOK)
}

// getAlert handles GET /api/alerts/{id}.
func (a *API) getAlert(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	detail, err := a.store.GetAlert(r.Context(), id)
	if err != nil {
		if !errors.Is(err, storage.ErrAlertNotFound) {
			a.logger.Errorw("Failed to load alert", "id", id, "error", err)
		}
		a.respondError(w, a.storeStatus(err), err.Error())
		return
	}
	a.respondJSON(w, detail, http.StatusOK)
}

// getIncidents handles GET /api/incidents with min_confidence and time
// range filters plus pagination.
func (a *API) getIncidents(w http.ResponseWriter, r *http.Request) {
	from, to, err := parseTimeRange(r)
	if err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid time range: "+err.Error())
		return
	}

	minConfidence := 0
	if v := r.URL.Query().Get("min_confidence"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "min_confidence must be an integer")
			return
		}
		minConfidence = n
	}

	p := ParsePaginationParams(r, defaultPageSize, maxPageSize)
	incidents, total, err := a.store.ListIncidents(r.Context(), storage.IncidentFilter{
		MinConfidence: minConfidence,
		From:          from,
		To:            to,
		Limit:         p.Limit,
		Offset:        p.Offset(),
	})
	if err != nil {
		a.logger.Errorw("Failed to query incidents", "error", err)
		a.respondError(w, a.storeStatus(err), "failed to query incidents")
		return
	}
	if incidents == nil {
		incidents = []core.CorrelatedIncident{}
	}

	a.respondJSON(w, NewPaginationResponse(incidents, total, p.Page, p.Limit), http.StatusOK)
}

// getIncident handles GET /api/incidents/{id}.
func (a *API) getIncident(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	inc, err := a.store.GetIncident(r.Context(), id)
	if err != nil {
		if !errors.Is(err, storage.ErrIncidentNotFound) {
			a.logger.Errorw("Failed to load incident", "id", id, "error", err)
		}
		a.respondError(w, a.storeStatus(err), err.Error())
		return
	}
	a.respondJSON(w, inc, http.StatusOK)
}

// statusRequest is the body for PATCH /api/incidents/{id}/status.
type statusRequest struct {
	Status string `json:"status"`
}

// setIncidentStatus updates the operator-facing status field only.
func (a *API) setIncidentStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !core.ValidIncidentStatus(req.Status) {
		a.respondError(w, http.StatusBadRequest, "status must be open, acknowledged, or closed")
		return
	}

	if err := a.store.UpdateIncidentStatus(r.Context(), id, req.Status); err != nil {
		a.respondError(w, a.storeStatus(err), err.Error())
		return
	}

	a.logger.Infow("Incident status updated", "id", id, "status", req.Status)
	w.WriteHeader(http.StatusNoContent)
}

// correlationResponse reports an on-demand run's outcome.
type correlationResponse struct {
	IncidentsCreated int `json:"incidents_created"`
}

// triggerCorrelation handles POST /api/correlate.
func (a *API) triggerCorrelation(w http.ResponseWriter, r *http.Request) {
	if a.engine == nil {
		a.respondError(w, http.StatusConflict, "correlation is disabled")
		return
	}
	created, err := a.engine.Run(r.Context())
	if err != nil {
		a.logger.Errorw("On-demand correlation failed", "error", err)
		a.respondError(w, a.storeStatus(err), "correlation run failed")
		return
	}
	a.respondJSON(w, correlationResponse{IncidentsCreated: created}, http.StatusOK)
}

// reloadResponse reports a rule reload's outcome.
type reloadResponse struct {
	Rules int `json:"rules"`
}

// reloadRules handles POST /api/rules/reload. A compile failure keeps the
// previous snapshot active.
func (a *API) reloadRules(w http.ResponseWriter, r *http.Request) {
	if err := a.ruleset.Reload(); err != nil {
		a.respondError(w, http.StatusInternalServerError, "rule reload failed: "+err.Error())
		return
	}
	a.respondJSON(w, reloadResponse{Rules: a.ruleset.Load().Len()}, http.StatusOK)
}

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status     string                          `json:"status"`
	Components map[string]core.ComponentHealth `json:"components"`
}

// healthCheck reflects the true operating state of every component and
// additionally probes the store. Degradation returns 503.
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := a.store.SQLite().Healthy(r.Context()); err != nil {
		a.health.SetDegraded("store", "store unreachable")
	} else {
		a.health.SetHealthy("store")
	}

	overall, components := a.health.Snapshot()
	status := http.StatusOK
	if overall != core.StateHealthy {
		status = http.StatusServiceUnavailable
	}
	a.respondJSON(w, healthResponse{Status: overall, Components: components}, status)
}
