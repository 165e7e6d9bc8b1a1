package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/storage"
)

// HandleStartRun records a new run after admission.
// POST /v1/runs
func (h *Handlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	var req model.StartRunRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, decision, err := h.runs.StartRun(r.Context(), req.AgentClass, req.EstimatedCostCents)
	if err != nil {
		h.internalError(w, r, "start run", err)
		return
	}
	if !decision.Allowed {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeDenied, decision.Reason)
		return
	}

	writeJSON(w, r, http.StatusCreated, run)
}

// HandleCompleteRun records a run's terminal outcome.
// POST /v1/runs/{run_id}/complete
func (h *Handlers) HandleCompleteRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	var req model.CompleteRunRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.runs.CompleteRun(r.Context(), id, req.Outcome, req.CostCents, req.Tokens, req.Summary)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		case errors.Is(err, model.ErrAlreadyTerminal):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
		default:
			h.internalError(w, r, "complete run", err)
		}
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleGetRun returns a single run.
// GET /v1/runs/{run_id}
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "run_id")
	if !ok {
		return
	}

	run, err := h.runs.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.internalError(w, r, "get run", err)
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns lists runs, newest first, optionally filtered by class.
// GET /v1/runs?agent_class=&limit=&offset=
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	var class *model.AgentClass
	if v := r.URL.Query().Get("agent_class"); v != "" {
		c := model.AgentClass(v)
		class = &c
	}

	runs, total, err := h.runs.ListRuns(r.Context(), class, limit, offset)
	if err != nil {
		if errors.Is(err, model.ErrInvalidAgentClass) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.internalError(w, r, "list runs", err)
		return
	}

	writeList(w, r, runs, total, limit, offset)
}
