package server

import (
	"net/http"
	"time"

	"github.com/ashita-ai/shonin/internal/model"
)

// HandleListLimits returns current limit usage for every configured limit.
// GET /v1/limits
func (h *Handlers) HandleListLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.limiter.Usage(r.Context()))
}

// LimitUpdateRequest is the payload for PUT /v1/limits/{agent_class}/{kind}.
type LimitUpdateRequest struct {
	Limit   int64              `json:"limit"`
	Action  model.BreachAction `json:"action"`
	Enabled bool               `json:"enabled"`
}

// HandleUpsertLimit creates or updates a safety limit and reloads the
// limiter so the change takes effect immediately. In-window counters
// survive the reload.
// PUT /v1/limits/{agent_class}/{kind}
func (h *Handlers) HandleUpsertLimit(w http.ResponseWriter, r *http.Request) {
	var req LimitUpdateRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	limit := model.SafetyLimit{
		AgentClass: model.AgentClass(r.PathValue("agent_class")),
		Kind:       model.LimitKind(r.PathValue("kind")),
		Limit:      req.Limit,
		Action:     req.Action,
		Enabled:    req.Enabled,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := limit.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.store.UpsertLimit(r.Context(), limit); err != nil {
		h.internalError(w, r, "upsert limit", err)
		return
	}
	if err := h.limiter.Reload(r.Context()); err != nil {
		h.internalError(w, r, "reload limiter", err)
		return
	}

	h.logger.Info("limit upserted",
		"agent_class", limit.AgentClass,
		"kind", limit.Kind,
		"limit", limit.Limit,
		"action", limit.Action,
		"enabled", limit.Enabled)
	writeJSON(w, r, http.StatusOK, limit)
}

// EmergencyStopRequest is the payload for PUT /v1/admin/emergency-stop.
type EmergencyStopRequest struct {
	Stopped bool   `json:"stopped"`
	Reason  string `json:"reason,omitempty"`
}

// HandleEmergencyStop toggles the global kill switch. While stopped, every
// admission is denied regardless of limit headroom.
// PUT /v1/admin/emergency-stop
func (h *Handlers) HandleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var req EmergencyStopRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if err := h.limiter.SetEmergencyStop(r.Context(), req.Stopped); err != nil {
		h.internalError(w, r, "set emergency stop", err)
		return
	}

	operator := "unknown"
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		operator = claims.AgentID
	}
	h.logger.Warn("emergency stop toggled",
		"stopped", req.Stopped,
		"reason", req.Reason,
		"operator", operator)

	writeJSON(w, r, http.StatusOK, map[string]bool{"stopped": h.limiter.EmergencyStopped()})
}

// HandleHealthSummary returns the rolling health average and recent samples.
// GET /v1/health/summary
func (h *Handlers) HandleHealthSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.tracker.Summary(r.Context(), 0)
	if err != nil {
		h.internalError(w, r, "health summary", err)
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}
