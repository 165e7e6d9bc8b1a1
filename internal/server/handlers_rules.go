package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/storage"
)

// HandleListRules returns all auto-approval rules.
// GET /v1/rules
func (h *Handlers) HandleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.store.ListRules(r.Context())
	if err != nil {
		h.internalError(w, r, "list rules", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rules)
}

// HandleUpsertRule creates or replaces an auto-approval rule. Rule edits
// take effect on the next policy evaluation, never retroactively.
// POST /v1/rules
func (h *Handlers) HandleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var rule model.AutoApprovalRule
	if err := decodeJSON(w, r, &rule, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := rule.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	now := time.Now().UTC()
	if existing, err := h.store.GetRule(r.Context(), rule.Name); err == nil {
		rule.CreatedAt = existing.CreatedAt
	} else {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	if err := h.store.UpsertRule(r.Context(), rule); err != nil {
		h.internalError(w, r, "upsert rule", err)
		return
	}

	h.logger.Info("rule upserted",
		"rule", rule.Name,
		"category", rule.Category,
		"enabled", rule.Enabled)
	writeJSON(w, r, http.StatusOK, rule)
}

// RulePatch carries partial rule updates. Nil fields are left unchanged.
type RulePatch struct {
	Enabled          *bool           `json:"enabled,omitempty"`
	MaxFilesAffected *int            `json:"max_files_affected,omitempty"`
	MaxLinesChanged  *int            `json:"max_lines_changed,omitempty"`
	RequiresTests    *bool           `json:"requires_tests,omitempty"`
	MaxSeverity      *model.Severity `json:"max_severity,omitempty"`
}

// HandlePatchRule partially updates an existing rule.
// PATCH /v1/rules/{name}
func (h *Handlers) HandlePatchRule(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var patch RulePatch
	if err := decodeJSON(w, r, &patch, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	rule, err := h.store.GetRule(r.Context(), name)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "rule not found")
			return
		}
		h.internalError(w, r, "get rule", err)
		return
	}

	if patch.Enabled != nil {
		rule.Enabled = *patch.Enabled
	}
	if patch.MaxFilesAffected != nil {
		rule.MaxFilesAffected = *patch.MaxFilesAffected
	}
	if patch.MaxLinesChanged != nil {
		rule.MaxLinesChanged = *patch.MaxLinesChanged
	}
	if patch.RequiresTests != nil {
		rule.RequiresTests = *patch.RequiresTests
	}
	if patch.MaxSeverity != nil {
		rule.MaxSeverity = *patch.MaxSeverity
	}
	if err := rule.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	rule.UpdatedAt = time.Now().UTC()

	if err := h.store.UpsertRule(r.Context(), rule); err != nil {
		h.internalError(w, r, "patch rule", err)
		return
	}

	h.logger.Info("rule patched", "rule", rule.Name, "enabled", rule.Enabled)
	writeJSON(w, r, http.StatusOK, rule)
}
