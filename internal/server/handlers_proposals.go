package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/storage"
)

// HandleCreateProposal records a new proposal and immediately evaluates it
// against auto-approval policy.
// POST /v1/proposals
func (h *Handlers) HandleCreateProposal(w http.ResponseWriter, r *http.Request) {
	var req model.CreateProposalRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	p, err := h.proposals.Create(r.Context(), req)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "source_run_id does not reference a known run")
			return
		}
		h.internalError(w, r, "create proposal", err)
		return
	}

	// Policy evaluation is advisory at create time; a failure here leaves
	// the proposal awaiting review rather than failing the request.
	admitted, err := h.proposals.Admit(r.Context(), p.ID)
	if err != nil {
		h.logger.Warn("auto-approval evaluation failed",
			"proposal_id", p.ID,
			"error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeJSON(w, r, http.StatusCreated, p)
		return
	}

	writeJSON(w, r, http.StatusCreated, admitted)
}

// HandleAdmitProposal re-evaluates a pending proposal against the current
// rule set.
// POST /v1/proposals/{proposal_id}/admit
func (h *Handlers) HandleAdmitProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposal_id")
	if !ok {
		return
	}

	p, err := h.proposals.Admit(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "proposal not found")
			return
		}
		h.internalError(w, r, "admit proposal", err)
		return
	}

	writeJSON(w, r, http.StatusOK, p)
}

// HandleDecideProposal applies a manual approve/reject decision.
// POST /v1/proposals/{proposal_id}/decision
func (h *Handlers) HandleDecideProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposal_id")
	if !ok {
		return
	}

	var req model.DecideRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	reviewer := "unknown"
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		reviewer = claims.AgentID
	}

	p, err := h.proposals.Decide(r.Context(), id, req, reviewer)
	if err != nil {
		h.writeProposalError(w, r, "decide proposal", err)
		return
	}

	writeJSON(w, r, http.StatusOK, p)
}

// HandleBeginExecution moves an approved proposal to in_progress, starting
// an executor run under admission control.
// POST /v1/proposals/{proposal_id}/execution
func (h *Handlers) HandleBeginExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposal_id")
	if !ok {
		return
	}

	p, err := h.proposals.BeginExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrAdmissionDenied) {
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeDenied, err.Error())
			return
		}
		h.writeProposalError(w, r, "begin execution", err)
		return
	}

	writeJSON(w, r, http.StatusOK, p)
}

// HandleCompleteExecution records the outcome of an in-progress execution.
// POST /v1/proposals/{proposal_id}/execution/complete
func (h *Handlers) HandleCompleteExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposal_id")
	if !ok {
		return
	}

	var req model.CompleteExecutionRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	p, err := h.proposals.CompleteExecution(r.Context(), id, req)
	if err != nil {
		h.writeProposalError(w, r, "complete execution", err)
		return
	}

	writeJSON(w, r, http.StatusOK, p)
}

// HandleGetProposal returns a single proposal.
// GET /v1/proposals/{proposal_id}
func (h *Handlers) HandleGetProposal(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "proposal_id")
	if !ok {
		return
	}

	p, err := h.proposals.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "proposal not found")
			return
		}
		h.internalError(w, r, "get proposal", err)
		return
	}

	writeJSON(w, r, http.StatusOK, p)
}

// HandleListProposals lists proposals, newest first, optionally filtered
// by status.
// GET /v1/proposals?status=&limit=&offset=
func (h *Handlers) HandleListProposals(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	var status *model.ProposalStatus
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.ProposalStatus(v)
		if !s.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid status filter")
			return
		}
		status = &s
	}

	proposals, total, err := h.proposals.List(r.Context(), status, limit, offset)
	if err != nil {
		h.internalError(w, r, "list proposals", err)
		return
	}

	writeList(w, r, proposals, total, limit, offset)
}

// writeProposalError maps proposal service errors onto API error codes.
func (h *Handlers) writeProposalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "proposal not found")
	case errors.Is(err, model.ErrInvalidTransition):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, model.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	default:
		h.internalError(w, r, op, err)
	}
}
