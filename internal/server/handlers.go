package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/shonin/internal/auth"
	"github.com/ashita-ai/shonin/internal/health"
	"github.com/ashita-ai/shonin/internal/ledger"
	"github.com/ashita-ai/shonin/internal/model"
	"github.com/ashita-ai/shonin/internal/proposal"
	"github.com/ashita-ai/shonin/internal/safety"
	"github.com/ashita-ai/shonin/internal/storage"
)

// Store is the persistence surface the HTTP handlers use directly. Runs,
// proposals, and counters go through their services instead.
type Store interface {
	ListRules(ctx context.Context) ([]model.AutoApprovalRule, error)
	GetRule(ctx context.Context, name string) (model.AutoApprovalRule, error)
	UpsertRule(ctx context.Context, r model.AutoApprovalRule) error

	UpsertLimit(ctx context.Context, l model.SafetyLimit) error

	CreateAgent(ctx context.Context, a model.Agent) error
	GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error)
	UpsertAgentKey(ctx context.Context, a model.Agent) error
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	store     Store
	jwtMgr    *auth.JWTManager
	runs      *ledger.Service
	proposals *proposal.Service
	limiter   *safety.Limiter
	tracker   *health.Tracker
	logger    *slog.Logger
	version   string
	maxBody   int64
}

// NewHandlers creates the handler set.
func NewHandlers(store Store, jwtMgr *auth.JWTManager, runs *ledger.Service, proposals *proposal.Service, limiter *safety.Limiter, tracker *health.Tracker, logger *slog.Logger, version string, maxBody int64) *Handlers {
	return &Handlers{
		store:     store,
		jwtMgr:    jwtMgr,
		runs:      runs,
		proposals: proposals,
		limiter:   limiter,
		tracker:   tracker,
		logger:    logger,
		version:   version,
		maxBody:   maxBody,
	}
}

// SeedOperator provisions a bootstrap operator account with the given API
// key if none exists yet. Called once at startup when an operator key is
// configured.
func (h *Handlers) SeedOperator(ctx context.Context, agentID, apiKey string) error {
	if err := model.ValidateAgentID(agentID); err != nil {
		return fmt.Errorf("server: seed operator: %w", err)
	}
	hash, err := auth.HashAPIKey(apiKey)
	if err != nil {
		return fmt.Errorf("server: seed operator: %w", err)
	}
	agent := model.Agent{
		ID:         uuid.New(),
		AgentID:    agentID,
		Role:       model.RoleOperator,
		APIKeyHash: hash,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// Already provisioned; rotate the key to match config.
			existing, getErr := h.store.GetAgentByAgentID(ctx, agentID)
			if getErr != nil {
				return fmt.Errorf("server: seed operator: %w", getErr)
			}
			existing.APIKeyHash = hash
			return h.store.UpsertAgentKey(ctx, existing)
		}
		return fmt.Errorf("server: seed operator: %w", err)
	}
	h.logger.Info("seeded bootstrap operator", "agent_id", agentID)
	return nil
}

// HandleAuthToken exchanges an agent ID and API key for a JWT.
// POST /auth/token
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.AgentID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "agent_id and api_key are required")
		return
	}

	agent, err := h.store.GetAgentByAgentID(r.Context(), req.AgentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Burn comparable time so unknown agents are not
			// distinguishable by response latency.
			auth.DummyVerify()
			writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
			return
		}
		h.internalError(w, r, "get agent", err)
		return
	}

	ok, err := auth.VerifyAPIKey(req.APIKey, agent.APIKeyHash)
	if err != nil || !ok {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(agent)
	if err != nil {
		h.internalError(w, r, "issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth is the unauthenticated liveness probe.
// GET /health
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

// internalError logs the underlying error and returns an opaque 500.
func (h *Handlers) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("handler error",
		"op", op,
		"error", err,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, "internal server error")
}

// pathUUID parses a UUID path parameter, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}
