package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shonin/internal/auth"
	"github.com/ashita-ai/shonin/internal/mcp"
	"github.com/ashita-ai/shonin/internal/model"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Handlers     *Handlers
	JWTManager   *auth.JWTManager
	MCP          *mcp.Server
	Logger       *slog.Logger
}

// Server is the HTTP server for the governance API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// New builds the server: route table, role guards, middleware chain, and
// the MCP mount.
func New(cfg Config) *Server {
	h := cfg.Handlers
	mux := http.NewServeMux()

	reader := requireRole(model.RoleReader)
	agent := requireRole(model.RoleAgent)
	operator := requireRole(model.RoleOperator)

	// Unauthenticated.
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /auth/token", h.HandleAuthToken)

	// Run ledger.
	mux.Handle("POST /v1/runs", agent(http.HandlerFunc(h.HandleStartRun)))
	mux.Handle("POST /v1/runs/{run_id}/complete", agent(http.HandlerFunc(h.HandleCompleteRun)))
	mux.Handle("GET /v1/runs", reader(http.HandlerFunc(h.HandleListRuns)))
	mux.Handle("GET /v1/runs/{run_id}", reader(http.HandlerFunc(h.HandleGetRun)))

	// Proposals.
	mux.Handle("POST /v1/proposals", agent(http.HandlerFunc(h.HandleCreateProposal)))
	mux.Handle("POST /v1/proposals/{proposal_id}/admit", agent(http.HandlerFunc(h.HandleAdmitProposal)))
	mux.Handle("POST /v1/proposals/{proposal_id}/decision", operator(http.HandlerFunc(h.HandleDecideProposal)))
	mux.Handle("POST /v1/proposals/{proposal_id}/execution", agent(http.HandlerFunc(h.HandleBeginExecution)))
	mux.Handle("POST /v1/proposals/{proposal_id}/execution/complete", agent(http.HandlerFunc(h.HandleCompleteExecution)))
	mux.Handle("GET /v1/proposals", reader(http.HandlerFunc(h.HandleListProposals)))
	mux.Handle("GET /v1/proposals/{proposal_id}", reader(http.HandlerFunc(h.HandleGetProposal)))

	// Auto-approval rules.
	mux.Handle("GET /v1/rules", reader(http.HandlerFunc(h.HandleListRules)))
	mux.Handle("POST /v1/rules", operator(http.HandlerFunc(h.HandleUpsertRule)))
	mux.Handle("PATCH /v1/rules/{name}", operator(http.HandlerFunc(h.HandlePatchRule)))

	// Safety limits and admin.
	mux.Handle("GET /v1/limits", reader(http.HandlerFunc(h.HandleListLimits)))
	mux.Handle("PUT /v1/limits/{agent_class}/{kind}", operator(http.HandlerFunc(h.HandleUpsertLimit)))
	mux.Handle("PUT /v1/admin/emergency-stop", operator(http.HandlerFunc(h.HandleEmergencyStop)))

	// Health tracker.
	mux.Handle("GET /v1/health/summary", reader(http.HandlerFunc(h.HandleHealthSummary)))

	// MCP over streamable HTTP, behind the same auth as the REST API.
	if cfg.MCP != nil {
		streamable := mcpserver.NewStreamableHTTPServer(cfg.MCP.MCPServer())
		mux.Handle("/mcp", reader(streamable))
	}

	// Middleware chain (outermost first).
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTManager, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers returns the handler set, for startup wiring.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
