// Package mcp implements the Model Context Protocol server for Shonin.
//
// The MCP server exposes the governance workflow to MCP-compatible AI
// agents: submitting proposals, listing pending ones, reading decisions,
// and inspecting safety-limit headroom.
package mcp

import (
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shonin/internal/health"
	"github.com/ashita-ai/shonin/internal/ledger"
	"github.com/ashita-ai/shonin/internal/proposal"
	"github.com/ashita-ai/shonin/internal/safety"
)

// Server wraps the MCP server with Shonin's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runs      *ledger.Service
	proposals *proposal.Service
	limiter   *safety.Limiter
	tracker   *health.Tracker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(runs *ledger.Service, proposals *proposal.Service, limiter *safety.Limiter, tracker *health.Tracker, logger *slog.Logger) *Server {
	s := &Server{
		runs:      runs,
		proposals: proposals,
		limiter:   limiter,
		tracker:   tracker,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"shonin",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}
