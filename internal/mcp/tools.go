package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shonin/internal/model"
)

func (s *Server) registerTools() {
	// shonin_propose — submit a change proposal for governance review.
	s.mcpServer.AddTool(
		mcplib.NewTool("shonin_propose",
			mcplib.WithDescription("Submit a change proposal. It is evaluated against auto-approval policy immediately; unmatched proposals wait for human review."),
			mcplib.WithString("title", mcplib.Description("Short summary of the change"), mcplib.Required()),
			mcplib.WithString("category", mcplib.Description("Change category, e.g. bug-fix, refactor, dependency"), mcplib.Required()),
			mcplib.WithString("severity", mcplib.Description("Blast-radius severity: low, medium, high, critical"), mcplib.Required()),
			mcplib.WithNumber("files_affected", mcplib.Description("Number of files the change touches"), mcplib.Required()),
			mcplib.WithNumber("lines_changed", mcplib.Description("Total lines added plus removed"), mcplib.Required()),
			mcplib.WithBoolean("has_tests", mcplib.Description("Whether the change includes tests")),
			mcplib.WithString("description", mcplib.Description("Longer description of the change")),
			mcplib.WithString("rollback_plan", mcplib.Description("How to revert if the change goes wrong")),
			mcplib.WithNumber("estimated_cost_cents", mcplib.Description("Estimated execution cost in cents")),
		),
		s.handlePropose,
	)

	// shonin_pending — list proposals awaiting review.
	s.mcpServer.AddTool(
		mcplib.NewTool("shonin_pending",
			mcplib.WithDescription("List proposals awaiting approval, newest first"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum results to return")),
		),
		s.handlePending,
	)

	// shonin_decide — approve or reject a pending proposal.
	s.mcpServer.AddTool(
		mcplib.NewTool("shonin_decide",
			mcplib.WithDescription("Approve or reject a pending proposal. Rejections must include a reason."),
			mcplib.WithString("proposal_id", mcplib.Description("Proposal UUID"), mcplib.Required()),
			mcplib.WithString("decision", mcplib.Description("approve or reject"), mcplib.Required()),
			mcplib.WithString("reason", mcplib.Description("Why (required for reject)")),
			mcplib.WithString("reviewer", mcplib.Description("Identity of the reviewer")),
		),
		s.handleDecide,
	)

	// shonin_limits — inspect safety-limit headroom.
	s.mcpServer.AddTool(
		mcplib.NewTool("shonin_limits",
			mcplib.WithDescription("Show configured safety limits and current window consumption"),
		),
		s.handleLimits,
	)
}

func (s *Server) handlePropose(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.CreateProposalRequest{
		Title:              request.GetString("title", ""),
		Description:        request.GetString("description", ""),
		Category:           model.Category(request.GetString("category", "")),
		Severity:           model.Severity(request.GetString("severity", "")),
		FilesAffected:      request.GetInt("files_affected", 0),
		LinesChanged:       request.GetInt("lines_changed", 0),
		HasTests:           request.GetBool("has_tests", false),
		RollbackPlan:       request.GetString("rollback_plan", ""),
		EstimatedCostCents: int64(request.GetInt("estimated_cost_cents", 0)),
	}

	// Proposals reference the analysis run that produced them. MCP callers
	// have no run of their own, so open one under admission control.
	run, decision, err := s.runs.StartRun(ctx, model.AgentClassProposalGenerator, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to start run: %v", err)), nil
	}
	if !decision.Allowed {
		return errorResult("admission denied: " + decision.Reason), nil
	}
	req.SourceRunID = run.ID

	if err := req.Validate(); err != nil {
		_, _ = s.runs.CompleteRun(ctx, run.ID, model.RunOutcomeFailed, 0, 0, "invalid proposal: "+err.Error())
		return errorResult(err.Error()), nil
	}

	p, err := s.proposals.Create(ctx, req)
	if err != nil {
		_, _ = s.runs.CompleteRun(ctx, run.ID, model.RunOutcomeFailed, 0, 0, "proposal rejected: "+err.Error())
		return errorResult(fmt.Sprintf("failed to create proposal: %v", err)), nil
	}

	// Admission is advisory: the proposal exists either way, so a failed
	// evaluation must not clobber the created proposal in the response.
	if admitted, err := s.proposals.Admit(ctx, p.ID); err != nil {
		s.logger.Warn("mcp: auto-approval evaluation failed", "proposal_id", p.ID, "error", err)
	} else {
		p = admitted
	}

	_, _ = s.runs.CompleteRun(ctx, run.ID, model.RunOutcomeCompleted, 0, 0, "proposal "+p.ID.String())

	resultData, _ := json.Marshal(map[string]any{
		"proposal_id":   p.ID,
		"status":        p.Status,
		"source_run_id": run.ID,
	})

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handlePending(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)

	status := model.StatusProposed
	proposals, total, err := s.proposals.List(ctx, &status, limit, 0)
	if err != nil {
		return errorResult(fmt.Sprintf("list failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"proposals": proposals,
		"total":     total,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleDecide(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id, err := uuid.Parse(request.GetString("proposal_id", ""))
	if err != nil {
		return errorResult("proposal_id must be a valid UUID"), nil
	}

	req := model.DecideRequest{
		Decision: request.GetString("decision", ""),
		Reason:   request.GetString("reason", ""),
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	reviewer := request.GetString("reviewer", "")
	if reviewer == "" {
		reviewer = "mcp-client"
	}

	p, err := s.proposals.Decide(ctx, id, req, reviewer)
	if err != nil {
		return errorResult(fmt.Sprintf("decision failed: %v", err)), nil
	}

	resultData, _ := json.Marshal(map[string]any{
		"proposal_id": p.ID,
		"status":      p.Status,
	})

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleLimits(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	resultData, _ := json.MarshalIndent(map[string]any{
		"emergency_stop": s.limiter.EmergencyStopped(),
		"limits":         s.limiter.Usage(ctx),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
