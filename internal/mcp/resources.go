package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shonin/internal/model"
)

func (s *Server) registerResources() {
	// shonin://proposals/pending — proposals awaiting review.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"shonin://proposals/pending",
			"Pending Proposals",
			mcplib.WithResourceDescription("Proposals awaiting approval, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePendingResource,
	)

	// shonin://limits/usage — current safety-limit consumption.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"shonin://limits/usage",
			"Limit Usage",
			mcplib.WithResourceDescription("Configured safety limits and current window consumption"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleLimitsResource,
	)

	// shonin://health/summary — rolling health average and recent samples.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"shonin://health/summary",
			"Health Summary",
			mcplib.WithResourceDescription("Rolling codebase health average and recent samples"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleHealthResource,
	)
}

func (s *Server) handlePendingResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	status := model.StatusProposed
	proposals, total, err := s.proposals.List(ctx, &status, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: pending proposals: %w", err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"proposals": proposals,
		"total":     total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal proposals: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "shonin://proposals/pending",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleLimitsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	usage := s.limiter.Usage(ctx)

	data, err := json.MarshalIndent(map[string]any{
		"emergency_stop": s.limiter.EmergencyStopped(),
		"limits":         usage,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal limits: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "shonin://limits/usage",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleHealthResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	summary, err := s.tracker.Summary(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: health summary: %w", err)
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal health: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "shonin://health/summary",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
