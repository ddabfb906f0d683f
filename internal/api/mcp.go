package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/raven/internal/jobs"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Intake Submitter
	Status StatusReader
}

// NewMCPServer creates an MCP server exposing job submission and status.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"raven",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("raven queues SEC filing analyses and research questions and reports their progress."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_filing_job",
			mcp.WithDescription("Queue an analysis of a company's 10-Q/10-K. Omit quarter to queue all four quarters."),
			mcp.WithString("ticker", mcp.Description("Stock ticker, e.g. AAPL"), mcp.Required()),
			mcp.WithNumber("year", mcp.Description("Fiscal year"), mcp.Required()),
			mcp.WithNumber("quarter", mcp.Description("Quarter 1-4 (optional)")),
			mcp.WithBoolean("include_transcript", mcp.Description("Also fetch the earnings-call transcript")),
		),
		mcpSubmitFiling(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_research_job",
			mcp.WithDescription("Queue a free-form research question."),
			mcp.WithString("query", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("flow_id", mcp.Description("Optional caller correlation id")),
		),
		mcpSubmitResearch(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Return the current state of one job."),
			mcp.WithString("job_id", mcp.Description("Job id from a submit receipt"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("job_updates",
			mcp.WithDescription("Return every known job with per-status counts."),
		),
		mcpJobUpdates(deps),
	)

	return s
}

func mcpSubmitFiling(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ticker, err := req.RequireString("ticker")
		if err != nil {
			return mcpError("ticker is required"), nil
		}
		year := req.GetInt("year", 0)
		if year == 0 {
			return mcpError("year is required"), nil
		}

		receipts, err := deps.Intake.Submit(ctx, jobs.Request{
			Kind:              jobs.KindFiling,
			Ticker:            ticker,
			Year:              year,
			Quarter:           req.GetInt("quarter", 0),
			IncludeTranscript: req.GetBool("include_transcript", false),
			Origin:            "mcp",
		}, "mcp")
		if err != nil {
			return mcpSubmitError(err), nil
		}
		return mcpJSON(receipts)
	}
}

func mcpSubmitResearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		receipts, err := deps.Intake.Submit(ctx, jobs.Request{
			Kind:   jobs.KindResearch,
			Query:  query,
			FlowID: req.GetString("flow_id", ""),
			Origin: "mcp",
		}, "mcp")
		if err != nil {
			return mcpSubmitError(err), nil
		}
		return mcpJSON(receipts[0])
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		entry, found, err := deps.Status.Job(ctx, id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read job: %v", err)), nil
		}
		if !found {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		return mcpJSON(entry)
	}
}

func mcpJobUpdates(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		snap, err := deps.Status.Snapshot(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read jobs: %v", err)), nil
		}
		return mcpJSON(snap)
	}
}

func mcpSubmitError(err error) *mcp.CallToolResult {
	if errors.Is(err, jobs.ErrInvalidRequest) {
		return mcpError(err.Error())
	}
	return mcpError(fmt.Sprintf("failed to queue job: %v", err))
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
