package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Tool name constants.
const (
	ToolNamePRAnalysis    = "pr_analysis"
	ToolNamePRFiles       = "pr_files"
	ToolNamePRHistory     = "pr_history"
	ToolNameReportCompute = "report_compute"
)

// Sentinel errors for tool input validation.
var (
	// ErrInvalidPRID indicates the pr_id parameter is missing or not positive.
	ErrInvalidPRID = errors.New("pr_id parameter is required and must be positive")
	// ErrInvalidReportID indicates the report_id parameter is missing or not positive.
	ErrInvalidReportID = errors.New("report_id parameter is required and must be positive")
	// ErrNoEngine indicates the server was built without an engine.
	ErrNoEngine = errors.New("mcp server has no engine")
)

// PRInput is the input schema of the pull request tools.
type PRInput struct {
	PRID int64 `json:"pr_id" jsonschema:"internal id of the tracked pull request"`
}

// ReportInput is the input schema for the report_compute tool.
type ReportInput struct {
	ReportID int64    `json:"report_id"          jsonschema:"id of the stored report definition"`
	Statuses []string `json:"statuses,omitempty" jsonschema:"optional task statuses to aggregate (default: all)"`
}

// ToolOutput is a generic wrapper for tool results.
type ToolOutput struct {
	Data any `json:"data"`
}

func (s *Server) handlePRAnalysis(ctx context.Context, _ *mcpsdk.CallToolRequest, input PRInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := s.validatePR(input)
	if err != nil {
		return errorResult(err)
	}

	analysis, err := s.engine.AnalyzePR(ctx, input.PRID)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(analysis)
}

func (s *Server) handlePRFiles(ctx context.Context, _ *mcpsdk.CallToolRequest, input PRInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := s.validatePR(input)
	if err != nil {
		return errorResult(err)
	}

	files, err := s.engine.Files(ctx, input.PRID)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(files)
}

func (s *Server) handlePRHistory(ctx context.Context, _ *mcpsdk.CallToolRequest, input PRInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	err := s.validatePR(input)
	if err != nil {
		return errorResult(err)
	}

	_, err = s.engine.Store().PullRequest(ctx, input.PRID)
	if err != nil {
		return errorResult(err)
	}

	changes, err := s.engine.History(ctx, input.PRID)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(changes)
}

func (s *Server) handleReportCompute(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	input ReportInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if s.engine == nil {
		return errorResult(ErrNoEngine)
	}

	if input.ReportID <= 0 {
		return errorResult(ErrInvalidReportID)
	}

	result, err := s.engine.ComputeReport(ctx, input.ReportID, input.Statuses)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(result)
}

func (s *Server) validatePR(input PRInput) error {
	if s.engine == nil {
		return ErrNoEngine
	}

	if input.PRID <= 0 {
		return ErrInvalidPRID
	}

	return nil
}

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: err.Error()},
		},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{
			&mcpsdk.TextContent{Text: string(data)},
		},
	}, ToolOutput{Data: value}, nil
}
