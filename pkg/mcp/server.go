// Package mcp exposes the read side of the engine as Model Context Protocol
// tools served over stdio.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/linetrace/pkg/engine"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
	"github.com/Sumatoshi-tech/linetrace/pkg/version"
)

const (
	serverName = "linetrace"

	// opPrefix namespaces tool spans and metric ops away from HTTP routes.
	opPrefix = "mcp."

	traceIDKey = "trace_id"
)

// ServerDeps holds the server's collaborators. Only Engine is required.
type ServerDeps struct {
	Engine  *engine.Engine
	Logger  *slog.Logger
	Metrics *observability.REDMetrics
	Tracer  trace.Tracer
}

// Server is an MCP server with the linetrace tools registered.
type Server struct {
	inner   *mcpsdk.Server
	engine  *engine.Engine
	metrics *observability.REDMetrics
	tracer  trace.Tracer
	tools   []string
}

// NewServer builds a Server and registers every tool.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{Logger: deps.Logger}

	s := &Server{
		inner:   mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: version.Version}, opts),
		engine:  deps.Engine,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
	}

	addTool(s, ToolNamePRAnalysis, prAnalysisDescription, s.handlePRAnalysis)
	addTool(s, ToolNamePRFiles, prFilesDescription, s.handlePRFiles)
	addTool(s, ToolNamePRHistory, prHistoryDescription, s.handlePRHistory)
	addTool(s, ToolNameReportCompute, reportComputeDescription, s.handleReportCompute)

	return s
}

// ListToolNames returns the registered tool names, sorted.
func (s *Server) ListToolNames() []string {
	return slices.Sorted(slices.Values(s.tools))
}

// Run serves on stdio until ctx is canceled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.RunWithTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunWithTransport serves on transport until ctx is canceled or the
// connection closes.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	if err := s.inner.Run(ctx, transport); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

type toolHandler[Input any] func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error)

func addTool[Input any](s *Server, name, description string, handler toolHandler[Input]) {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{Name: name, Description: description}, instrument(s, name, handler))

	s.tools = append(s.tools, name)
}

// instrument records RED metrics for every call and, with a tracer, wraps it
// in a server span whose trace id is appended to sampled results.
func instrument[Input any](s *Server, name string, handler toolHandler[Input]) toolHandler[Input] {
	if s.metrics == nil && s.tracer == nil {
		return handler
	}

	op := opPrefix + name

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		start := time.Now()
		done := s.metrics.TrackInflight(ctx, op)

		defer done()

		var span trace.Span

		if s.tracer != nil {
			ctx, span = s.tracer.Start(ctx, op,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attribute.String("mcp.tool", name)),
			)
			defer span.End()
		}

		result, output, err := handler(ctx, req, input)
		failed := err != nil || (result != nil && result.IsError)

		status := observability.StatusOK
		if failed {
			status = observability.StatusError
		}

		s.metrics.RecordRequest(ctx, op, status, time.Since(start))

		if span != nil {
			if failed {
				span.SetStatus(codes.Error, "tool call failed")
			}

			if sc := span.SpanContext(); sc.IsSampled() && result != nil {
				result.Content = append(result.Content, &mcpsdk.TextContent{Text: traceIDKey + "=" + sc.TraceID().String()})
			}
		}

		return result, output, err
	}
}

const (
	prAnalysisDescription = "Analyse how many lines a pull request added are still present " +
		"in the current state of its repository. Returns the survival rate and per-line statuses."

	prFilesDescription = "List the per-file survival details of a pull request."

	prHistoryDescription = "List the lifecycle events (opened, synchronize, merged, closed, " +
		"reopened, edited) recorded for a pull request, oldest first."

	reportComputeDescription = "Compute a stored report definition over the current tasks. " +
		"Optional statuses restrict which task statuses are aggregated."
)
