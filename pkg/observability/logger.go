package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Log record keys added by TracingHandler.
const (
	LogKeyTraceID = "trace_id"
	LogKeySpanID  = "span_id"
	LogKeyService = "service"
	LogKeyEnv     = "env"
	LogKeyMode    = "mode"
)

// NewLogger returns the process logger writing text or JSON records to w.
func NewLogger(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var base slog.Handler = slog.NewTextHandler(w, opts)
	if cfg.LogJSON {
		base = slog.NewJSONHandler(w, opts)
	}

	return slog.New(NewTracingHandler(base, cfg.ServiceName, cfg.Environment, cfg.Mode))
}

// TracingHandler stamps records with the service identity and, when the
// context carries a valid span, its trace and span ids. The identity is bound
// before any group so it stays top-level.
type TracingHandler struct {
	next slog.Handler
}

// NewTracingHandler wraps next. An empty env is omitted.
func NewTracingHandler(next slog.Handler, service, env string, mode AppMode) *TracingHandler {
	identity := make([]slog.Attr, 0, 3)
	identity = append(identity, slog.String(LogKeyService, service), slog.String(LogKeyMode, string(mode)))

	if env != "" {
		identity = append(identity, slog.String(LogKeyEnv, env))
	}

	return &TracingHandler{next: next.WithAttrs(identity)}
}

func (h *TracingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *TracingHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(slog.String(LogKeyTraceID, sc.TraceID().String()), slog.String(LogKeySpanID, sc.SpanID().String()))
	}

	if err := h.next.Handle(ctx, r); err != nil {
		return fmt.Errorf("write log record: %w", err)
	}

	return nil
}

func (h *TracingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TracingHandler{next: h.next.WithAttrs(attrs)}
}

func (h *TracingHandler) WithGroup(name string) slog.Handler {
	return &TracingHandler{next: h.next.WithGroup(name)}
}
