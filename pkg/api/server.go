// Package api serves the read API and the GitHub webhook receiver over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/linetrace/pkg/engine"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
)

const (
	serverReadTimeout     = 30 * time.Second
	serverWriteTimeout    = 120 * time.Second
	serverIdleTimeout     = 120 * time.Second
	serverShutdownTimeout = 10 * time.Second
)

// Server exposes an Engine over HTTP.
type Server struct {
	engine  *engine.Engine
	logger  *slog.Logger
	tracer  trace.Tracer
	red     *observability.REDMetrics
	metrics http.Handler
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithTracer sets the tracer used for per-request spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Server) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithREDMetrics records request rate, errors and duration per route.
func WithREDMetrics(m *observability.REDMetrics) Option {
	return func(s *Server) {
		s.red = m
	}
}

// WithMetricsHandler mounts a Prometheus scrape handler at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metrics = h
	}
}

// New creates a Server over e.
func New(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: e,
		logger: slog.Default(),
		tracer: otel.Tracer("linetrace/api"),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Router returns the HTTP handler with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return observability.HTTPMiddleware(s.tracer, s.red, next)
	})

	r.Method(http.MethodGet, "/healthz", observability.HealthHandler())
	r.Method(http.MethodGet, "/readyz", observability.ReadyHandler(s.engine.Ready))

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/pullRequest/{id}", func(r chi.Router) {
		r.Get("/", s.pullRequest)
		r.Get("/files", s.files)
		r.Get("/history", s.history)
		r.Get("/fresh", s.fresh)
		r.Get("/snapshots", s.snapshots)
	})

	r.Get("/report/{id}/compute", s.computeReport)
	r.Post("/webhooks/github", s.webhook)

	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig

	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)

	go func() {
		s.logger.InfoContext(ctx, "http server listening", "addr", listener.Addr().String())
		errc <- srv.Serve(listener)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	return nil
}
