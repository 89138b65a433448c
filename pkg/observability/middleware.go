package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware wraps next with a server span and RED metrics per request.
// Under a chi router the span name and metric op use the matched route
// pattern ("GET /pullRequest/{id}") so ids do not explode cardinality; outside
// one the raw path is used. A nil red skips metrics.
func HTTPMiddleware(tracer trace.Tracer, red *REDMetrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method), attribute.String("http.target", r.URL.Path)),
		)
		defer span.End()

		defer red.TrackInflight(ctx, r.Method)()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}

		op := r.Method + " " + r.URL.Path
		if rc := chi.RouteContext(ctx); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				op = r.Method + " " + pattern

				span.SetName(op)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}

		span.SetAttributes(semconv.HTTPResponseStatusCode(code))

		status := StatusOK
		if code >= http.StatusInternalServerError {
			status = StatusError

			span.SetStatus(codes.Error, http.StatusText(code))
		}

		red.RecordRequest(ctx, op, status, time.Since(start))
	})
}
