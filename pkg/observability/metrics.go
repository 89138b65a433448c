package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Request metric names shared by the HTTP API, the webhook receiver and MCP tools.
const (
	metricRequestsTotal    = "linetrace.requests.total"
	metricRequestDuration  = "linetrace.request.duration.seconds"
	metricErrorsTotal      = "linetrace.errors.total"
	metricInflightRequests = "linetrace.inflight.requests"

	attrOp     = "op"
	attrStatus = "status"
)

// Request outcomes.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Snapshot hits answer in milliseconds; a cold analysis of a large pull request
// can take a minute or more.
var durationBucketBoundaries = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

// REDMetrics counts requests per op. A nil *REDMetrics records nothing, so
// surfaces built without a meter can call it unconditionally.
type REDMetrics struct {
	served   metric.Int64Counter
	failed   metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// NewREDMetrics registers the request instruments on mt.
func NewREDMetrics(mt metric.Meter) (*REDMetrics, error) {
	var (
		red REDMetrics
		err error
	)

	red.served, err = mt.Int64Counter(metricRequestsTotal,
		metric.WithDescription("Requests served by op and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRequestsTotal, err)
	}

	red.failed, err = mt.Int64Counter(metricErrorsTotal,
		metric.WithDescription("Requests that ended in a server-side failure"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricErrorsTotal, err)
	}

	red.latency, err = mt.Float64Histogram(metricRequestDuration,
		metric.WithDescription("Time to answer a request"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricRequestDuration, err)
	}

	red.inflight, err = mt.Int64UpDownCounter(metricInflightRequests,
		metric.WithDescription("Requests currently being answered"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricInflightRequests, err)
	}

	return &red, nil
}

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

// RecordRequest counts one answered request and its latency. Only StatusError
// counts as a failure.
func (rm *REDMetrics) RecordRequest(ctx context.Context, op, status string, took time.Duration) {
	if rm == nil {
		return
	}

	labelled := metric.WithAttributes(opAttr(op), attribute.String(attrStatus, status))

	rm.served.Add(ctx, 1, labelled)
	rm.latency.Record(ctx, took.Seconds(), labelled)

	if status == StatusError {
		rm.failed.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
	}
}

// TrackInflight marks a request of op as started; call the result when it ends.
func (rm *REDMetrics) TrackInflight(ctx context.Context, op string) func() {
	if rm == nil {
		return func() {}
	}

	labelled := metric.WithAttributes(opAttr(op))
	rm.inflight.Add(ctx, 1, labelled)

	return func() { rm.inflight.Add(ctx, -1, labelled) }
}
