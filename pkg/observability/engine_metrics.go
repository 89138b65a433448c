package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricIngestedFiles      = "linetrace.ingest.files.total"
	metricSnapshotRequests   = "linetrace.snapshot.requests.total"
	metricMatchDuration      = "linetrace.match.duration.seconds"
	metricIncompleteFiles    = "linetrace.analysis.incomplete.total"
	metricIndexLines         = "linetrace.index.lines"
	metricSnapshotHotEntries = "linetrace.snapshot.hot.entries"

	attrResult  = "result"
	attrOutcome = "outcome"
	attrReason  = "reason"
	attrRepo    = "repo"
)

// EngineMetrics holds OTel instruments for ingestion and survival analysis.
type EngineMetrics struct {
	ingestedFiles    metric.Int64Counter
	snapshotRequests metric.Int64Counter
	matchDuration    metric.Float64Histogram
	incompleteFiles  metric.Int64Counter
}

// ScopeStats is the size of one repository's in-memory state.
type ScopeStats struct {
	Repo       string
	IndexLines int
	HotEntries int
}

// ScopeStatsProvider reports per-repository sizes for gauge collection.
type ScopeStatsProvider interface {
	ScopeStats() []ScopeStats
}

// NewEngineMetrics creates engine metric instruments from the given meter.
func NewEngineMetrics(mt metric.Meter) (*EngineMetrics, error) {
	files, err := mt.Int64Counter(metricIngestedFiles,
		metric.WithDescription("Pull request files ingested by result"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricIngestedFiles, err)
	}

	requests, err := mt.Int64Counter(metricSnapshotRequests,
		metric.WithDescription("Snapshot lookups by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSnapshotRequests, err)
	}

	duration, err := mt.Float64Histogram(metricMatchDuration,
		metric.WithDescription("Per-file survival analysis duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricMatchDuration, err)
	}

	incomplete, err := mt.Int64Counter(metricIncompleteFiles,
		metric.WithDescription("Files whose analysis could not complete"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricIncompleteFiles, err)
	}

	return &EngineMetrics{
		ingestedFiles:    files,
		snapshotRequests: requests,
		matchDuration:    duration,
		incompleteFiles:  incomplete,
	}, nil
}

// RecordIngestedFile counts one ingested file. Safe on a nil receiver.
func (em *EngineMetrics) RecordIngestedFile(ctx context.Context, result string) {
	if em == nil {
		return
	}

	em.ingestedFiles.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordSnapshot records how a file analysis was served and how long it took.
// Safe on a nil receiver.
func (em *EngineMetrics) RecordSnapshot(ctx context.Context, outcome string, duration time.Duration) {
	if em == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String(attrOutcome, outcome))
	em.snapshotRequests.Add(ctx, 1, attrs)
	em.matchDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordIncomplete counts a file left incomplete. Safe on a nil receiver.
func (em *EngineMetrics) RecordIncomplete(ctx context.Context, reason string) {
	if em == nil {
		return
	}

	em.incompleteFiles.Add(ctx, 1, metric.WithAttributes(attribute.String(attrReason, reason)))
}

// RegisterScopeGauges registers observable gauges for content index and hot tier
// sizes. A nil provider registers nothing.
func RegisterScopeGauges(mt metric.Meter, provider ScopeStatsProvider) error {
	if provider == nil {
		return nil
	}

	lines, err := mt.Int64ObservableGauge(metricIndexLines,
		metric.WithDescription("Lines held by the content index"),
		metric.WithUnit("{line}"),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricIndexLines, err)
	}

	hot, err := mt.Int64ObservableGauge(metricSnapshotHotEntries,
		metric.WithDescription("Snapshots held by the in-process tier"),
		metric.WithUnit("{snapshot}"),
	)
	if err != nil {
		return fmt.Errorf("create %s: %w", metricSnapshotHotEntries, err)
	}

	_, err = mt.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, s := range provider.ScopeStats() {
			attrs := metric.WithAttributes(attribute.String(attrRepo, s.Repo))
			o.ObserveInt64(lines, int64(s.IndexLines), attrs)
			o.ObserveInt64(hot, int64(s.HotEntries), attrs)
		}

		return nil
	}, lines, hot)
	if err != nil {
		return fmt.Errorf("register scope gauges: %w", err)
	}

	return nil
}
