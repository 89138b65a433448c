// Package engine wires ingestion, the content index, the line matcher and the
// snapshot store into the operations the read API serves.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
	"github.com/Sumatoshi-tech/linetrace/pkg/report"
	"github.com/Sumatoshi-tech/linetrace/pkg/snapshot"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
)

// Sentinel errors.
var (
	// ErrContentUnavailable marks transient failures fetching repository content.
	ErrContentUnavailable = errors.New("content unavailable")
	// ErrFileMissing means the file does not exist at the requested commit.
	ErrFileMissing = errors.New("file missing at revision")
	// ErrNoSource is returned by operations that need repository access when none is configured.
	ErrNoSource = errors.New("no repository source configured")
	// ErrNoHead is returned when ingesting a pull request whose head commit is unknown.
	ErrNoHead = errors.New("pull request has no head commit")
	// ErrQueueFull is returned when the ingestion queue cannot take more jobs.
	ErrQueueFull = errors.New("ingestion queue full")
)

const (
	defaultWorkers          = 4
	defaultQueueSize        = 256
	defaultRetries          = 4
	defaultRetryMaxInterval = 5 * time.Second
	defaultReportTimeout    = 10 * time.Second
)

// IngestJob asks for the ingestion of a pull request at its current head.
type IngestJob struct {
	Repo   string
	Number int
}

// Engine runs the provenance pipeline over durable storage.
type Engine struct {
	store    *storage.Store
	source   Source
	registry *Registry
	ingestor *ingest.Ingestor
	reports  *report.Engine
	queue    chan IngestJob
	running  atomic.Bool

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.EngineMetrics

	workers          int
	queueSize        int
	retries          uint
	retryMaxInterval time.Duration
	reportTimeout    time.Duration
	truncate         int
	eager            bool
	scope            ScopeConfig
	backend          func(repo string) snapshot.Backend
}

// Option configures an Engine.
type Option func(*Engine)

// WithSource sets where pull request material and repository content come from.
func WithSource(s Source) Option {
	return func(e *Engine) {
		e.source = s
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithMetrics sets the engine metric instruments.
func WithMetrics(m *observability.EngineMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithWorkers bounds concurrent ingestions and concurrent file analyses per pull request.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithQueueSize bounds the number of pending ingestion jobs.
func WithQueueSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.queueSize = n
		}
	}
}

// WithRetry bounds content fetch retries.
func WithRetry(maxTries uint, maxInterval time.Duration) Option {
	return func(e *Engine) {
		if maxTries > 0 {
			e.retries = maxTries
		}

		if maxInterval > 0 {
			e.retryMaxInterval = maxInterval
		}
	}
}

// WithReportTimeout sets the soft deadline of report computation.
func WithReportTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.reportTimeout = d
	}
}

// WithTruncateThreshold sets the changed-line limit above which file diffs are truncated.
func WithTruncateThreshold(n int) Option {
	return func(e *Engine) {
		e.truncate = n
	}
}

// WithEagerAnalysis makes every ingestion analyse the pull request right away.
func WithEagerAnalysis(eager bool) Option {
	return func(e *Engine) {
		e.eager = eager
	}
}

// WithContextWindow sets the content index context window.
func WithContextWindow(n int) Option {
	return func(e *Engine) {
		e.scope.ContextWindow = n
	}
}

// WithHotEntries bounds the in-process snapshot tier of each repository.
func WithHotEntries(n int) Option {
	return func(e *Engine) {
		e.scope.HotEntries = n
	}
}

// WithSnapshotBackend overrides the durable snapshot backend, which defaults
// to the engine's storage.
func WithSnapshotBackend(f func(repo string) snapshot.Backend) Option {
	return func(e *Engine) {
		e.backend = f
	}
}

// New creates an Engine over store.
func New(store *storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:            store,
		logger:           slog.Default(),
		tracer:           otel.Tracer("linetrace/engine"),
		workers:          defaultWorkers,
		queueSize:        defaultQueueSize,
		retries:          defaultRetries,
		retryMaxInterval: defaultRetryMaxInterval,
		reportTimeout:    defaultReportTimeout,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.queue = make(chan IngestJob, e.queueSize)
	e.ingestor = ingest.New(ingest.WithTruncateThreshold(e.truncate))
	e.reports = report.New(report.WithLogger(e.logger), report.WithTracer(e.tracer))

	backend := e.backend
	if backend == nil {
		backend = func(repo string) snapshot.Backend { return store.Snapshots(repo) }
	}

	cfg := e.scope
	cfg.Backend = backend
	cfg.Load = e.loadIndex
	cfg.Logger = e.logger

	if e.source != nil {
		cfg.Ancestry = func(repo string) contentindex.Ancestry {
			return repoAncestry{source: e.source, repo: repo}
		}
	}

	e.registry = NewRegistry(cfg)

	return e
}

// Registry returns the per-repository scopes.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Store returns the underlying storage.
func (e *Engine) Store() *storage.Store {
	return e.store
}

// Enqueue schedules an ingestion without waiting for it.
func (e *Engine) Enqueue(job IngestJob) error {
	select {
	case e.queue <- job:
		return nil
	default:
		return fmt.Errorf("%w: %s#%d", ErrQueueFull, job.Repo, job.Number)
	}
}

// Run ingests queued jobs on at most the configured number of workers until ctx
// is done, then waits for running jobs.
func (e *Engine) Run(ctx context.Context) error {
	var g errgroup.Group

	g.SetLimit(e.workers)

	e.running.Store(true)
	defer e.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return g.Wait()
		case job := <-e.queue:
			g.Go(func() error {
				_, err := e.Ingest(ctx, job.Repo, job.Number)
				if err != nil && ctx.Err() == nil {
					e.logger.ErrorContext(ctx, "ingestion failed",
						"repo", job.Repo, "pr", job.Number, "error", err)
				}

				return nil
			})
		}
	}
}

// IngestAll ingests jobs concurrently. Failures do not stop the other jobs and
// are returned joined.
func (e *Engine) IngestAll(ctx context.Context, jobs []IngestJob) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)

	g.SetLimit(e.workers)

	for _, job := range jobs {
		g.Go(func() error {
			_, err := e.Ingest(ctx, job.Repo, job.Number)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s#%d: %w", job.Repo, job.Number, err))
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	return errors.Join(errs...)
}

// retry runs op with exponential backoff while it fails with ErrContentUnavailable.
func retry[T any](ctx context.Context, e *Engine, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = e.retryMaxInterval

	if b.InitialInterval > e.retryMaxInterval {
		b.InitialInterval = e.retryMaxInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !errors.Is(err, ErrContentUnavailable) {
			return v, backoff.Permanent(err)
		}

		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(e.retries))
}

func (e *Engine) requireSource() error {
	if e.source == nil {
		return ErrNoSource
	}

	return nil
}
