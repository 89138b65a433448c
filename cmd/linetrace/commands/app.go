// Package commands implements the linetrace CLI commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/linetrace/pkg/config"
	"github.com/Sumatoshi-tech/linetrace/pkg/engine"
	"github.com/Sumatoshi-tech/linetrace/pkg/githubsync"
	"github.com/Sumatoshi-tech/linetrace/pkg/gitlib"
	"github.com/Sumatoshi-tech/linetrace/pkg/observability"
	"github.com/Sumatoshi-tech/linetrace/pkg/snapshot"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage/pgstore"
	"github.com/Sumatoshi-tech/linetrace/pkg/version"
)

const (
	configFlag  = "config"
	verboseFlag = "verbose"
	quietFlag   = "quiet"
)

// AddGlobalFlags registers the flags shared by every command.
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().String(configFlag, "", "config file (default: ./linetrace.yaml, ./config, /etc/linetrace)")
	root.PersistentFlags().BoolP(verboseFlag, "v", false, "verbose output")
	root.PersistentFlags().BoolP(quietFlag, "q", false, "suppress output")
}

// app holds the components a command runs with.
type app struct {
	cfg       *config.Config
	providers observability.Providers
	red       *observability.REDMetrics
	store     *storage.Store
	snapshots *pgstore.Store
	engine    *engine.Engine
	repo      *gitlib.Repository
}

// loadConfig reads the configuration named by the --config flag and applies
// --verbose and --quiet to the log level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(configFlag)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if verbose, _ := cmd.Flags().GetBool(verboseFlag); verbose {
		cfg.Logging.Level = "debug"
	}

	if quiet, _ := cmd.Flags().GetBool(quietFlag); quiet {
		cfg.Logging.Level = "error"
	}

	return cfg, nil
}

// telemetryConfig maps the telemetry and logging sections to an observability config.
func telemetryConfig(cfg *config.Config, mode observability.AppMode) (observability.Config, error) {
	level, err := observability.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return observability.Config{}, err
	}

	oc := observability.DefaultConfig()
	oc.ServiceVersion = version.Version
	oc.Environment = cfg.Telemetry.Environment
	oc.Mode = mode
	oc.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	oc.OTLPHeaders = cfg.Telemetry.OTLPHeaders
	oc.OTLPInsecure = cfg.Telemetry.OTLPInsecure
	oc.SampleRatio = cfg.Telemetry.SampleRatio
	oc.DebugTrace = cfg.Telemetry.DebugTrace
	oc.TraceVerbose = cfg.Telemetry.TraceVerbose
	oc.Prometheus = cfg.Telemetry.Prometheus && mode == observability.ModeServe
	oc.LogLevel = level
	oc.LogJSON = cfg.Logging.Format == config.LogFormatJSON || mode == observability.ModeMCP

	if oc.OTLPEndpoint == "" {
		oc.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		oc.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
		oc.OTLPInsecure = oc.OTLPInsecure || os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	return oc, nil
}

// openApp initializes observability and storage. The engine is built later by
// startEngine once the command has chosen its repository source. Overrides run
// on the loaded configuration before anything is opened.
func openApp(cmd *cobra.Command, mode observability.AppMode, overrides ...func(*config.Config)) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	for _, override := range overrides {
		override(cfg)
	}

	oc, err := telemetryConfig(cfg, mode)
	if err != nil {
		return nil, err
	}

	providers, err := observability.Init(oc)
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	a := &app{cfg: cfg, providers: providers}

	a.red, err = observability.NewREDMetrics(providers.Meter)
	if err != nil {
		a.Close()

		return nil, err
	}

	a.store, err = storage.Open(cfg.Storage.Path,
		storage.WithLogger(providers.Logger),
		storage.WithSlowQuery(cfg.Storage.SlowQuery),
		storage.WithDebug(cfg.Storage.Debug),
	)
	if err != nil {
		a.Close()

		return nil, err
	}

	if cfg.Snapshot.Backend == config.SnapshotBackendPostgres {
		a.snapshots, err = pgstore.New(cmd.Context(), cfg.Snapshot.PostgresDSN, cfg.Snapshot.PostgresMaxConns)
		if err != nil {
			a.Close()

			return nil, err
		}
	}

	return a, nil
}

func (a *app) logger() *slog.Logger {
	return a.providers.Logger
}

// startEngine builds the engine over src, which may be nil for commands that
// only read stored state.
func (a *app) startEngine(src engine.Source) error {
	metrics, err := observability.NewEngineMetrics(a.providers.Meter)
	if err != nil {
		return err
	}

	analysis := a.cfg.Analysis

	opts := []engine.Option{
		engine.WithLogger(a.logger()),
		engine.WithTracer(a.providers.Tracer),
		engine.WithMetrics(metrics),
		engine.WithWorkers(analysis.Workers),
		engine.WithQueueSize(analysis.QueueSize),
		engine.WithRetry(analysis.ContentRetries, analysis.ContentRetryMaxInterval),
		engine.WithReportTimeout(analysis.ReportTimeout),
		engine.WithTruncateThreshold(analysis.TruncateThreshold),
		engine.WithContextWindow(analysis.ContextWindow),
		engine.WithEagerAnalysis(analysis.Eager),
		engine.WithHotEntries(a.cfg.Snapshot.HotEntries),
	}

	if src != nil {
		opts = append(opts, engine.WithSource(src))
	}

	if a.snapshots != nil {
		pg := a.snapshots
		opts = append(opts, engine.WithSnapshotBackend(func(repo string) snapshot.Backend {
			return pg.Snapshots(repo)
		}))
	}

	a.engine = engine.New(a.store, opts...)

	return observability.RegisterScopeGauges(a.providers.Meter, a.engine.Registry())
}

// gitHubClient builds a GitHub API client from the github section.
func (a *app) gitHubClient(ctx context.Context) (*githubsync.Client, error) {
	opts := []githubsync.Option{githubsync.WithLogger(a.logger())}
	if a.cfg.GitHub.BaseURL != "" {
		opts = append(opts, githubsync.WithBaseURL(a.cfg.GitHub.BaseURL))
	}

	return githubsync.NewClient(ctx, a.cfg.GitHub.Token, opts...)
}

// defaultSource picks the repository source of long-running modes: a local
// clone when repository.path is set, the GitHub API when a token is set, and
// none otherwise.
func (a *app) defaultSource(ctx context.Context) (engine.Source, error) {
	switch {
	case a.cfg.Repository.Path != "":
		repo, err := gitlib.OpenRepository(a.cfg.Repository.Path)
		if err != nil {
			return nil, err
		}

		a.repo = repo

		return engine.NewGitSource(repo, a.cfg.Repository.DefaultBranch), nil
	case a.cfg.GitHub.Token != "":
		client, err := a.gitHubClient(ctx)
		if err != nil {
			return nil, err
		}

		return engine.NewGitHubSource(client, a.cfg.Repository.DefaultBranch), nil
	default:
		a.logger().WarnContext(ctx, "no repository source configured; analyses are unavailable")

		return nil, nil //nolint:nilnil // running without a source is allowed.
	}
}

// Close releases everything openApp and startEngine acquired.
func (a *app) Close() {
	var errs []error

	if a.repo != nil {
		a.repo.Free()
	}

	if a.snapshots != nil {
		a.snapshots.Close()
	}

	if a.store != nil {
		errs = append(errs, a.store.Close())
	}

	if a.providers.Shutdown != nil {
		errs = append(errs, a.providers.Shutdown(context.Background()))
	}

	err := errors.Join(errs...)
	if err != nil && a.providers.Logger != nil {
		a.providers.Logger.Warn("shutdown failed", "error", err)
	}
}
