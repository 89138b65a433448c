// Package config provides configuration loading and validation for linetrace.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidPort            = errors.New("invalid server port")
	ErrInvalidWorkers         = errors.New("analysis workers must be positive")
	ErrInvalidQueueSize       = errors.New("analysis queue size must be positive")
	ErrInvalidThreshold       = errors.New("truncate threshold must be positive")
	ErrInvalidContextWindow   = errors.New("context window must not be negative")
	ErrInvalidRetries         = errors.New("content retries must be positive")
	ErrInvalidHotEntries      = errors.New("snapshot hot entries must be positive")
	ErrInvalidSnapshotBackend = errors.New("unknown snapshot backend")
	ErrMissingPostgresDSN     = errors.New("postgres snapshot backend needs a dsn")
	ErrInvalidLogFormat       = errors.New("unknown log format")
	ErrInvalidSampleRatio     = errors.New("sample ratio must be within [0, 1]")
)

// Snapshot backends.
const (
	SnapshotBackendSQLite   = "sqlite"
	SnapshotBackendPostgres = "postgres"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

const (
	envPrefix = "LINETRACE"
	maxPort   = 65535
)

// Config holds all configuration for linetrace.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Analysis   AnalysisConfig   `mapstructure:"analysis"`
	Snapshot   SnapshotConfig   `mapstructure:"snapshot"`
	GitHub     GitHubConfig     `mapstructure:"github"`
	Repository RepositoryConfig `mapstructure:"repository"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig holds the relational store configuration.
type StorageConfig struct {
	// Path is the sqlite database file, or ":memory:".
	Path      string        `mapstructure:"path"`
	SlowQuery time.Duration `mapstructure:"slow_query"`
	Debug     bool          `mapstructure:"debug"`
}

// AnalysisConfig holds ingestion and analysis tuning.
type AnalysisConfig struct {
	Workers                 int           `mapstructure:"workers"`
	QueueSize               int           `mapstructure:"queue_size"`
	TruncateThreshold       int           `mapstructure:"truncate_threshold"`
	ContextWindow           int           `mapstructure:"context_window"`
	ReportTimeout           time.Duration `mapstructure:"report_timeout"`
	ContentRetries          uint          `mapstructure:"content_retries"`
	ContentRetryMaxInterval time.Duration `mapstructure:"content_retry_max_interval"`
	// Eager analyses a pull request as soon as it is ingested.
	Eager bool `mapstructure:"eager"`
}

// SnapshotConfig holds snapshot store configuration.
type SnapshotConfig struct {
	Backend           string        `mapstructure:"backend"`
	PostgresDSN       string        `mapstructure:"postgres_dsn"`
	PostgresMaxConns  int32         `mapstructure:"postgres_max_conns"`
	HotEntries        int           `mapstructure:"hot_entries"`
	Retention         time.Duration `mapstructure:"retention"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

// GitHubConfig holds GitHub API access configuration.
type GitHubConfig struct {
	Token   string `mapstructure:"token"`
	BaseURL string `mapstructure:"base_url"`
}

// RepositoryConfig holds repository defaults.
type RepositoryConfig struct {
	// Path is a local clone used by commands that read git directly.
	Path          string `mapstructure:"path"`
	DefaultBranch string `mapstructure:"default_branch"`
	// URL is the web URL commit links are built from for local analyses.
	URL string `mapstructure:"url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Environment  string            `mapstructure:"environment"`
	OTLPEndpoint string            `mapstructure:"otlp_endpoint"`
	OTLPHeaders  map[string]string `mapstructure:"otlp_headers"`
	OTLPInsecure bool              `mapstructure:"otlp_insecure"`
	SampleRatio  float64           `mapstructure:"sample_ratio"`
	DebugTrace   bool              `mapstructure:"debug_trace"`
	TraceVerbose bool              `mapstructure:"trace_verbose"`
	Prometheus   bool              `mapstructure:"prometheus"`
}

// LoadConfig loads configuration from file and environment variables.
// An empty configPath searches the default locations and tolerates no file.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("linetrace")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("./config")
		viperCfg.AddConfigPath("/etc/linetrace")
	}

	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validateConfig(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.host", DefaultServerHost)
	viperCfg.SetDefault("server.port", DefaultServerPort)

	viperCfg.SetDefault("storage.path", DefaultStoragePath)
	viperCfg.SetDefault("storage.slow_query", DefaultStorageSlowQuery)
	viperCfg.SetDefault("storage.debug", false)

	viperCfg.SetDefault("analysis.workers", DefaultAnalysisWorkers)
	viperCfg.SetDefault("analysis.queue_size", DefaultAnalysisQueueSize)
	viperCfg.SetDefault("analysis.truncate_threshold", DefaultTruncateThreshold)
	viperCfg.SetDefault("analysis.context_window", DefaultContextWindow)
	viperCfg.SetDefault("analysis.report_timeout", DefaultReportTimeout)
	viperCfg.SetDefault("analysis.content_retries", DefaultContentRetries)
	viperCfg.SetDefault("analysis.content_retry_max_interval", DefaultContentRetryMaxInterval)
	viperCfg.SetDefault("analysis.eager", false)

	viperCfg.SetDefault("snapshot.backend", SnapshotBackendSQLite)
	viperCfg.SetDefault("snapshot.postgres_dsn", "")
	viperCfg.SetDefault("snapshot.postgres_max_conns", DefaultPostgresMaxConns)
	viperCfg.SetDefault("snapshot.hot_entries", DefaultSnapshotHotEntries)
	viperCfg.SetDefault("snapshot.retention", DefaultSnapshotRetention)
	viperCfg.SetDefault("snapshot.retention_interval", DefaultSnapshotRetentionInterval)

	viperCfg.SetDefault("github.token", "")
	viperCfg.SetDefault("github.base_url", "")

	viperCfg.SetDefault("repository.path", "")
	viperCfg.SetDefault("repository.default_branch", DefaultBranch)
	viperCfg.SetDefault("repository.url", "")

	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", LogFormatText)

	viperCfg.SetDefault("telemetry.environment", "")
	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.sample_ratio", DefaultSampleRatio)
	viperCfg.SetDefault("telemetry.debug_trace", false)
	viperCfg.SetDefault("telemetry.trace_verbose", false)
	viperCfg.SetDefault("telemetry.prometheus", true)
}

// validateConfig validates the configuration.
func validateConfig(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, config.Server.Port)
	}

	err := validateAnalysis(&config.Analysis)
	if err != nil {
		return err
	}

	err = validateSnapshot(&config.Snapshot)
	if err != nil {
		return err
	}

	switch config.Logging.Format {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogFormat, config.Logging.Format)
	}

	if config.Telemetry.SampleRatio < 0 || config.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, config.Telemetry.SampleRatio)
	}

	return nil
}

func validateAnalysis(c *AnalysisConfig) error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Workers)
	}

	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQueueSize, c.QueueSize)
	}

	if c.TruncateThreshold <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidThreshold, c.TruncateThreshold)
	}

	if c.ContextWindow < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidContextWindow, c.ContextWindow)
	}

	if c.ContentRetries == 0 {
		return ErrInvalidRetries
	}

	return nil
}

func validateSnapshot(c *SnapshotConfig) error {
	if c.HotEntries <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidHotEntries, c.HotEntries)
	}

	switch c.Backend {
	case SnapshotBackendSQLite:
	case SnapshotBackendPostgres:
		if c.PostgresDSN == "" {
			return ErrMissingPostgresDSN
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSnapshotBackend, c.Backend)
	}

	return nil
}
