package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/linetrace/pkg/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "linetrace.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_EmptyFile_UsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, config.DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, config.DefaultStoragePath, cfg.Storage.Path)
	assert.Equal(t, config.DefaultStorageSlowQuery, cfg.Storage.SlowQuery)
	assert.Equal(t, config.DefaultAnalysisWorkers, cfg.Analysis.Workers)
	assert.Equal(t, config.DefaultTruncateThreshold, cfg.Analysis.TruncateThreshold)
	assert.Equal(t, config.DefaultContextWindow, cfg.Analysis.ContextWindow)
	assert.Equal(t, uint(config.DefaultContentRetries), cfg.Analysis.ContentRetries)
	assert.Equal(t, config.DefaultReportTimeout, cfg.Analysis.ReportTimeout)
	assert.Equal(t, config.SnapshotBackendSQLite, cfg.Snapshot.Backend)
	assert.Equal(t, config.DefaultSnapshotHotEntries, cfg.Snapshot.HotEntries)
	assert.Equal(t, config.DefaultSnapshotRetention, cfg.Snapshot.Retention)
	assert.Equal(t, config.DefaultBranch, cfg.Repository.DefaultBranch)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, config.LogFormatText, cfg.Logging.Format)
	assert.InDelta(t, config.DefaultSampleRatio, cfg.Telemetry.SampleRatio, 0.0001)
	assert.True(t, cfg.Telemetry.Prometheus)
}

func TestLoadConfig_ValidFile_Unmarshals(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `server:
  host: 127.0.0.1
  port: 9090
storage:
  path: /var/lib/linetrace/db.sqlite
analysis:
  workers: 8
  truncate_threshold: 2000
  context_window: 2
  report_timeout: 5s
  content_retries: 6
  eager: true
snapshot:
  backend: postgres
  postgres_dsn: postgres://localhost/linetrace
  hot_entries: 100
  retention: 72h
github:
  token: ghp_test
  base_url: https://github.example.com/api/v3/
repository:
  default_branch: trunk
logging:
  level: debug
  format: json
telemetry:
  otlp_endpoint: localhost:4317
  otlp_headers:
    x-tenant: acme
  sample_ratio: 0.5
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "/var/lib/linetrace/db.sqlite", cfg.Storage.Path)
	assert.Equal(t, 8, cfg.Analysis.Workers)
	assert.Equal(t, 2000, cfg.Analysis.TruncateThreshold)
	assert.Equal(t, 2, cfg.Analysis.ContextWindow)
	assert.Equal(t, 5*time.Second, cfg.Analysis.ReportTimeout)
	assert.Equal(t, uint(6), cfg.Analysis.ContentRetries)
	assert.True(t, cfg.Analysis.Eager)
	assert.Equal(t, config.SnapshotBackendPostgres, cfg.Snapshot.Backend)
	assert.Equal(t, "postgres://localhost/linetrace", cfg.Snapshot.PostgresDSN)
	assert.Equal(t, 100, cfg.Snapshot.HotEntries)
	assert.Equal(t, 72*time.Hour, cfg.Snapshot.Retention)
	assert.Equal(t, "ghp_test", cfg.GitHub.Token)
	assert.Equal(t, "trunk", cfg.Repository.DefaultBranch)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, config.LogFormatJSON, cfg.Logging.Format)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, map[string]string{"x-tenant": "acme"}, cfg.Telemetry.OTLPHeaders)
	assert.InDelta(t, 0.5, cfg.Telemetry.SampleRatio, 0.0001)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LINETRACE_SERVER_PORT", "9191")
	t.Setenv("LINETRACE_GITHUB_TOKEN", "from-env")
	t.Setenv("LINETRACE_ANALYSIS_WORKERS", "2")

	cfg, err := config.LoadConfig(writeConfig(t, "server:\n  port: 9090\n"))
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "from-env", cfg.GitHub.Token)
	assert.Equal(t, 2, cfg.Analysis.Workers)
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"port", "server:\n  port: 70000\n", config.ErrInvalidPort},
		{"workers", "analysis:\n  workers: 0\n", config.ErrInvalidWorkers},
		{"queue", "analysis:\n  queue_size: -1\n", config.ErrInvalidQueueSize},
		{"threshold", "analysis:\n  truncate_threshold: 0\n", config.ErrInvalidThreshold},
		{"window", "analysis:\n  context_window: -1\n", config.ErrInvalidContextWindow},
		{"retries", "analysis:\n  content_retries: 0\n", config.ErrInvalidRetries},
		{"hot entries", "snapshot:\n  hot_entries: 0\n", config.ErrInvalidHotEntries},
		{"backend", "snapshot:\n  backend: redis\n", config.ErrInvalidSnapshotBackend},
		{"postgres dsn", "snapshot:\n  backend: postgres\n", config.ErrMissingPostgresDSN},
		{"log format", "logging:\n  format: xml\n", config.ErrInvalidLogFormat},
		{"sample ratio", "telemetry:\n  sample_ratio: 1.5\n", config.ErrInvalidSampleRatio},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.LoadConfig(writeConfig(t, tt.content))
			require.ErrorIs(t, err, tt.want)
		})
	}
}
