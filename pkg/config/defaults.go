package config

import (
	"time"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
	"github.com/Sumatoshi-tech/linetrace/pkg/snapshot"
)

// Server defaults.
const (
	DefaultServerHost = "0.0.0.0"
	DefaultServerPort = 8080
)

// Storage defaults.
const (
	DefaultStoragePath      = "data/linetrace.db"
	DefaultStorageSlowQuery = 200 * time.Millisecond
)

// Analysis defaults.
const (
	DefaultAnalysisWorkers         = 4
	DefaultAnalysisQueueSize       = 256
	DefaultTruncateThreshold       = ingest.DefaultTruncateThreshold
	DefaultContextWindow           = contentindex.DefaultContextWindow
	DefaultReportTimeout           = 10 * time.Second
	DefaultContentRetries          = 4
	DefaultContentRetryMaxInterval = 5 * time.Second
)

// Snapshot defaults.
const (
	DefaultPostgresMaxConns          = 8
	DefaultSnapshotHotEntries        = snapshot.DefaultHotEntries
	DefaultSnapshotRetention         = 30 * 24 * time.Hour
	DefaultSnapshotRetentionInterval = time.Hour
)

// Repository defaults.
const DefaultBranch = "main"

// Telemetry defaults.
const DefaultSampleRatio = 0.1
