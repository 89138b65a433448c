// Package storage persists pull requests, their event logs, ingested diffs, the
// report catalog and survival snapshots in SQLite through gorm.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Sumatoshi-tech/linetrace/pkg/persist"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflicting write")
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

const (
	defaultSlowQuery = 200 * time.Millisecond
	dirPerm          = 0o750
)

// Store is the gorm-backed repository.
type Store struct {
	db     *gorm.DB
	codec  persist.Codec
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	slowQuery time.Duration
	debug     bool
}

// WithLogger routes gorm logging to l.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSlowQuery sets the duration above which queries are logged as warnings.
func WithSlowQuery(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.slowQuery = d
		}
	}
}

// WithDebug logs every statement at debug level.
func WithDebug(debug bool) Option {
	return func(o *options) {
		o.debug = debug
	}
}

// Open opens (creating when needed) the SQLite database at path and migrates it.
func Open(path string, opts ...Option) (*Store, error) {
	o := options{logger: slog.Default(), slowQuery: defaultSlowQuery}
	for _, opt := range opts {
		opt(&o)
	}

	if path != MemoryDSN {
		err := os.MkdirAll(filepath.Dir(path), dirPerm)
		if err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	level := logger.Warn
	if o.debug {
		level = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		Logger:         &gormLogger{log: o.logger, level: level, slow: o.slowQuery},
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}

	if path == MemoryDSN {
		// Every connection to :memory: is a separate database.
		sqlDB.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		err = db.Exec(pragma).Error
		if err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	err = db.AutoMigrate(
		&pullRequestModel{},
		&changeModel{},
		&ingestionModel{},
		&fileDiffModel{},
		&studentModel{},
		&sprintModel{},
		&taskModel{},
		&reportModel{},
		&snapshotModel{},
	)
	if err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	return &Store{db: db, codec: persist.NewLZ4Codec(), logger: o.logger}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	return sqlDB.Close()
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}

	return fmt.Errorf("%s: %w", what, err)
}

// gormLogger bridges gorm to slog.
type gormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
	slow  time.Duration
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{log: l.log, level: level, slow: l.slow}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && !errors.Is(err, gorm.ErrDuplicatedKey):
		sql, rows := fc()
		l.log.ErrorContext(ctx, "gorm query error", "error", err, "duration", elapsed, "sql", sql, "rows", rows)
	case elapsed > l.slow:
		sql, rows := fc()
		l.log.WarnContext(ctx, "slow query", "duration", elapsed, "sql", sql, "rows", rows)
	case l.level >= logger.Info:
		sql, rows := fc()
		l.log.DebugContext(ctx, "gorm query", "duration", elapsed, "sql", sql, "rows", rows)
	}
}
