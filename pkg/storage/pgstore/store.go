// Package pgstore is a postgres snapshot backend for deployments that share one
// snapshot store between several engine instances.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Sumatoshi-tech/linetrace/pkg/persist"
	"github.com/Sumatoshi-tech/linetrace/pkg/snapshot"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage/pgstore/migrations"
)

const uniqueViolation = "23505"

// Store owns the connection pool.
type Store struct {
	pool  *pgxpool.Pool
	codec persist.Codec
}

// New connects to dsn and applies the embedded migrations.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	store := &Store{pool: pool, codec: persist.NewLZ4Codec()}

	err = store.applyMigrations(ctx)
	if err != nil {
		pool.Close()

		return nil, err
	}

	return store, nil
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) applyMigrations(ctx context.Context) error {
	entries, err := migrations.Files.ReadDir(".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		sqlBytes, err := fs.ReadFile(migrations.Files, entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		_, err = s.pool.Exec(ctx, string(sqlBytes))
		if err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

// Snapshots returns the backend scoped to repo.
func (s *Store) Snapshots(repo string) *Backend {
	return &Backend{store: s, repo: repo}
}

// Backend implements snapshot.Backend for one repository.
type Backend struct {
	store *Store
	repo  string
}

var _ snapshot.Backend = (*Backend)(nil)

const selectColumns = `id, pr_id, path, head_sha, diff_digest, blob_hash, alias_of, payload, created_at`

// Get implements snapshot.Backend.
func (b *Backend) Get(ctx context.Context, ref snapshot.Ref) (*snapshot.Entry, error) {
	row := b.store.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM snapshots
		WHERE repo = $1 AND pr_id = $2 AND path = $3 AND head_sha = $4 AND diff_digest = $5`,
		b.repo, ref.PRID, ref.Path, ref.HeadSHA, ref.DiffDigest)

	entry, err := b.scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}

	return entry, err
}

// Put implements snapshot.Backend.
func (b *Backend) Put(ctx context.Context, entry *snapshot.Entry) error {
	payload, err := persist.Marshal(b.store.codec, entry.Detail)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	_, err = b.store.pool.Exec(ctx, `
		INSERT INTO snapshots (id, repo, pr_id, path, head_sha, diff_digest, blob_hash, alias_of, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID, b.repo, entry.PRID, entry.Path, entry.HeadSHA, entry.DiffDigest,
		entry.BlobHash, entry.AliasOf, payload, entry.CreatedAt)

	return translateError(err)
}

// History implements snapshot.Backend.
func (b *Backend) History(ctx context.Context, prID int64, path string) ([]*snapshot.Entry, error) {
	rows, err := b.store.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM snapshots
		WHERE repo = $1 AND pr_id = $2 AND path = $3
		ORDER BY created_at, id`, b.repo, prID, path)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*snapshot.Entry

	for rows.Next() {
		entry, err := b.scan(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, entry)
	}

	return out, rows.Err()
}

// Expired implements snapshot.Backend.
func (b *Backend) Expired(ctx context.Context, before time.Time) ([]snapshot.Ref, error) {
	rows, err := b.store.pool.Query(ctx, `
		SELECT pr_id, path, head_sha, diff_digest
		FROM snapshots
		WHERE repo = $1 AND created_at < $2`, b.repo, before)
	if err != nil {
		return nil, fmt.Errorf("list expired snapshots: %w", err)
	}
	defer rows.Close()

	var refs []snapshot.Ref

	for rows.Next() {
		var ref snapshot.Ref

		err = rows.Scan(&ref.PRID, &ref.Path, &ref.HeadSHA, &ref.DiffDigest)
		if err != nil {
			return nil, fmt.Errorf("scan expired snapshot: %w", err)
		}

		refs = append(refs, ref)
	}

	return refs, rows.Err()
}

// Delete implements snapshot.Backend.
func (b *Backend) Delete(ctx context.Context, refs ...snapshot.Ref) error {
	if len(refs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}

	for _, ref := range refs {
		batch.Queue(`
			DELETE FROM snapshots
			WHERE repo = $1 AND pr_id = $2 AND path = $3 AND head_sha = $4 AND diff_digest = $5`,
			b.repo, ref.PRID, ref.Path, ref.HeadSHA, ref.DiffDigest)
	}

	err := b.store.pool.SendBatch(ctx, batch).Close()
	if err != nil {
		return fmt.Errorf("delete snapshots: %w", err)
	}

	return nil
}

func (b *Backend) scan(row pgx.Row) (*snapshot.Entry, error) {
	var (
		entry   snapshot.Entry
		payload []byte
	)

	err := row.Scan(&entry.ID, &entry.PRID, &entry.Path, &entry.HeadSHA, &entry.DiffDigest,
		&entry.BlobHash, &entry.AliasOf, &payload, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	err = persist.Unmarshal(b.store.codec, payload, &entry.Detail)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", entry.ID, err)
	}

	return &entry, nil
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return snapshot.ErrExists
	}

	return fmt.Errorf("store snapshot: %w", err)
}
