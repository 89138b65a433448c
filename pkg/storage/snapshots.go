package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Sumatoshi-tech/linetrace/pkg/persist"
	"github.com/Sumatoshi-tech/linetrace/pkg/snapshot"
)

// SnapshotBackend stores the snapshots of one repository.
type SnapshotBackend struct {
	store *Store
	repo  string
}

var _ snapshot.Backend = (*SnapshotBackend)(nil)

// Snapshots returns the snapshot backend scoped to repo.
func (s *Store) Snapshots(repo string) *SnapshotBackend {
	return &SnapshotBackend{store: s, repo: repo}
}

// Get implements snapshot.Backend.
func (b *SnapshotBackend) Get(ctx context.Context, ref snapshot.Ref) (*snapshot.Entry, error) {
	var row snapshotModel

	err := b.store.db.WithContext(ctx).
		Where("repo = ? AND pr_id = ? AND path = ? AND head_sha = ? AND diff_digest = ?",
			b.repo, ref.PRID, ref.Path, ref.HeadSHA, ref.DiffDigest).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, snapshot.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	return b.decode(&row)
}

// Put implements snapshot.Backend.
func (b *SnapshotBackend) Put(ctx context.Context, entry *snapshot.Entry) error {
	payload, err := persist.Marshal(b.store.codec, entry.Detail)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	row := snapshotModel{
		ID:         entry.ID,
		Repo:       b.repo,
		PRID:       entry.PRID,
		Path:       entry.Path,
		HeadSHA:    entry.HeadSHA,
		DiffDigest: entry.DiffDigest,
		BlobHash:   entry.BlobHash,
		AliasOf:    entry.AliasOf,
		Payload:    payload,
		CreatedAt:  entry.CreatedAt.UTC(),
	}

	err = b.store.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return snapshot.ErrExists
	}

	if err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}

	return nil
}

// History implements snapshot.Backend.
func (b *SnapshotBackend) History(ctx context.Context, prID int64, path string) ([]*snapshot.Entry, error) {
	var rows []snapshotModel

	err := b.store.db.WithContext(ctx).
		Where("repo = ? AND pr_id = ? AND path = ?", b.repo, prID, path).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	out := make([]*snapshot.Entry, 0, len(rows))

	for i := range rows {
		entry, err := b.decode(&rows[i])
		if err != nil {
			return nil, err
		}

		out = append(out, entry)
	}

	return out, nil
}

// Expired implements snapshot.Backend.
func (b *SnapshotBackend) Expired(ctx context.Context, before time.Time) ([]snapshot.Ref, error) {
	var rows []snapshotModel

	err := b.store.db.WithContext(ctx).
		Select("pr_id", "path", "head_sha", "diff_digest").
		Where("repo = ? AND created_at < ?", b.repo, before.UTC()).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list expired snapshots: %w", err)
	}

	refs := make([]snapshot.Ref, len(rows))
	for i, row := range rows {
		refs[i] = snapshot.Ref{
			Key:        snapshot.Key{PRID: row.PRID, Path: row.Path, HeadSHA: row.HeadSHA},
			DiffDigest: row.DiffDigest,
		}
	}

	return refs, nil
}

// Delete implements snapshot.Backend.
func (b *SnapshotBackend) Delete(ctx context.Context, refs ...snapshot.Ref) error {
	return b.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, ref := range refs {
			err := tx.Where("repo = ? AND pr_id = ? AND path = ? AND head_sha = ? AND diff_digest = ?",
				b.repo, ref.PRID, ref.Path, ref.HeadSHA, ref.DiffDigest).
				Delete(&snapshotModel{}).Error
			if err != nil {
				return fmt.Errorf("delete snapshot: %w", err)
			}
		}

		return nil
	})
}

func (b *SnapshotBackend) decode(row *snapshotModel) (*snapshot.Entry, error) {
	entry := &snapshot.Entry{
		ID: row.ID,
		Ref: snapshot.Ref{
			Key:        snapshot.Key{PRID: row.PRID, Path: row.Path, HeadSHA: row.HeadSHA},
			DiffDigest: row.DiffDigest,
		},
		BlobHash:  row.BlobHash,
		AliasOf:   row.AliasOf,
		CreatedAt: row.CreatedAt,
	}

	err := persist.Unmarshal(b.store.codec, row.Payload, &entry.Detail)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", row.ID, err)
	}

	return entry, nil
}
