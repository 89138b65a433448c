package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
	"github.com/Sumatoshi-tech/linetrace/pkg/persist"
)

// Ingestion is the ingested diff of one pull request at one head commit.
type Ingestion struct {
	Repo      string
	PRID      int64
	HeadSHA   string
	Commits   []contentindex.Commit
	Diffs     []*ingest.FileDiff
	CreatedAt time.Time
}

// SaveIngestion stores an ingestion. It reports false without writing anything
// when the (pull request, head commit) pair was already ingested.
func (s *Store) SaveIngestion(ctx context.Context, in *Ingestion) (bool, error) {
	payloads := make([][]byte, len(in.Diffs))

	for i, diff := range in.Diffs {
		data, err := persist.Marshal(s.codec, diff)
		if err != nil {
			return false, fmt.Errorf("encode %s: %w", diff.Path, err)
		}

		payloads[i] = data
	}

	created := in.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	row := ingestionModel{
		Repo:          in.Repo,
		PullRequestID: in.PRID,
		HeadSHA:       in.HeadSHA,
		Commits:       commitsToRecords(in.Commits),
		CreatedAt:     created.UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Create(&row).Error
		if err != nil {
			return err
		}

		if len(payloads) == 0 {
			return nil
		}

		files := make([]fileDiffModel, len(payloads))
		for i, data := range payloads {
			files[i] = fileDiffModel{IngestionID: row.ID, Position: i, Path: in.Diffs[i].Path, Payload: data}
		}

		return tx.Create(&files).Error
	})

	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("save ingestion: %w", err)
	}

	return true, nil
}

// Ingestion returns the ingestion of a pull request at a head commit.
func (s *Store) Ingestion(ctx context.Context, prID int64, headSHA string) (*Ingestion, error) {
	var row ingestionModel

	err := s.db.WithContext(ctx).Where("pull_request_id = ? AND head_sha = ?", prID, headSHA).Take(&row).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("ingestion %d@%s", prID, headSHA))
	}

	return s.loadIngestion(ctx, &row)
}

// LatestIngestion returns the most recent ingestion of a pull request.
func (s *Store) LatestIngestion(ctx context.Context, prID int64) (*Ingestion, error) {
	var row ingestionModel

	err := s.db.WithContext(ctx).Where("pull_request_id = ?", prID).Order("created_at DESC, id DESC").Take(&row).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("ingestion of pull request %d", prID))
	}

	return s.loadIngestion(ctx, &row)
}

// EachIngestion calls fn for every ingestion of repo in creation order. It is
// used to rebuild content indexes at startup.
func (s *Store) EachIngestion(ctx context.Context, repo string, fn func(*Ingestion) error) error {
	var rows []ingestionModel

	err := s.db.WithContext(ctx).Where("repo = ?", repo).Order("created_at, id").Find(&rows).Error
	if err != nil {
		return fmt.Errorf("list ingestions: %w", err)
	}

	for i := range rows {
		in, err := s.loadIngestion(ctx, &rows[i])
		if err != nil {
			return err
		}

		err = fn(in)
		if err != nil {
			return err
		}
	}

	return nil
}

// Repos lists the repositories with at least one ingestion.
func (s *Store) Repos(ctx context.Context) ([]string, error) {
	var repos []string

	err := s.db.WithContext(ctx).Model(&ingestionModel{}).Distinct("repo").Order("repo").Pluck("repo", &repos).Error
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	return repos, nil
}

func (s *Store) loadIngestion(ctx context.Context, row *ingestionModel) (*Ingestion, error) {
	var files []fileDiffModel

	err := s.db.WithContext(ctx).Where("ingestion_id = ?", row.ID).Order("position").Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("list file diffs: %w", err)
	}

	in := &Ingestion{
		Repo:      row.Repo,
		PRID:      row.PullRequestID,
		HeadSHA:   row.HeadSHA,
		Commits:   recordsToCommits(row.Commits),
		Diffs:     make([]*ingest.FileDiff, len(files)),
		CreatedAt: row.CreatedAt,
	}

	for i, f := range files {
		var diff ingest.FileDiff

		err = persist.Unmarshal(s.codec, f.Payload, &diff)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", f.Path, err)
		}

		in.Diffs[i] = &diff
	}

	return in, nil
}

func commitsToRecords(commits []contentindex.Commit) []commitRecord {
	out := make([]commitRecord, len(commits))
	for i, c := range commits {
		out[i] = commitRecord{SHA: c.SHA, Time: c.Time.UTC(), AuthorName: c.AuthorName, AuthorLogin: c.AuthorLogin}
	}

	return out
}

func recordsToCommits(records []commitRecord) []contentindex.Commit {
	out := make([]contentindex.Commit, len(records))
	for i, r := range records {
		out[i] = contentindex.Commit{SHA: r.SHA, Time: r.Time, AuthorName: r.AuthorName, AuthorLogin: r.AuthorLogin}
	}

	return out
}
