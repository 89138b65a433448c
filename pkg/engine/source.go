package engine

import (
	"context"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
)

// Source supplies pull request material and repository content. Implementations
// report absent files with ErrFileMissing and transient failures with
// ErrContentUnavailable.
type Source interface {
	// Head returns the commit the current state of repo is read at.
	Head(ctx context.Context, repo string) (string, error)
	// FileAt returns the bytes and blob hash of path at commit.
	FileAt(ctx context.Context, repo, commit, path string) ([]byte, string, error)
	// IsAncestor reports whether commit is reachable from head.
	IsAncestor(ctx context.Context, repo, commit, head string) (bool, error)
	// Material returns what ingesting pr at its head commit needs.
	Material(ctx context.Context, pr *domain.PullRequest) (*Material, error)
}

// Material is the raw input of one ingestion.
type Material struct {
	Files   []ingest.FileInput
	Commits []contentindex.Commit
	// Patches maps a path to its per-commit patches in PR order.
	Patches map[string][]ingest.CommitPatch
}

// repoAncestry binds a Source to one repository for the content index.
type repoAncestry struct {
	source Source
	repo   string
}

func (a repoAncestry) IsAncestor(ctx context.Context, commit, head string) (bool, error) {
	return a.source.IsAncestor(ctx, a.repo, commit, head)
}
