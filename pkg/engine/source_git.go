package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/gitlib"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
)

// GitSource reads pull requests and repository state from a local clone. Every
// repository name resolves to the same clone.
type GitSource struct {
	repo *gitlib.Repository
	rev  string
}

// NewGitSource creates a source reading the current state at rev ("HEAD" when empty).
func NewGitSource(repo *gitlib.Repository, rev string) *GitSource {
	if rev == "" {
		rev = "HEAD"
	}

	return &GitSource{repo: repo, rev: rev}
}

// Head implements Source.
func (s *GitSource) Head(_ context.Context, _ string) (string, error) {
	h, err := s.repo.Resolve(s.rev)
	if err != nil {
		return "", err
	}

	return h.String(), nil
}

// FileAt implements Source.
func (s *GitSource) FileAt(ctx context.Context, _, commit, path string) ([]byte, string, error) {
	h, err := gitlib.ParseHash(commit)
	if err != nil {
		return nil, "", err
	}

	data, blob, err := s.repo.FileAt(ctx, h, path)
	if errors.Is(err, gitlib.ErrFileNotFound) {
		return nil, "", fmt.Errorf("%s@%s: %w", path, commit, ErrFileMissing)
	}

	if err != nil {
		return nil, "", err
	}

	return data, blob.String(), nil
}

// IsAncestor implements Source.
func (s *GitSource) IsAncestor(ctx context.Context, _, commit, head string) (bool, error) {
	return s.repo.IsAncestor(ctx, commit, head)
}

// Material implements Source. The pull request diff is taken from the merge base
// of its base and head commits.
func (s *GitSource) Material(ctx context.Context, pr *domain.PullRequest) (*Material, error) {
	head, err := gitlib.ParseHash(pr.HeadSHA)
	if err != nil {
		return nil, fmt.Errorf("head of #%d: %w", pr.PRNumber, err)
	}

	var from gitlib.Hash

	if pr.BaseSHA != "" {
		base, err := gitlib.ParseHash(pr.BaseSHA)
		if err != nil {
			return nil, fmt.Errorf("base of #%d: %w", pr.PRNumber, err)
		}

		from, err = s.repo.MergeBase(base, head)
		if err != nil {
			return nil, err
		}
	}

	changes, err := s.repo.Changes(ctx, from, head)
	if err != nil {
		return nil, err
	}

	files := make([]ingest.FileInput, 0, len(changes))
	for _, c := range changes {
		files = append(files, ingest.FileInput{
			Path:          c.Path,
			PreviousPath:  c.PreviousPath,
			Status:        domain.FileStatus(c.Status),
			Patch:         c.Patch,
			BaseContent:   c.OldContent,
			HeadContent:   c.NewContent,
			Binary:        c.Binary,
			HeadCommitSHA: pr.HeadSHA,
		})
	}

	infos, err := s.repo.Commits(ctx, from, head)
	if err != nil {
		return nil, err
	}

	commits := make([]contentindex.Commit, 0, len(infos))
	patches := make(map[string][]ingest.CommitPatch, len(files))

	for _, info := range infos {
		commits = append(commits, contentindex.Commit{
			SHA:        info.Hash.String(),
			Time:       info.Author.When,
			AuthorName: info.Author.Name,
		})

		perFile, err := s.repo.CommitPatches(ctx, info.Hash)
		if err != nil {
			return nil, err
		}

		for path, patch := range perFile {
			patches[path] = append(patches[path], ingest.CommitPatch{SHA: info.Hash.String(), Patch: patch})
		}
	}

	return &Material{Files: files, Commits: commits, Patches: patches}, nil
}
