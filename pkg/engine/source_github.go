package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/githubsync"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
)

// GitHubSource reads pull requests and repository state through the GitHub API.
type GitHubSource struct {
	client *githubsync.Client
	branch string
}

// NewGitHubSource creates a source reading the current state from branch, or
// from each repository's default branch when branch is empty.
func NewGitHubSource(client *githubsync.Client, branch string) *GitHubSource {
	return &GitHubSource{client: client, branch: branch}
}

// Head implements Source.
func (s *GitHubSource) Head(ctx context.Context, repo string) (string, error) {
	head, err := s.client.BranchHead(ctx, repo, s.branch)
	if err != nil {
		return "", fromGitHub(err)
	}

	return head, nil
}

// FileAt implements Source.
func (s *GitHubSource) FileAt(ctx context.Context, repo, commit, path string) ([]byte, string, error) {
	data, sha, err := s.client.Contents(ctx, repo, path, commit)
	if err != nil {
		return nil, "", fromGitHub(err)
	}

	return data, sha, nil
}

// IsAncestor implements Source.
func (s *GitHubSource) IsAncestor(ctx context.Context, repo, commit, head string) (bool, error) {
	ok, err := s.client.IsAncestor(ctx, repo, commit, head)
	if err != nil {
		return false, fromGitHub(err)
	}

	return ok, nil
}

// Material implements Source. Files GitHub returns without a patch (large or
// binary ones) get their blobs fetched so they can be diffed or classified. A
// rename without a patch is only fetched when GitHub reports changed lines; its
// base blob is read from the previous path.
func (s *GitHubSource) Material(ctx context.Context, pr *domain.PullRequest) (*Material, error) {
	repo := pr.RepoFullName

	files, err := s.client.Files(ctx, repo, pr.PRNumber)
	if err != nil {
		return nil, fromGitHub(err)
	}

	for i := range files {
		f := &files[i]
		f.HeadCommitSHA = pr.HeadSHA

		if f.Patch != "" || (f.Status == domain.FileRenamed && f.Changes == 0) {
			continue
		}

		if f.Status != domain.FileRemoved {
			f.HeadContent, err = s.optionalBlob(ctx, repo, pr.HeadSHA, f.Path)
			if err != nil {
				return nil, err
			}
		}

		if f.Status != domain.FileAdded && pr.BaseSHA != "" {
			basePath := f.Path
			if f.PreviousPath != "" {
				basePath = f.PreviousPath
			}

			f.BaseContent, err = s.optionalBlob(ctx, repo, pr.BaseSHA, basePath)
			if err != nil {
				return nil, err
			}
		}
	}

	commits, err := s.client.Commits(ctx, repo, pr.PRNumber)
	if err != nil {
		return nil, fromGitHub(err)
	}

	touched := make(map[string]struct{}, len(files))
	for _, f := range files {
		touched[f.Path] = struct{}{}
	}

	patches := make(map[string][]ingest.CommitPatch, len(files))

	for _, c := range commits {
		perFile, err := s.client.CommitPatches(ctx, repo, c.SHA)
		if err != nil {
			return nil, fromGitHub(err)
		}

		for path, patch := range perFile {
			if _, ok := touched[path]; ok && patch != "" {
				patches[path] = append(patches[path], ingest.CommitPatch{SHA: c.SHA, Patch: patch})
			}
		}
	}

	return &Material{Files: files, Commits: commits, Patches: patches}, nil
}

func (s *GitHubSource) optionalBlob(ctx context.Context, repo, ref, path string) ([]byte, error) {
	data, _, err := s.FileAt(ctx, repo, ref, path)
	if errors.Is(err, ErrFileMissing) {
		return nil, nil
	}

	return data, err
}

func fromGitHub(err error) error {
	switch {
	case errors.Is(err, githubsync.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrContentUnavailable, err)
	case errors.Is(err, githubsync.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrFileMissing, err)
	default:
		return err
	}
}
