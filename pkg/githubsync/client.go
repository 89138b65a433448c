// Package githubsync fetches pull request material from the GitHub REST API and
// decodes pull_request webhook deliveries into lifecycle events.
package githubsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v61/github"
	"golang.org/x/oauth2"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
)

const (
	userAgent = "linetrace/1"
	pageSize  = 100
)

// Sentinel errors.
var (
	// ErrNotFound means the object does not exist (a file removed at the ref, an unknown PR).
	ErrNotFound = errors.New("github object not found")
	// ErrUnavailable marks transient failures (rate limits, 5xx, transport) worth retrying.
	ErrUnavailable = errors.New("github temporarily unavailable")
	// ErrBadRepo is returned for repository names that are not "owner/name".
	ErrBadRepo = errors.New("repository must be owner/name")
)

// Client wraps a go-github client.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// Option configures a Client.
type Option func(*Client) error

// WithBaseURL points the client at a GitHub Enterprise or test server.
func WithBaseURL(raw string) Option {
	return func(c *Client) error {
		if raw == "" {
			return nil
		}

		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}

		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse github base url: %w", err)
		}

		c.gh.BaseURL = u

		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) error {
		if l != nil {
			c.logger = l
		}

		return nil
	}
}

// NewClient creates a client, authenticated when token is set.
func NewClient(ctx context.Context, token string, opts ...Option) (*Client, error) {
	var httpClient *http.Client

	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient = oauth2.NewClient(ctx, ts)
	}

	gh := github.NewClient(httpClient)
	gh.UserAgent = userAgent

	c := &Client{gh: gh, logger: slog.Default()}

	for _, opt := range opts {
		err := opt(c)
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

// PullRequest is the metadata of a pull request as GitHub reports it.
type PullRequest struct {
	Repo      string
	Number    int
	Title     string
	URL       string
	Author    string
	State     domain.PRState
	BaseSHA   string
	HeadSHA   string
	MergedBy  string
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  time.Time
	MergedAt  time.Time
}

// Domain converts the metadata to the tracked pull request shape.
func (p *PullRequest) Domain() domain.PullRequest {
	return domain.PullRequest{
		PRNumber:     p.Number,
		URL:          p.URL,
		Title:        p.Title,
		State:        p.State,
		Merged:       p.State == domain.PRStateMerged,
		Author:       p.Author,
		RepoFullName: p.Repo,
		BaseSHA:      p.BaseSHA,
		HeadSHA:      p.HeadSHA,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func fromGitHub(repo string, pr *github.PullRequest) *PullRequest {
	out := &PullRequest{
		Repo:      repo,
		Number:    pr.GetNumber(),
		Title:     pr.GetTitle(),
		URL:       pr.GetHTMLURL(),
		Author:    pr.GetUser().GetLogin(),
		State:     domain.PRStateOpen,
		BaseSHA:   pr.GetBase().GetSHA(),
		HeadSHA:   pr.GetHead().GetSHA(),
		MergedBy:  pr.GetMergedBy().GetLogin(),
		CreatedAt: pr.GetCreatedAt().Time,
		UpdatedAt: pr.GetUpdatedAt().Time,
		ClosedAt:  pr.GetClosedAt().Time,
		MergedAt:  pr.GetMergedAt().Time,
	}

	switch {
	case pr.GetMerged() || !out.MergedAt.IsZero():
		out.State = domain.PRStateMerged
	case pr.GetState() == "closed":
		out.State = domain.PRStateClosed
	}

	return out
}

// PullRequest fetches a pull request.
func (c *Client) PullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	pr, resp, err := c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, classify(resp, err, fmt.Sprintf("pull request %s#%d", repo, number))
	}

	return fromGitHub(repo, pr), nil
}

// Files lists the files of a pull request as ingestion inputs. Blobs are not
// fetched; Patch is empty for files GitHub considers too large to diff, in which
// case Changes still carries the changed-line count.
func (c *Client) Files(ctx context.Context, repo string, number int) ([]ingest.FileInput, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opt := &github.ListOptions{PerPage: pageSize}

	var files []ingest.FileInput

	for {
		page, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, name, number, opt)
		if err != nil {
			return nil, classify(resp, err, fmt.Sprintf("files of %s#%d", repo, number))
		}

		for _, f := range page {
			files = append(files, ingest.FileInput{
				Path:         f.GetFilename(),
				PreviousPath: f.GetPreviousFilename(),
				Status:       fileStatus(f.GetStatus()),
				Patch:        f.GetPatch(),
				Changes:      f.GetChanges(),
			})
		}

		if resp.NextPage == 0 {
			return files, nil
		}

		opt.Page = resp.NextPage
	}
}

func fileStatus(s string) domain.FileStatus {
	switch s {
	case "added":
		return domain.FileAdded
	case "removed":
		return domain.FileRemoved
	case "renamed":
		return domain.FileRenamed
	default:
		return domain.FileModified
	}
}

// Commits lists the commits of a pull request in PR order.
func (c *Client) Commits(ctx context.Context, repo string, number int) ([]contentindex.Commit, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opt := &github.ListOptions{PerPage: pageSize}

	var commits []contentindex.Commit

	for {
		page, resp, err := c.gh.PullRequests.ListCommits(ctx, owner, name, number, opt)
		if err != nil {
			return nil, classify(resp, err, fmt.Sprintf("commits of %s#%d", repo, number))
		}

		for _, rc := range page {
			commits = append(commits, contentindex.Commit{
				SHA:         rc.GetSHA(),
				Time:        rc.GetCommit().GetAuthor().GetDate().Time,
				AuthorName:  rc.GetCommit().GetAuthor().GetName(),
				AuthorLogin: rc.GetAuthor().GetLogin(),
			})
		}

		if resp.NextPage == 0 {
			return commits, nil
		}

		opt.Page = resp.NextPage
	}
}

// CommitPatches returns the per-file patches of one commit keyed by path.
func (c *Client) CommitPatches(ctx context.Context, repo, sha string) (map[string]string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opt := &github.ListOptions{PerPage: pageSize}
	patches := make(map[string]string)

	for {
		rc, resp, err := c.gh.Repositories.GetCommit(ctx, owner, name, sha, opt)
		if err != nil {
			return nil, classify(resp, err, fmt.Sprintf("commit %s of %s", sha, repo))
		}

		for _, f := range rc.Files {
			patches[f.GetFilename()] = f.GetPatch()
		}

		if resp.NextPage == 0 {
			return patches, nil
		}

		opt.Page = resp.NextPage
	}
}

// Contents returns a file's bytes and blob sha at ref. ErrNotFound is returned
// when the file does not exist there.
func (c *Client) Contents(ctx context.Context, repo, path, ref string) ([]byte, string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, "", err
	}

	file, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, name, path,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, "", classify(resp, err, fmt.Sprintf("%s@%s", path, ref))
	}

	if file == nil {
		return nil, "", fmt.Errorf("%s@%s is a directory: %w", path, ref, ErrNotFound)
	}

	// Files over 1MB come back without inline content.
	if file.GetEncoding() == "none" || (file.Content == nil && file.GetSize() > 0) {
		data, resp, err := c.gh.Git.GetBlobRaw(ctx, owner, name, file.GetSHA())
		if err != nil {
			return nil, "", classify(resp, err, fmt.Sprintf("blob %s", file.GetSHA()))
		}

		return data, file.GetSHA(), nil
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, "", fmt.Errorf("decode %s@%s: %w", path, ref, err)
	}

	return []byte(content), file.GetSHA(), nil
}

// BranchHead returns the tip commit of branch, or of the default branch when
// branch is empty.
func (c *Client) BranchHead(ctx context.Context, repo, branch string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	if branch == "" {
		r, resp, err := c.gh.Repositories.Get(ctx, owner, name)
		if err != nil {
			return "", classify(resp, err, "repository "+repo)
		}

		branch = r.GetDefaultBranch()
	}

	b, resp, err := c.gh.Repositories.GetBranch(ctx, owner, name, branch, 1)
	if err != nil {
		return "", classify(resp, err, fmt.Sprintf("branch %s of %s", branch, repo))
	}

	return b.GetCommit().GetSHA(), nil
}

// IsAncestor reports whether commit is reachable from head. Commits GitHub does
// not know are reported as unreachable.
func (c *Client) IsAncestor(ctx context.Context, repo, commit, head string) (bool, error) {
	if commit == head {
		return true, nil
	}

	owner, name, err := splitRepo(repo)
	if err != nil {
		return false, err
	}

	cmp, resp, err := c.gh.Repositories.CompareCommits(ctx, owner, name, commit, head,
		&github.ListOptions{PerPage: 1})
	if err != nil {
		err = classify(resp, err, fmt.Sprintf("compare %s...%s", commit, head))
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		return false, err
	}

	switch cmp.GetStatus() {
	case "ahead", "identical":
		return true, nil
	default:
		return false, nil
	}
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrBadRepo, repo)
	}

	return owner, name, nil
}

// classify maps go-github failures onto ErrNotFound and ErrUnavailable.
func classify(resp *github.Response, err error, what string) error {
	var (
		rateErr  *github.RateLimitError
		abuseErr *github.AbuseRateLimitError
	)

	if errors.As(err, &rateErr) || errors.As(err, &abuseErr) {
		return fmt.Errorf("%s: %w: %w", what, ErrUnavailable, err)
	}

	if resp != nil && resp.Response != nil {
		switch code := resp.StatusCode; {
		case code == http.StatusNotFound || code == http.StatusGone:
			return fmt.Errorf("%s: %w", what, ErrNotFound)
		case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
			return fmt.Errorf("%s: %w: %w", what, ErrUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", what, err)
		}
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", what, err)
	}

	return fmt.Errorf("%s: %w: %w", what, ErrUnavailable, err)
}
