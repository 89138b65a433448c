package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
)

// Ingestion results recorded per file.
const (
	resultIngested   = "ingested"
	resultBinary     = "binary"
	resultParseError = "parse_error"
)

// IngestResult summarizes one ingestion.
type IngestResult struct {
	PullRequest *domain.PullRequest
	HeadSHA     string
	Files       int
	// Skipped lists files whose patch could not be parsed. They are stored without
	// line operations and analysed as incomplete.
	Skipped []string
	// Duplicate is set when the head commit had already been ingested.
	Duplicate bool
}

// Ingest fetches the diff of a tracked pull request at its head commit, stores it
// and adds its lines to the repository's content index. Ingesting the same head
// twice is a no-op.
func (e *Engine) Ingest(ctx context.Context, repo string, number int) (*IngestResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Ingest", trace.WithAttributes(
		attribute.String("repo", repo),
		attribute.Int("pr.number", number),
	))
	defer span.End()

	res, err := e.ingest(ctx, repo, number)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingestion failed")

		return nil, err
	}

	span.SetAttributes(
		attribute.Int("files", res.Files),
		attribute.Bool("duplicate", res.Duplicate),
	)

	return res, nil
}

func (e *Engine) ingest(ctx context.Context, repo string, number int) (*IngestResult, error) {
	err := e.requireSource()
	if err != nil {
		return nil, err
	}

	pr, err := e.store.PullRequestByNumber(ctx, repo, number)
	if err != nil {
		return nil, err
	}

	if pr.HeadSHA == "" {
		return nil, fmt.Errorf("%s#%d: %w", repo, number, ErrNoHead)
	}

	res := &IngestResult{PullRequest: pr, HeadSHA: pr.HeadSHA}

	_, err = e.store.Ingestion(ctx, pr.ID, pr.HeadSHA)
	switch {
	case err == nil:
		res.Duplicate = true

		return res, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	material, err := retry(ctx, e, func() (*Material, error) {
		return e.source.Material(ctx, pr)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s#%d: %w", repo, number, err)
	}

	diffs := make([]*ingest.FileDiff, 0, len(material.Files))

	for _, input := range material.Files {
		if input.HeadCommitSHA == "" {
			input.HeadCommitSHA = pr.HeadSHA
		}

		diff, err := e.ingestor.Ingest(input)

		switch {
		case errors.Is(err, ingest.ErrBinary):
			e.metrics.RecordIngestedFile(ctx, resultBinary)
		case err != nil:
			e.logger.WarnContext(ctx, "unparsable file stored without lines",
				"repo", repo, "pr", number, "path", input.Path, "error", err)
			e.metrics.RecordIngestedFile(ctx, resultParseError)

			res.Skipped = append(res.Skipped, input.Path)
			diffs = append(diffs, diff)

			continue
		default:
			e.metrics.RecordIngestedFile(ctx, resultIngested)
		}

		err = ingest.AttributeCommits(diff, material.Patches[input.Path])
		if err != nil {
			e.logger.DebugContext(ctx, "commit attribution incomplete",
				"path", input.Path, "error", err)
		}

		diffs = append(diffs, diff)
	}

	_, err = e.store.SaveIngestion(ctx, &storage.Ingestion{
		Repo:    repo,
		PRID:    pr.ID,
		HeadSHA: pr.HeadSHA,
		Commits: material.Commits,
		Diffs:   diffs,
	})
	if err != nil {
		return nil, err
	}

	scope, err := e.registry.Scope(ctx, repo)
	if err != nil {
		return nil, err
	}

	intro := introduction(pr, material.Commits)
	for _, diff := range diffs {
		scope.Index.Record(intro, diff)
	}

	pr.Additions, pr.Deletions, pr.ChangedFiles = 0, 0, len(diffs)

	for _, diff := range diffs {
		if !diff.Binary {
			pr.Additions += diff.Additions
			pr.Deletions += diff.Deletions
		}
	}

	err = e.store.SaveCounters(ctx, pr)
	if err != nil {
		return nil, err
	}

	res.Files = len(diffs)

	e.logger.InfoContext(ctx, "pull request ingested",
		"repo", repo, "pr", number, "head", pr.HeadSHA,
		"files", len(diffs), "skipped", len(res.Skipped), "index_lines", scope.Index.Len())

	if e.eager {
		_, err = e.AnalyzePR(ctx, pr.ID)
		if err != nil {
			e.logger.WarnContext(ctx, "eager analysis failed", "repo", repo, "pr", number, "error", err)
		}
	}

	return res, nil
}

// loadIndex replays every stored ingestion of repo into a fresh index.
func (e *Engine) loadIndex(ctx context.Context, repo string, ix *contentindex.Index) error {
	prs := make(map[int64]*domain.PullRequest)

	err := e.store.EachIngestion(ctx, repo, func(in *storage.Ingestion) error {
		pr, ok := prs[in.PRID]
		if !ok {
			var err error

			pr, err = e.store.PullRequest(ctx, in.PRID)
			if err != nil {
				return err
			}

			prs[in.PRID] = pr
		}

		headed := *pr
		headed.HeadSHA = in.HeadSHA

		intro := introduction(&headed, in.Commits)
		for _, diff := range in.Diffs {
			ix.Record(intro, diff)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("load content index of %s: %w", repo, err)
	}

	return nil
}

// introduction describes who introduced the lines of pr's diff. Lines whose
// commit is unknown fall back to the head commit and the PR author.
func introduction(pr *domain.PullRequest, commits []contentindex.Commit) contentindex.Introduction {
	byHash := make(map[string]contentindex.Commit, len(commits))
	for _, c := range commits {
		byHash[c.SHA] = c
	}

	head, ok := byHash[pr.HeadSHA]
	if !ok {
		head = contentindex.Commit{SHA: pr.HeadSHA, Time: pr.UpdatedAt}
	}

	if head.AuthorLogin == "" && head.AuthorName == "" {
		head.AuthorLogin = pr.Author
	}

	return contentindex.Introduction{
		PRNumber: pr.PRNumber,
		PRURL:    pr.URL,
		Commits:  byHash,
		Head:     head,
	}
}
