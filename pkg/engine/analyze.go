package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
	"github.com/Sumatoshi-tech/linetrace/pkg/matcher"
	"github.com/Sumatoshi-tech/linetrace/pkg/snapshot"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
)

// Reasons a file analysis is left incomplete.
const (
	reasonUnavailable = "unavailable"
	reasonCancelled   = "cancelled"
	reasonFailed      = "failed"
	reasonUnparsable  = "unparsable"
)

// AnalyzePR returns the survival analysis of every file of a pull request against
// the current state of its repository. A pull request not ingested yet is ingested
// first. Files whose content cannot be fetched are reported with AnalysisIncomplete
// instead of failing the whole analysis.
func (e *Engine) AnalyzePR(ctx context.Context, prID int64) (*domain.PRDetailedAnalysis, error) {
	ctx, span := e.tracer.Start(ctx, "engine.AnalyzePR", trace.WithAttributes(
		attribute.Int64("pr.id", prID),
	))
	defer span.End()

	analysis, err := e.analyzePR(ctx, prID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")

		return nil, err
	}

	span.SetAttributes(
		attribute.String("head", analysis.AnalysedHeadSHA),
		attribute.Int("files", len(analysis.Files)),
		attribute.Int("survival_rate", analysis.SurvivalRate),
		attribute.Bool("incomplete", analysis.AnalysisIncomplete),
	)

	return analysis, nil
}

func (e *Engine) analyzePR(ctx context.Context, prID int64) (*domain.PRDetailedAnalysis, error) {
	err := e.requireSource()
	if err != nil {
		return nil, err
	}

	pr, err := e.store.PullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}

	analysis := &domain.PRDetailedAnalysis{PullRequest: *pr, Files: []domain.PRFileDetail{}}

	ing, err := e.latestIngestion(ctx, pr)
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrNoHead) {
		analysis.AnalysisIncomplete = pr.HeadSHA != ""

		return analysis, nil
	}

	if err != nil {
		return nil, err
	}

	scope, err := e.registry.Scope(ctx, pr.RepoFullName)
	if err != nil {
		return nil, err
	}

	head, err := retry(ctx, e, func() (string, error) {
		return e.source.Head(ctx, pr.RepoFullName)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		e.logger.WarnContext(ctx, "repository head unavailable", "repo", pr.RepoFullName, "error", err)

		for _, diff := range ing.Diffs {
			analysis.Files = append(analysis.Files, incompleteDetail(diff, err))
			e.metrics.RecordIncomplete(ctx, reasonUnavailable)
		}

		return summarize(analysis), nil
	}

	analysis.AnalysedHeadSHA = head
	analysis.Files = make([]domain.PRFileDetail, len(ing.Diffs))
	prCtx := prContext(pr, ing)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, diff := range ing.Diffs {
		g.Go(func() error {
			detail, err := e.analyzeFile(gctx, scope, pr.ID, prCtx, head, diff)
			if err != nil {
				return err
			}

			analysis.Files[i] = detail

			return nil
		})
	}

	err = g.Wait()
	if err != nil {
		return nil, err
	}

	summarize(analysis)

	if !analysis.AnalysisIncomplete {
		pr.SurvivingLines = analysis.SurvivingLines

		err = e.store.SaveCounters(ctx, pr)
		if err != nil {
			return nil, err
		}
	}

	e.logger.InfoContext(ctx, "pull request analysed",
		"repo", pr.RepoFullName, "pr", pr.PRNumber, "head", head,
		"survival_rate", analysis.SurvivalRate, "incomplete", analysis.AnalysisIncomplete)

	return analysis, nil
}

// Files returns the per-file survival details of a pull request.
func (e *Engine) Files(ctx context.Context, prID int64) ([]domain.PRFileDetail, error) {
	analysis, err := e.AnalyzePR(ctx, prID)
	if err != nil {
		return nil, err
	}

	return analysis.Files, nil
}

// History returns the change log of a pull request in order.
func (e *Engine) History(ctx context.Context, prID int64) ([]domain.PullRequestChange, error) {
	return e.store.Changes(ctx, prID)
}

// SnapshotHistory returns every stored analysis of one file of a pull request,
// oldest first.
func (e *Engine) SnapshotHistory(ctx context.Context, prID int64, path string) ([]*snapshot.Entry, error) {
	pr, err := e.store.PullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}

	scope, err := e.registry.Scope(ctx, pr.RepoFullName)
	if err != nil {
		return nil, err
	}

	return scope.Snapshots.History(ctx, prID, path)
}

func (e *Engine) latestIngestion(ctx context.Context, pr *domain.PullRequest) (*storage.Ingestion, error) {
	ing, err := e.store.LatestIngestion(ctx, pr.ID)
	if !errors.Is(err, storage.ErrNotFound) || e.source == nil || pr.HeadSHA == "" {
		return ing, err
	}

	_, err = e.Ingest(ctx, pr.RepoFullName, pr.PRNumber)
	if err != nil {
		return nil, err
	}

	return e.store.LatestIngestion(ctx, pr.ID)
}

// analyzeFile resolves the snapshot of one file at head. It fails only when ctx
// is done; every other failure yields an incomplete detail.
func (e *Engine) analyzeFile(
	ctx context.Context,
	scope *Scope,
	prID int64,
	prCtx matcher.PRContext,
	head string,
	diff *ingest.FileDiff,
) (domain.PRFileDetail, error) {
	ctx, span := e.tracer.Start(ctx, "engine.analyzeFile", trace.WithAttributes(
		attribute.String("path", diff.Path),
	))
	defer span.End()

	if diff.ParseError != "" {
		return e.incomplete(ctx, span, diff, errors.New(diff.ParseError), reasonUnparsable), nil
	}

	started := time.Now()

	var (
		current []byte
		blob    string
	)

	if !diff.Binary {
		fetched, err := retry(ctx, e, func() (fileContent, error) {
			data, sha, err := e.source.FileAt(ctx, scope.Repo, head, diff.Path)

			return fileContent{data: data, blob: sha}, err
		})

		switch {
		case errors.Is(err, ErrFileMissing):
		case err != nil:
			if ctx.Err() != nil {
				return domain.PRFileDetail{}, ctx.Err()
			}

			return e.incomplete(ctx, span, diff, err, reasonUnavailable), nil
		default:
			current, blob = fetched.data, fetched.blob
		}
	}

	req := snapshot.Request{
		Key:        snapshot.Key{PRID: prID, Path: diff.Path, HeadSHA: head},
		DiffDigest: diff.Digest(),
		BlobHash:   blob,
	}

	entry, outcome, err := scope.Snapshots.Get(ctx, req, func(cctx context.Context) (domain.PRFileDetail, error) {
		return scope.Matcher.Match(cctx, matcher.Input{
			Diff:    diff,
			Current: current,
			Head:    head,
			PR:      prCtx,
		})
	})
	if err != nil {
		if ctx.Err() != nil {
			return domain.PRFileDetail{}, ctx.Err()
		}

		reason := reasonFailed
		if errors.Is(err, snapshot.ErrCancelled) {
			reason = reasonCancelled
		}

		return e.incomplete(ctx, span, diff, err, reason), nil
	}

	span.SetAttributes(attribute.String("outcome", string(outcome)))
	e.metrics.RecordSnapshot(ctx, string(outcome), time.Since(started))

	return entry.Detail, nil
}

type fileContent struct {
	data []byte
	blob string
}

func (e *Engine) incomplete(ctx context.Context, span trace.Span, diff *ingest.FileDiff, err error, reason string) domain.PRFileDetail {
	span.RecordError(err)
	e.metrics.RecordIncomplete(ctx, reason)
	e.logger.WarnContext(ctx, "file analysis incomplete", "path", diff.Path, "reason", reason, "error", err)

	return incompleteDetail(diff, err)
}

func incompleteDetail(diff *ingest.FileDiff, err error) domain.PRFileDetail {
	detail := domain.PRFileDetail{
		Path:               diff.Path,
		PreviousPath:       diff.PreviousPath,
		Status:             diff.Status,
		Additions:          diff.Additions,
		Deletions:          diff.Deletions,
		Binary:             diff.Binary,
		Truncated:          diff.Truncated,
		AnalysisIncomplete: true,
		Error:              err.Error(),
		Lines:              []domain.LineDetail{},
	}

	if diff.Binary {
		detail.Additions, detail.Deletions = 0, 0
	}

	return detail
}

// summarize fills the pull request level counters from the file details.
func summarize(analysis *domain.PRDetailedAnalysis) *domain.PRDetailedAnalysis {
	var additions, deletions, surviving int

	for _, f := range analysis.Files {
		additions += f.Additions
		deletions += f.Deletions
		surviving += f.SurvivingLines

		if f.AnalysisIncomplete {
			analysis.AnalysisIncomplete = true
		}
	}

	analysis.Additions = additions
	analysis.Deletions = deletions
	analysis.ChangedFiles = len(analysis.Files)
	analysis.SurvivingLines = surviving
	analysis.SurvivalRate = domain.SurvivalRate(surviving, additions)

	return analysis
}

// prContext carries the pull request's URLs and commit authors into the matcher.
func prContext(pr *domain.PullRequest, ing *storage.Ingestion) matcher.PRContext {
	authors := make(map[string]matcher.Author, len(ing.Commits))
	for _, c := range ing.Commits {
		authors[c.SHA] = matcher.Author{FullName: c.AuthorName, Login: c.AuthorLogin}
	}

	def := matcher.Author{Login: pr.Author}
	if a, ok := authors[ing.HeadSHA]; ok {
		def = a
		if def.Login == "" {
			def.Login = pr.Author
		}
	}

	return matcher.PRContext{
		Number:  pr.PRNumber,
		URL:     pr.URL,
		RepoURL: repoURL(pr),
		Authors: authors,
		Default: def,
	}
}

// repoURL derives the repository URL from the pull request URL.
func repoURL(pr *domain.PullRequest) string {
	base, _, ok := strings.Cut(pr.URL, "/pull/")
	if !ok {
		return ""
	}

	return base
}

// Freshness tells whether the stored analysis of a pull request matches the
// current state of its repository.
type Freshness struct {
	PRID    int64    `json:"prId"`
	HeadSHA string   `json:"headSha"`
	Fresh   bool     `json:"fresh"`
	Stale   []string `json:"stale,omitempty"`
}

// Fresh checks, without computing anything, whether every file of a pull request
// has a stored analysis for the current repository head.
func (e *Engine) Fresh(ctx context.Context, prID int64) (*Freshness, error) {
	err := e.requireSource()
	if err != nil {
		return nil, err
	}

	pr, err := e.store.PullRequest(ctx, prID)
	if err != nil {
		return nil, err
	}

	ing, err := e.store.LatestIngestion(ctx, prID)
	if errors.Is(err, storage.ErrNotFound) {
		return &Freshness{PRID: prID}, nil
	}

	if err != nil {
		return nil, err
	}

	scope, err := e.registry.Scope(ctx, pr.RepoFullName)
	if err != nil {
		return nil, err
	}

	head, err := retry(ctx, e, func() (string, error) {
		return e.source.Head(ctx, pr.RepoFullName)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve head of %s: %w", pr.RepoFullName, err)
	}

	out := &Freshness{PRID: prID, HeadSHA: head, Fresh: true}

	for _, diff := range ing.Diffs {
		req := snapshot.Request{
			Key:        snapshot.Key{PRID: prID, Path: diff.Path, HeadSHA: head},
			DiffDigest: diff.Digest(),
		}

		if !diff.Binary {
			fetched, err := retry(ctx, e, func() (fileContent, error) {
				_, sha, err := e.source.FileAt(ctx, pr.RepoFullName, head, diff.Path)

				return fileContent{blob: sha}, err
			})
			if err != nil && !errors.Is(err, ErrFileMissing) {
				return nil, err
			}

			req.BlobHash = fetched.blob
		}

		fresh, err := scope.Snapshots.Fresh(ctx, req)
		if err != nil {
			return nil, err
		}

		if !fresh {
			out.Fresh = false
			out.Stale = append(out.Stale, diff.Path)
		}
	}

	return out, nil
}
