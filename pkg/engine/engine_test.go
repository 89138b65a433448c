package engine_test

import (
	"context"
	"crypto/sha1" //nolint:gosec // blob ids, not security.
	"encoding/hex"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/engine"
	"github.com/Sumatoshi-tech/linetrace/pkg/githubsync"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
	"github.com/Sumatoshi-tech/linetrace/pkg/pullrequest"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
)

const repo = "acme/app"

var opened = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

// fakeSource serves canned pull request material and a mutable repository head.
type fakeSource struct {
	mu          sync.Mutex
	head        string
	files       map[string]string
	material    map[int]*engine.Material
	unavailable bool

	fileCalls     atomic.Int64
	materialCalls atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		head:     "main1",
		files:    map[string]string{},
		material: map[int]*engine.Material{},
	}
}

func (f *fakeSource) setHead(head string, files map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.head = head
	f.files = files
}

func (f *fakeSource) Head(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.head, nil
}

func (f *fakeSource) FileAt(_ context.Context, _, _, path string) ([]byte, string, error) {
	f.fileCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.unavailable {
		return nil, "", engine.ErrContentUnavailable
	}

	content, ok := f.files[path]
	if !ok {
		return nil, "", engine.ErrFileMissing
	}

	sum := sha1.Sum([]byte(content)) //nolint:gosec // blob ids, not security.

	return []byte(content), hex.EncodeToString(sum[:]), nil
}

func (f *fakeSource) IsAncestor(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (f *fakeSource) Material(_ context.Context, pr *domain.PullRequest) (*engine.Material, error) {
	f.materialCalls.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.material[pr.PRNumber]
	if !ok {
		return nil, errors.New("no material")
	}

	return m, nil
}

func addedFile(number int, head, author, path, patch string, at time.Time) *engine.Material {
	return &engine.Material{
		Files: []ingest.FileInput{{Path: path, Status: domain.FileAdded, Patch: patch, HeadCommitSHA: head}},
		Commits: []contentindex.Commit{
			{SHA: head, Time: at, AuthorName: author, AuthorLogin: loginOf(author)},
		},
		Patches: map[string][]ingest.CommitPatch{
			path: {{SHA: head, Patch: patch}},
		},
	}
}

func loginOf(author string) string {
	switch author {
	case "Ada Lovelace":
		return "ada"
	case "Grace Hopper":
		return "grace"
	}

	return ""
}

const calcPatch = "@@ -0,0 +1,3 @@\n+package calc\n+func Add() {}\n+func Sub() {}\n"

func newEngine(t *testing.T, src *fakeSource, opts ...engine.Option) *engine.Engine {
	t.Helper()

	store, err := storage.Open(storage.MemoryDSN)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return engine.New(store, append([]engine.Option{engine.WithSource(src)}, opts...)...)
}

func openPR(t *testing.T, e *engine.Engine, number int, head, author string, at time.Time) *domain.PullRequest {
	t.Helper()

	pr, err := e.ApplyEvent(context.Background(), repo, number, pullrequest.Event{
		Type:  domain.ChangeOpened,
		Actor: loginOf(author),
		At:    at,
		Payload: map[string]string{
			pullrequest.PayloadHeadSHA: head,
			pullrequest.PayloadBaseSHA: "base",
			pullrequest.PayloadTitle:   "calc",
		},
	}, &domain.PullRequest{URL: "https://github.com/acme/app/pull/" + strconv.Itoa(number)})
	require.NoError(t, err)

	return pr
}

func TestAnalyzeIngestsAndCountsSurvivors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()
	src.material[1] = addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)
	src.files["calc.go"] = "package calc\nfunc Add() {}\n"

	e := newEngine(t, src)
	pr := openPR(t, e, 1, "h1", "Ada Lovelace", opened)

	analysis, err := e.AnalyzePR(ctx, pr.ID)
	require.NoError(t, err)

	assert.False(t, analysis.AnalysisIncomplete)
	assert.Equal(t, "main1", analysis.AnalysedHeadSHA)
	assert.Equal(t, 3, analysis.Additions)
	assert.Equal(t, 2, analysis.SurvivingLines)
	assert.Equal(t, 67, analysis.SurvivalRate)
	require.Len(t, analysis.Files, 1)

	lines := analysis.Files[0].Lines
	require.Len(t, lines, 3)
	assert.Equal(t, domain.LineSurviving, lines[0].Status)
	assert.Equal(t, domain.LineSurviving, lines[1].Status)
	assert.Equal(t, domain.LineDeleted, lines[2].Status)
	assert.Nil(t, lines[2].LineNumber)
	assert.Equal(t, "ada", lines[0].AuthorGithubUsername)
	assert.Equal(t, "https://github.com/acme/app/commit/h1", lines[0].CommitURL)

	stored, err := e.Store().PullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Additions)
	assert.Equal(t, 2, stored.SurvivingLines)
	assert.Equal(t, 1, stored.ChangedFiles)
}

func TestIngestIsIdempotentPerHead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()
	src.material[1] = addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)

	e := newEngine(t, src)
	openPR(t, e, 1, "h1", "Ada Lovelace", opened)

	first, err := e.Ingest(ctx, repo, 1)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 1, first.Files)

	second, err := e.Ingest(ctx, repo, 1)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, int64(1), src.materialCalls.Load())

	scope, ok := e.Registry().Lookup(repo)
	require.True(t, ok)
	assert.Equal(t, 3, scope.Index.Len())
}

func TestRepeatedAnalysisIsServedFromSnapshots(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()
	src.material[1] = addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)
	src.files["calc.go"] = "package calc\nfunc Add() {}\n"

	e := newEngine(t, src)
	pr := openPR(t, e, 1, "h1", "Ada Lovelace", opened)

	first, err := e.AnalyzePR(ctx, pr.ID)
	require.NoError(t, err)

	second, err := e.AnalyzePR(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Files, second.Files)

	scope, ok := e.Registry().Lookup(repo)
	require.True(t, ok)

	stats := scope.Snapshots.Stats()
	assert.Equal(t, int64(1), stats.Recomputes)
	assert.Equal(t, int64(1), stats.HotHits)
	assert.Equal(t, int64(1), stats.HotMisses)
}

func TestUnavailableContentLeavesAnalysisIncomplete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()
	src.material[1] = addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)
	src.unavailable = true

	e := newEngine(t, src, engine.WithRetry(3, time.Millisecond))
	pr := openPR(t, e, 1, "h1", "Ada Lovelace", opened)

	analysis, err := e.AnalyzePR(ctx, pr.ID)
	require.NoError(t, err)

	assert.True(t, analysis.AnalysisIncomplete)
	require.Len(t, analysis.Files, 1)
	assert.True(t, analysis.Files[0].AnalysisIncomplete)
	assert.Contains(t, analysis.Files[0].Error, engine.ErrContentUnavailable.Error())
	assert.Equal(t, 3, analysis.Files[0].Additions)
	assert.Empty(t, analysis.Files[0].Lines)
	assert.Equal(t, int64(3), src.fileCalls.Load())

	stored, err := e.Store().PullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.SurvivingLines)
}

func TestUnparsablePatchKeepsFileIncomplete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()

	material := addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)
	material.Files = append(material.Files, ingest.FileInput{
		Path: "broken.go", Status: domain.FileModified, Patch: "@@ -1,2 +1,5 @@\n+x\n", HeadCommitSHA: "h1",
	})
	src.material[1] = material
	src.files["calc.go"] = "package calc\nfunc Add() {}\nfunc Sub() {}\n"
	src.files["broken.go"] = "x\n"

	e := newEngine(t, src)
	pr := openPR(t, e, 1, "h1", "Ada Lovelace", opened)

	res, err := e.Ingest(ctx, repo, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Files)
	assert.Equal(t, []string{"broken.go"}, res.Skipped)

	analysis, err := e.AnalyzePR(ctx, pr.ID)
	require.NoError(t, err)

	assert.True(t, analysis.AnalysisIncomplete)
	assert.Equal(t, 2, analysis.ChangedFiles)
	require.Len(t, analysis.Files, 2)

	assert.False(t, analysis.Files[0].AnalysisIncomplete)
	assert.Equal(t, 3, analysis.Files[0].SurvivingLines)

	broken := analysis.Files[1]
	assert.Equal(t, "broken.go", broken.Path)
	assert.Equal(t, domain.FileModified, broken.Status)
	assert.True(t, broken.AnalysisIncomplete)
	assert.Contains(t, broken.Error, ingest.ErrParse.Error())
	assert.Empty(t, broken.Lines)

	stored, err := e.Store().PullRequest(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.ChangedFiles)
	assert.Zero(t, stored.SurvivingLines)
}

func TestFreshnessFollowsRepositoryHead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()
	src.material[1] = addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)
	src.files["calc.go"] = "package calc\nfunc Add() {}\n"

	e := newEngine(t, src)
	pr := openPR(t, e, 1, "h1", "Ada Lovelace", opened)

	before, err := e.Fresh(ctx, pr.ID)
	require.NoError(t, err)
	assert.False(t, before.Fresh)

	_, err = e.Ingest(ctx, repo, 1)
	require.NoError(t, err)

	ingested, err := e.Fresh(ctx, pr.ID)
	require.NoError(t, err)
	assert.False(t, ingested.Fresh)
	assert.Equal(t, []string{"calc.go"}, ingested.Stale)

	_, err = e.AnalyzePR(ctx, pr.ID)
	require.NoError(t, err)

	analysed, err := e.Fresh(ctx, pr.ID)
	require.NoError(t, err)
	assert.True(t, analysed.Fresh)
	assert.Equal(t, "main1", analysed.HeadSHA)

	src.setHead("main2", map[string]string{"calc.go": "package calc\n"})

	moved, err := e.Fresh(ctx, pr.ID)
	require.NoError(t, err)
	assert.False(t, moved.Fresh)
	assert.Equal(t, "main2", moved.HeadSHA)
}

func TestLinesFromEarlierPullRequestKeepTheirOrigin(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()
	src.material[1] = addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)
	src.material[2] = &engine.Material{
		Files: []ingest.FileInput{{
			Path:   "calc.go",
			Status: domain.FileModified,
			Patch:  "@@ -1,2 +1,3 @@\n package calc\n func Add() {}\n+func Mul() {}\n",
		}},
		Commits: []contentindex.Commit{
			{SHA: "h2", Time: opened.Add(2 * time.Hour), AuthorName: "Grace Hopper", AuthorLogin: "grace"},
		},
	}
	src.files["calc.go"] = "package calc\nfunc Add() {}\nfunc Mul() {}\n"

	e := newEngine(t, src)
	openPR(t, e, 1, "h1", "Ada Lovelace", opened)
	second := openPR(t, e, 2, "h2", "Grace Hopper", opened.Add(time.Hour))

	_, err := e.Ingest(ctx, repo, 1)
	require.NoError(t, err)

	analysis, err := e.AnalyzePR(ctx, second.ID)
	require.NoError(t, err)

	require.Len(t, analysis.Files, 1)
	assert.Equal(t, 1, analysis.Additions)
	assert.Equal(t, 1, analysis.SurvivingLines)
	assert.Equal(t, 100, analysis.SurvivalRate)

	lines := analysis.Files[0].Lines
	require.Len(t, lines, 3)

	assert.Empty(t, lines[0].Status)
	assert.Equal(t, 1, lines[0].OriginPRNumber)
	assert.Equal(t, "ada", lines[0].AuthorGithubUsername)

	assert.Equal(t, domain.LineSurviving, lines[2].Status)
	assert.Equal(t, 2, lines[2].OriginPRNumber)
	assert.Equal(t, "grace", lines[2].AuthorGithubUsername)
}

func TestIndexIsRebuiltFromStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()
	src.material[1] = addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)
	src.files["calc.go"] = "package calc\nfunc Add() {}\n"

	first := newEngine(t, src)
	pr := openPR(t, first, 1, "h1", "Ada Lovelace", opened)

	_, err := first.AnalyzePR(ctx, pr.ID)
	require.NoError(t, err)

	restarted := engine.New(first.Store(), engine.WithSource(src))

	scope, err := restarted.Registry().Scope(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, 3, scope.Index.Len())

	analysis, err := restarted.AnalyzePR(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, analysis.SurvivingLines)
	assert.Equal(t, int64(1), scope.Snapshots.Stats().BackendHits)
	assert.Equal(t, int64(1), src.materialCalls.Load())
}

func TestFirstEventSynthesizesOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEngine(t, newFakeSource())

	pr, err := e.ApplyEvent(ctx, repo, 5, pullrequest.Event{
		Type:    domain.ChangeSynchronize,
		At:      opened.Add(time.Hour),
		Payload: map[string]string{pullrequest.PayloadHeadSHA: "h5"},
	}, &domain.PullRequest{Author: "ada", CreatedAt: opened, URL: "https://github.com/acme/app/pull/5"})
	require.NoError(t, err)

	assert.Equal(t, domain.PRStateOpen, pr.State)
	assert.Equal(t, "h5", pr.HeadSHA)
	assert.Equal(t, "ada", pr.Author)

	history, err := e.History(ctx, pr.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ChangeOpened, history[0].Type)
	assert.True(t, history[0].ChangedAt.Equal(opened))
	assert.Equal(t, domain.ChangeSynchronize, history[1].Type)
}

func TestLifecycleViolationsAreRejected(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEngine(t, newFakeSource())
	openPR(t, e, 1, "h1", "Ada Lovelace", opened.Add(time.Hour))

	_, err := e.ApplyEvent(ctx, repo, 1, pullrequest.Event{Type: domain.ChangeClosed, At: opened}, nil)
	require.ErrorIs(t, err, pullrequest.ErrOutOfOrder)

	_, err = e.ApplyEvent(ctx, repo, 1, pullrequest.Event{
		Type:    domain.ChangeMerged,
		At:      opened.Add(2 * time.Hour),
		Payload: map[string]string{pullrequest.PayloadMergedBy: "grace"},
	}, nil)
	require.NoError(t, err)

	_, err = e.ApplyEvent(ctx, repo, 1, pullrequest.Event{Type: domain.ChangeReopened, At: opened.Add(3 * time.Hour)}, nil)
	require.ErrorIs(t, err, pullrequest.ErrInvalidTransition)

	pr, err := e.Store().PullRequestByNumber(ctx, repo, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.PRStateMerged, pr.State)
	assert.True(t, pr.Merged)
}

func TestSyncDerivesLifecycleAndIngests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()
	src.material[3] = addedFile(3, "h3", "Ada Lovelace", "calc.go", calcPatch, opened)

	e := newEngine(t, src)

	pr, err := e.Sync(ctx, &githubsync.PullRequest{
		Repo:      repo,
		Number:    3,
		Title:     "calc",
		URL:       "https://github.com/acme/app/pull/3",
		Author:    "ada",
		State:     domain.PRStateMerged,
		HeadSHA:   "h3",
		MergedBy:  "grace",
		CreatedAt: opened,
		UpdatedAt: opened.Add(time.Hour),
		MergedAt:  opened.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PRStateMerged, pr.State)

	history, err := e.History(ctx, pr.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.ChangeOpened, history[0].Type)
	assert.Equal(t, domain.ChangeMerged, history[1].Type)

	ing, err := e.Store().LatestIngestion(ctx, pr.ID)
	require.NoError(t, err)
	assert.Equal(t, "h3", ing.HeadSHA)
}

func TestRunIngestsQueuedPullRequests(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	src.material[1] = addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)

	e := newEngine(t, src, engine.WithWorkers(2))
	pr := openPR(t, e, 1, "h1", "Ada Lovelace", opened)

	require.NoError(t, e.Enqueue(engine.IngestJob{Repo: repo, Number: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := e.Store().LatestIngestion(context.Background(), pr.ID)

		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestEnqueueReportsFullQueue(t *testing.T) {
	t.Parallel()

	e := newEngine(t, newFakeSource(), engine.WithQueueSize(1))

	require.NoError(t, e.Enqueue(engine.IngestJob{Repo: repo, Number: 1}))
	require.ErrorIs(t, e.Enqueue(engine.IngestJob{Repo: repo, Number: 2}), engine.ErrQueueFull)
}

func TestOperationsNeedASource(t *testing.T) {
	t.Parallel()

	store, err := storage.Open(storage.MemoryDSN)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	e := engine.New(store)

	_, err = e.Ingest(context.Background(), repo, 1)
	require.ErrorIs(t, err, engine.ErrNoSource)
}

func TestEvictSparesOpenPullRequests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := newFakeSource()
	src.material[1] = addedFile(1, "h1", "Ada Lovelace", "calc.go", calcPatch, opened)
	src.material[2] = addedFile(2, "h2", "Grace Hopper", "util.go", "@@ -0,0 +1,1 @@\n+package util\n", opened)
	src.files["calc.go"] = "package calc\nfunc Add() {}\n"
	src.files["util.go"] = "package util\n"

	e := newEngine(t, src)
	merged := openPR(t, e, 1, "h1", "Ada Lovelace", opened)
	open := openPR(t, e, 2, "h2", "Grace Hopper", opened)

	for _, id := range []int64{merged.ID, open.ID} {
		_, err := e.AnalyzePR(ctx, id)
		require.NoError(t, err)
	}

	_, err := e.ApplyEvent(ctx, repo, 1, pullrequest.Event{Type: domain.ChangeMerged, At: opened.Add(time.Hour)}, nil)
	require.NoError(t, err)

	n, err := e.Evict(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, err := e.SnapshotHistory(ctx, merged.ID, "calc.go")
	require.NoError(t, err)
	assert.Empty(t, gone)

	kept, err := e.SnapshotHistory(ctx, open.ID, "util.go")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestComputeReportFiltersStatuses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := newEngine(t, newFakeSource())
	store := e.Store()

	require.NoError(t, store.SaveStudents(ctx, []domain.Student{{ID: 1, FullName: "Alice Archer", GithubUsername: "alice"}}))
	require.NoError(t, store.SaveSprints(ctx, []domain.Sprint{{ID: 10, Name: "Sprint 1", StartDate: opened}}))
	require.NoError(t, store.SaveTasks(ctx, []domain.Task{
		{ID: 1, Title: "a", Status: "DONE", EstimationPoints: 5, SprintID: 10, AssigneeIDs: []int64{1}},
		{ID: 2, Title: "b", Status: "TODO", EstimationPoints: 3, SprintID: 10, AssigneeIDs: []int64{1}},
	}))

	def := &domain.Report{
		ID:         7,
		Name:       "points",
		RowType:    domain.AxisStudents,
		ColumnType: domain.AxisSprints,
		Element:    domain.ElementTask,
		Magnitude:  domain.MagnitudeEstimationPoints,
	}
	require.NoError(t, store.SaveReport(ctx, def))

	done, err := e.ComputeReport(ctx, 7, []string{"DONE"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), done.GrandTotal)
	assert.Equal(t, int64(5), done.Data[domain.CellKey("1", "10")])
	assert.False(t, done.Truncated)

	all, err := e.ComputeReport(ctx, 7, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(8), all.GrandTotal)

	_, err = e.ComputeReport(ctx, 99, nil)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReportTimeoutCoversDatasetLoad(t *testing.T) {
	t.Parallel()

	// The deadline has passed before the first query runs.
	e := newEngine(t, newFakeSource(), engine.WithReportTimeout(time.Nanosecond))

	_, err := e.ComputeDefinition(context.Background(), domain.Report{
		RowType:    domain.AxisStudents,
		ColumnType: domain.AxisSprints,
		Element:    domain.ElementTask,
		Magnitude:  domain.MagnitudeEstimationPoints,
	}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
