package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/linetrace/pkg/api"
	"github.com/Sumatoshi-tech/linetrace/pkg/contentindex"
	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/engine"
	"github.com/Sumatoshi-tech/linetrace/pkg/ingest"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
)

var created = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

const patch = "@@ -0,0 +1,2 @@\n+package calc\n+func Add() {}\n"

// stubSource serves one pull request that adds calc.go at commit h1.
type stubSource struct{}

func (stubSource) Head(context.Context, string) (string, error) { return "main1", nil }

func (stubSource) FileAt(_ context.Context, _, _, path string) ([]byte, string, error) {
	if path != "calc.go" {
		return nil, "", engine.ErrFileMissing
	}

	return []byte("package calc\n"), "blob1", nil
}

func (stubSource) IsAncestor(context.Context, string, string, string) (bool, error) {
	return true, nil
}

func (stubSource) Material(_ context.Context, pr *domain.PullRequest) (*engine.Material, error) {
	if pr.PRNumber != 7 {
		return nil, errors.New("no material")
	}

	return &engine.Material{
		Files: []ingest.FileInput{{Path: "calc.go", Status: domain.FileAdded, Patch: patch, HeadCommitSHA: "h1"}},
		Commits: []contentindex.Commit{
			{SHA: "h1", Time: created, AuthorName: "Ada Lovelace", AuthorLogin: "ada"},
		},
		Patches: map[string][]ingest.CommitPatch{
			"calc.go": {{SHA: "h1", Patch: patch}},
		},
	}, nil
}

func newServer(t *testing.T) (*api.Server, *storage.Store) {
	t.Helper()

	store, err := storage.Open(storage.MemoryDSN)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	e := engine.New(store, engine.WithSource(stubSource{}))

	return api.New(e), store
}

func webhookBody(action string) string {
	return `{
		"action": "` + action + `",
		"number": 7,
		"pull_request": {
			"number": 7,
			"title": "calc",
			"state": "open",
			"html_url": "https://github.com/acme/app/pull/7",
			"user": {"login": "ada"},
			"head": {"sha": "h1"},
			"base": {"sha": "base"},
			"created_at": "2025-03-01T10:00:00Z",
			"updated_at": "2025-03-01T10:00:00Z"
		},
		"repository": {"full_name": "acme/app"},
		"sender": {"login": "ada"}
	}`
}

func do(t *testing.T, h http.Handler, method, target, event, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if event != "" {
		req.Header.Set("X-GitHub-Event", event)
		req.Header.Set("X-GitHub-Delivery", "d-1")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func openViaWebhook(t *testing.T, h http.Handler) domain.PullRequest {
	t.Helper()

	rec := do(t, h, http.MethodPost, "/webhooks/github", "pull_request", webhookBody("opened"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pr domain.PullRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pr))

	return pr
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Error.Message)

	return body.Error.Code
}

func TestWebhookOpensPullRequest(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	h := srv.Router()

	pr := openViaWebhook(t, h)
	assert.NotZero(t, pr.ID)
	assert.Equal(t, 7, pr.PRNumber)
	assert.Equal(t, domain.PRStateOpen, pr.State)
	assert.Equal(t, "acme/app", pr.RepoFullName)

	rec := do(t, h, http.MethodPost, "/webhooks/github", "pull_request", webhookBody("opened"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "LIFECYCLE_CONFLICT", errorCode(t, rec))
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	h := srv.Router()

	rec := do(t, h, http.MethodPost, "/webhooks/github", "ping", `{"zen":"hi"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"ignored"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/webhooks/github", "pull_request", webhookBody("labeled"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)

	rec := do(t, srv.Router(), http.MethodPost, "/webhooks/github", "pull_request", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, rec))
}

func TestPullRequestAnalysis(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	h := srv.Router()
	pr := openViaWebhook(t, h)
	base := "/pullRequest/" + strconv.FormatInt(pr.ID, 10)

	rec := do(t, h, http.MethodGet, base, "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var analysis domain.PRDetailedAnalysis
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &analysis))
	assert.Equal(t, 2, analysis.Additions)
	assert.Equal(t, 1, analysis.SurvivingLines)
	assert.Equal(t, 50, analysis.SurvivalRate)
	assert.Equal(t, "main1", analysis.AnalysedHeadSHA)

	rec = do(t, h, http.MethodGet, base+"/files", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var files []domain.PRFileDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.Len(t, files, 1)
	assert.Equal(t, "calc.go", files[0].Path)

	rec = do(t, h, http.MethodGet, base+"/history", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var changes []domain.PullRequestChange
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &changes))
	require.Len(t, changes, 1)
	assert.Equal(t, domain.ChangeOpened, changes[0].Type)

	rec = do(t, h, http.MethodGet, base+"/fresh", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var fresh engine.Freshness
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fresh))
	assert.True(t, fresh.Fresh)
	assert.Equal(t, "main1", fresh.HeadSHA)

	rec = do(t, h, http.MethodGet, base+"/snapshots?path=calc.go", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snaps []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "main1", snaps[0]["headSha"])

	rec = do(t, h, http.MethodGet, base+"/snapshots", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownAndInvalidIDs(t *testing.T) {
	t.Parallel()

	srv, _ := newServer(t)
	h := srv.Router()

	for _, target := range []string{"/pullRequest/404", "/pullRequest/404/history", "/report/9/compute"} {
		rec := do(t, h, http.MethodGet, target, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
		assert.Equal(t, "NOT_FOUND", errorCode(t, rec), target)
	}

	for _, target := range []string{"/pullRequest/abc", "/pullRequest/-1/files", "/report/x/compute"} {
		rec := do(t, h, http.MethodGet, target, "", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		assert.Equal(t, "BAD_REQUEST", errorCode(t, rec), target)
	}
}

func TestComputeReportWithStatuses(t *testing.T) {
	t.Parallel()

	srv, store := newServer(t)
	ctx := context.Background()

	require.NoError(t, store.SaveStudents(ctx, []domain.Student{{ID: 1, FullName: "Alice Archer", GithubUsername: "alice"}}))
	require.NoError(t, store.SaveSprints(ctx, []domain.Sprint{{ID: 10, Name: "Sprint 1", StartDate: created}}))
	require.NoError(t, store.SaveTasks(ctx, []domain.Task{
		{ID: 1, Status: "DONE", EstimationPoints: 3, SprintID: 10, AssigneeIDs: []int64{1}},
		{ID: 2, Status: "TODO", EstimationPoints: 5, SprintID: 10, AssigneeIDs: []int64{1}},
		{ID: 3, Status: "REVIEW", EstimationPoints: 8, SprintID: 10, AssigneeIDs: []int64{1}},
	}))

	def := domain.Report{
		Name: "Points", RowType: domain.AxisStudents, ColumnType: domain.AxisSprints,
		Element: domain.ElementTask, Magnitude: domain.MagnitudeEstimationPoints,
	}
	require.NoError(t, store.SaveReport(ctx, &def))

	h := srv.Router()
	base := "/report/" + strconv.FormatInt(def.ID, 10) + "/compute"

	cases := map[string]int64{
		"":                               3 + 5 + 8,
		"?statuses=DONE":                 3,
		"?statuses=DONE,TODO":            3 + 5,
		"?statuses=DONE&statuses=REVIEW": 3 + 8,
		"?statuses=DONE,%20REVIEW,,":     3 + 8,
	}

	for query, want := range cases {
		rec := do(t, h, http.MethodGet, base+query, "", "")
		require.Equal(t, http.StatusOK, rec.Code, query)

		var result domain.ReportResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.Equal(t, want, result.GrandTotal, query)
		assert.Equal(t, want, result.Data[domain.CellKey("1", "10")], query)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	srv, store := newServer(t)
	h := srv.Router()

	rec := do(t, h, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, store.Close())

	rec = do(t, h, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsRouteIsMountedWhenConfigured(t *testing.T) {
	t.Parallel()

	store, err := storage.Open(storage.MemoryDSN)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("linetrace_ingest_files 0\n"))
	})

	srv := api.New(engine.New(store), api.WithMetricsHandler(metrics))

	rec := do(t, srv.Router(), http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "linetrace_ingest_files")
}

func TestAnalysisWithoutSourceIsUnavailable(t *testing.T) {
	t.Parallel()

	store, err := storage.Open(storage.MemoryDSN)
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	h := api.New(engine.New(store)).Router()

	pr := openViaWebhook(t, h)

	rec := do(t, h, http.MethodGet, "/pullRequest/"+strconv.FormatInt(pr.ID, 10), "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "UNAVAILABLE", errorCode(t, rec))
}
