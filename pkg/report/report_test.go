package report_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/report"
)

var (
	sprintOne = domain.Sprint{ID: 10, Name: "Sprint 1", StartDate: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)}
	sprintTwo = domain.Sprint{ID: 20, Name: "Sprint 2", StartDate: time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)}
	alice     = domain.Student{ID: 1, FullName: "Alice Archer", GithubUsername: "alice"}
	bob       = domain.Student{ID: 2, FullName: "Bob Baker", GithubUsername: "bob"}
)

func pointsReport() domain.Report {
	return domain.Report{
		ID:         7,
		Name:       "Points per sprint",
		RowType:    domain.AxisStudents,
		ColumnType: domain.AxisSprints,
		Element:    domain.ElementTask,
		Magnitude:  domain.MagnitudeEstimationPoints,
	}
}

func dataset() report.Dataset {
	return report.Dataset{
		Students: []domain.Student{bob, alice},
		Sprints:  []domain.Sprint{sprintTwo, sprintOne},
		Tasks: []domain.Task{
			{ID: 1, Status: "DONE", EstimationPoints: 3, SprintID: 10, AssigneeIDs: []int64{1}, PullRequestIDs: []int64{100}},
			{ID: 2, Status: "DONE", EstimationPoints: 5, SprintID: 10, AssigneeIDs: []int64{1}, PullRequestIDs: []int64{100, 101}},
			{ID: 3, Status: "DONE", EstimationPoints: 2, SprintID: 20, AssigneeIDs: []int64{1}, PullRequestIDs: []int64{102}},
			{ID: 4, Status: "DONE", EstimationPoints: 8, SprintID: 10, AssigneeIDs: []int64{2}},
			{ID: 5, Status: "IN_PROGRESS", EstimationPoints: 1, SprintID: 20, AssigneeIDs: []int64{2}, PullRequestIDs: []int64{103}},
			{ID: 6, Status: "DONE", EstimationPoints: 13, SprintID: 20, AssigneeIDs: []int64{2}, PullRequestIDs: []int64{104, 104}},
		},
	}
}

func assertReconciles(t *testing.T, result *domain.ReportResult) {
	t.Helper()

	var cells, rows, cols int64

	for _, v := range result.Data {
		assert.GreaterOrEqual(t, v, int64(0))

		cells += v
	}

	for _, v := range result.RowTotals {
		rows += v
	}

	for _, v := range result.ColumnTotals {
		cols += v
	}

	assert.Equal(t, result.GrandTotal, cells)
	assert.Equal(t, result.GrandTotal, rows)
	assert.Equal(t, result.GrandTotal, cols)
}

func TestTwoStudentsTwoSprintsEstimationPoints(t *testing.T) {
	t.Parallel()

	result, err := report.New().Compute(context.Background(), pointsReport(), dataset(), nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"1:10": 8,
		"1:20": 2,
		"2:10": 8,
		"2:20": 14,
	}, result.Data)
	assert.Equal(t, map[string]int64{"1": 10, "2": 22}, result.RowTotals)
	assert.Equal(t, map[string]int64{"10": 16, "20": 16}, result.ColumnTotals)
	assert.Equal(t, int64(32), result.GrandTotal)
	assert.False(t, result.Truncated)

	assert.Equal(t, []domain.Header{{ID: "1", Name: "Alice Archer"}, {ID: "2", Name: "Bob Baker"}}, result.RowHeaders)
	assert.Equal(t, []domain.Header{{ID: "10", Name: "Sprint 1"}, {ID: "20", Name: "Sprint 2"}}, result.ColumnHeaders)

	assertReconciles(t, result)
}

func TestStatusFilterAppliesBeforeAggregation(t *testing.T) {
	t.Parallel()

	result, err := report.New().Compute(context.Background(), pointsReport(), dataset(), []string{"DONE"})
	require.NoError(t, err)

	assert.Equal(t, int64(13), result.Data["2:20"])
	assert.Equal(t, int64(31), result.GrandTotal)
	assert.Equal(t, []string{"DONE"}, result.Statuses)
	assertReconciles(t, result)
}

func TestPullRequestMagnitudeCountsDistinctPRs(t *testing.T) {
	t.Parallel()

	def := pointsReport()
	def.Magnitude = domain.MagnitudePullRequests

	result, err := report.New().Compute(context.Background(), def, dataset(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(2), result.Data["1:10"], "PR 100 is linked to two tasks of the same cell")
	assert.Equal(t, int64(1), result.Data["1:20"])
	assert.NotContains(t, result.Data, "2:10")
	assert.Equal(t, int64(2), result.Data["2:20"], "duplicate links count once")
	assertReconciles(t, result)
}

func TestTransposedAxes(t *testing.T) {
	t.Parallel()

	def := pointsReport()
	def.RowType, def.ColumnType = domain.AxisSprints, domain.AxisStudents

	result, err := report.New().Compute(context.Background(), def, dataset(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(14), result.Data["20:2"])
	assert.Equal(t, map[string]int64{"10": 16, "20": 16}, result.RowTotals)
	assert.Equal(t, "Sprint 1", result.RowHeaders[0].Name)
	assertReconciles(t, result)
}

func TestMultipleAssigneesEachReceiveTheTask(t *testing.T) {
	t.Parallel()

	data := report.Dataset{
		Students: []domain.Student{alice, bob},
		Sprints:  []domain.Sprint{sprintOne},
		Tasks: []domain.Task{
			{ID: 1, EstimationPoints: 5, SprintID: 10, AssigneeIDs: []int64{1, 2, 2}},
		},
	}

	result, err := report.New().Compute(context.Background(), pointsReport(), data, nil)
	require.NoError(t, err)

	assert.Equal(t, int64(5), result.Data["1:10"])
	assert.Equal(t, int64(5), result.Data["2:10"])
	assert.Equal(t, int64(10), result.GrandTotal)
	assertReconciles(t, result)
}

func TestTasksMissingAnAxisKeyAreSkipped(t *testing.T) {
	t.Parallel()

	data := report.Dataset{
		Students: []domain.Student{alice},
		Sprints:  []domain.Sprint{sprintOne},
		Tasks: []domain.Task{
			{ID: 1, EstimationPoints: 5, AssigneeIDs: []int64{1}},
			{ID: 2, EstimationPoints: 3, SprintID: 10},
			{ID: 3, EstimationPoints: 2, SprintID: 10, AssigneeIDs: []int64{1}},
		},
	}

	result, err := report.New().Compute(context.Background(), pointsReport(), data, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{"1:10": 2}, result.Data)
	assertReconciles(t, result)
}

func TestUnknownMembersGetHeaders(t *testing.T) {
	t.Parallel()

	data := report.Dataset{
		Students: []domain.Student{alice},
		Sprints:  []domain.Sprint{sprintOne},
		Tasks:    []domain.Task{{ID: 1, EstimationPoints: 4, SprintID: 10, AssigneeIDs: []int64{99}}},
	}

	result, err := report.New().Compute(context.Background(), pointsReport(), data, nil)
	require.NoError(t, err)

	assert.Equal(t, []domain.Header{{ID: "1", Name: "Alice Archer"}, {ID: "99", Name: "#99"}}, result.RowHeaders)
	assert.Equal(t, int64(4), result.Data["99:10"])
}

func TestEmptyDatasetHasEmptyHeaders(t *testing.T) {
	t.Parallel()

	result, err := report.New().Compute(context.Background(), pointsReport(), report.Dataset{}, nil)
	require.NoError(t, err)

	assert.NotNil(t, result.RowHeaders)
	assert.Empty(t, result.RowHeaders)
	assert.Empty(t, result.Data)
	assert.Zero(t, result.GrandTotal)
}

func TestExpiredContextReturnsTruncatedResult(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()

	result, err := report.New().Compute(ctx, pointsReport(), dataset(), nil)
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	assert.NotNil(t, result.Data)
	assertReconciles(t, result)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := map[string]func(*domain.Report){
		"equal axes":        func(r *domain.Report) { r.ColumnType = domain.AxisStudents },
		"unknown row":       func(r *domain.Report) { r.RowType = "TEAMS" },
		"unknown column":    func(r *domain.Report) { r.ColumnType = "" },
		"unknown element":   func(r *domain.Report) { r.Element = "PULL_REQUEST" },
		"unknown magnitude": func(r *domain.Report) { r.Magnitude = "HOURS" },
	}

	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			def := pointsReport()
			mutate(&def)

			_, err := report.New().Compute(context.Background(), def, dataset(), nil)
			require.ErrorIs(t, err, report.ErrInvalidReport)
		})
	}

	require.NoError(t, report.Validate(pointsReport()))
}

func TestLoadDefinition(t *testing.T) {
	t.Parallel()

	def, err := report.LoadDefinition(strings.NewReader(`{
		"id": 3,
		"name": "PRs",
		"rowType": "SPRINTS",
		"columnType": "STUDENTS",
		"element": "TASK",
		"magnitude": "PULL_REQUESTS"
	}`))
	require.NoError(t, err)
	assert.Equal(t, int64(3), def.ID)
	assert.Equal(t, domain.MagnitudePullRequests, def.Magnitude)

	tests := map[string]string{
		"not json":      `{`,
		"bad enum":      `{"name":"x","rowType":"TEAMS","columnType":"STUDENTS","element":"TASK","magnitude":"PULL_REQUESTS"}`,
		"missing field": `{"name":"x","rowType":"SPRINTS","columnType":"STUDENTS","element":"TASK"}`,
		"equal axes":    `{"name":"x","rowType":"SPRINTS","columnType":"SPRINTS","element":"TASK","magnitude":"PULL_REQUESTS"}`,
		"extra field":   `{"name":"x","rowType":"SPRINTS","columnType":"STUDENTS","element":"TASK","magnitude":"PULL_REQUESTS","color":"red"}`,
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := report.LoadDefinition(strings.NewReader(body))
			require.ErrorIs(t, err, report.ErrInvalidReport)
		})
	}
}
