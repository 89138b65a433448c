// Package report builds contribution matrices (students by sprints) from tasks.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
)

// ErrInvalidReport is returned for report definitions that cannot be computed.
var ErrInvalidReport = errors.New("invalid report")

// cancelCheckInterval is how many tasks are aggregated between deadline checks.
const cancelCheckInterval = 64

// Dataset is the population a report aggregates over.
type Dataset struct {
	Tasks    []domain.Task
	Students []domain.Student
	Sprints  []domain.Sprint
}

// Validate checks a report definition.
func Validate(r domain.Report) error {
	var problems []string

	if !validAxis(r.RowType) {
		problems = append(problems, fmt.Sprintf("unknown rowType %q", r.RowType))
	}

	if !validAxis(r.ColumnType) {
		problems = append(problems, fmt.Sprintf("unknown columnType %q", r.ColumnType))
	}

	if r.RowType == r.ColumnType && validAxis(r.RowType) {
		problems = append(problems, "rowType and columnType must differ")
	}

	if r.Element != domain.ElementTask {
		problems = append(problems, fmt.Sprintf("unsupported element %q", r.Element))
	}

	switch r.Magnitude {
	case domain.MagnitudeEstimationPoints, domain.MagnitudePullRequests:
	default:
		problems = append(problems, fmt.Sprintf("unknown magnitude %q", r.Magnitude))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidReport, strings.Join(problems, "; "))
	}

	return nil
}

func validAxis(a domain.AxisType) bool {
	return a == domain.AxisStudents || a == domain.AxisSprints
}

// Engine computes reports.
type Engine struct {
	logger *slog.Logger
	tracer trace.Tracer
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// New creates a report Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger: slog.Default(),
		tracer: otel.Tracer("linetrace/report"),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// matrix accumulates cells and totals together, so every increment lands in
// its cell, its row, its column and the grand total at once.
type matrix struct {
	result *domain.ReportResult
	seen   map[string]map[int64]struct{}
}

func (m *matrix) add(row, col string, value int64) {
	if value <= 0 {
		return
	}

	m.result.Data[domain.CellKey(row, col)] += value
	m.result.RowTotals[row] += value
	m.result.ColumnTotals[col] += value
	m.result.GrandTotal += value
}

// addPRs counts pull requests not yet counted in the cell.
func (m *matrix) addPRs(row, col string, prs []int64) {
	key := domain.CellKey(row, col)

	seen := m.seen[key]
	if seen == nil {
		seen = make(map[int64]struct{})
		m.seen[key] = seen
	}

	var fresh int64

	for _, id := range prs {
		if _, ok := seen[id]; ok {
			continue
		}

		seen[id] = struct{}{}
		fresh++
	}

	m.add(row, col, fresh)
}

// Compute aggregates data into the matrix described by r. Tasks whose status is
// not in statuses are dropped first; an empty statuses keeps every task. When ctx
// expires midway the partial matrix is returned with Truncated set.
func (e *Engine) Compute(ctx context.Context, r domain.Report, data Dataset, statuses []string) (*domain.ReportResult, error) {
	ctx, span := e.tracer.Start(ctx, "report.Compute", trace.WithAttributes(
		attribute.Int64("report.id", r.ID),
		attribute.String("report.magnitude", string(r.Magnitude)),
		attribute.Int("report.tasks", len(data.Tasks)),
	))
	defer span.End()

	err := Validate(r)
	if err != nil {
		return nil, err
	}

	started := time.Now()

	students := studentHeaders(data.Students)
	sprints := sprintHeaders(data.Sprints)

	result := &domain.ReportResult{
		Report:       r,
		Data:         make(map[string]int64),
		RowTotals:    make(map[string]int64),
		ColumnTotals: make(map[string]int64),
		Statuses:     statuses,
	}

	m := &matrix{result: result, seen: make(map[string]map[int64]struct{})}

	filter := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		filter[s] = struct{}{}
	}

	for i, task := range data.Tasks {
		if i%cancelCheckInterval == 0 && ctx.Err() != nil {
			result.Truncated = true

			e.logger.WarnContext(ctx, "report computation truncated",
				"report", r.ID, "aggregated_tasks", i, "total_tasks", len(data.Tasks))

			break
		}

		if len(filter) > 0 {
			if _, ok := filter[task.Status]; !ok {
				continue
			}
		}

		rows := axisKeys(r.RowType, task, students, sprints)
		cols := axisKeys(r.ColumnType, task, students, sprints)

		for _, row := range rows {
			for _, col := range cols {
				switch r.Magnitude {
				case domain.MagnitudeEstimationPoints:
					m.add(row, col, task.EstimationPoints)
				case domain.MagnitudePullRequests:
					m.addPRs(row, col, task.PullRequestIDs)
				}
			}
		}
	}

	result.RowHeaders = headersFor(r.RowType, students, sprints)
	result.ColumnHeaders = headersFor(r.ColumnType, students, sprints)

	span.SetAttributes(
		attribute.Int64("report.grand_total", result.GrandTotal),
		attribute.Bool("report.truncated", result.Truncated),
	)

	e.logger.DebugContext(ctx, "report computed",
		"report", r.ID, "cells", len(result.Data), "grand_total", result.GrandTotal,
		"duration", time.Since(started))

	return result, nil
}

// axisHeaders are the known members of an axis plus any member first seen on a task.
type axisHeaders struct {
	kind    domain.AxisType
	headers []domain.Header
	index   map[string]int
}

func (a *axisHeaders) ensure(id string) {
	if _, ok := a.index[id]; ok {
		return
	}

	a.index[id] = len(a.headers)
	a.headers = append(a.headers, domain.Header{ID: id, Name: "#" + id})
}

func studentHeaders(students []domain.Student) *axisHeaders {
	sorted := slices.Clone(students)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].FullName == sorted[j].FullName {
			return sorted[i].ID < sorted[j].ID
		}

		return sorted[i].FullName < sorted[j].FullName
	})

	a := &axisHeaders{
		kind:    domain.AxisStudents,
		headers: make([]domain.Header, 0, len(sorted)),
		index:   make(map[string]int, len(sorted)),
	}

	for _, s := range sorted {
		id := strconv.FormatInt(s.ID, 10)
		if _, dup := a.index[id]; dup {
			continue
		}

		a.index[id] = len(a.headers)
		a.headers = append(a.headers, domain.Header{ID: id, Name: s.FullName})
	}

	return a
}

func sprintHeaders(sprints []domain.Sprint) *axisHeaders {
	sorted := slices.Clone(sprints)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].StartDate.Equal(sorted[j].StartDate) {
			return sorted[i].ID < sorted[j].ID
		}

		return sorted[i].StartDate.Before(sorted[j].StartDate)
	})

	a := &axisHeaders{
		kind:    domain.AxisSprints,
		headers: make([]domain.Header, 0, len(sorted)),
		index:   make(map[string]int, len(sorted)),
	}

	for _, s := range sorted {
		id := strconv.FormatInt(s.ID, 10)
		if _, dup := a.index[id]; dup {
			continue
		}

		a.index[id] = len(a.headers)
		a.headers = append(a.headers, domain.Header{ID: id, Name: s.Name})
	}

	return a
}

// axisKeys returns the member ids a task contributes to on one axis. Multiple
// assignees each receive the full magnitude; tasks lacking the axis key yield none.
func axisKeys(axis domain.AxisType, task domain.Task, known ...*axisHeaders) []string {
	var members *axisHeaders

	for _, k := range known {
		if k.kind == axis {
			members = k
		}
	}

	var ids []int64

	switch axis {
	case domain.AxisStudents:
		ids = task.AssigneeIDs
	case domain.AxisSprints:
		if task.SprintID != 0 {
			ids = []int64{task.SprintID}
		}
	}

	keys := make([]string, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}

		seen[id] = struct{}{}
		key := strconv.FormatInt(id, 10)
		members.ensure(key)
		keys = append(keys, key)
	}

	return keys
}

func headersFor(axis domain.AxisType, students, sprints *axisHeaders) []domain.Header {
	if axis == domain.AxisStudents {
		return students.headers
	}

	return sprints.headers
}
