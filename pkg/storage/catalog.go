package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/report"
)

// The catalog (students, sprints, tasks, reports) is owned by the CRUD layer;
// these writes are an import surface that upserts by id.

// SaveStudents upserts students.
func (s *Store) SaveStudents(ctx context.Context, students []domain.Student) error {
	if len(students) == 0 {
		return nil
	}

	rows := make([]studentModel, len(students))
	for i, st := range students {
		rows[i] = studentModel{ID: st.ID, FullName: st.FullName, GithubUsername: st.GithubUsername}
	}

	return upsert(s.db.WithContext(ctx), &rows, "students")
}

// SaveSprints upserts sprints.
func (s *Store) SaveSprints(ctx context.Context, sprints []domain.Sprint) error {
	if len(sprints) == 0 {
		return nil
	}

	rows := make([]sprintModel, len(sprints))
	for i, sp := range sprints {
		rows[i] = sprintModel{ID: sp.ID, Name: sp.Name, StartDate: sp.StartDate.UTC()}
	}

	return upsert(s.db.WithContext(ctx), &rows, "sprints")
}

// SaveTasks upserts tasks.
func (s *Store) SaveTasks(ctx context.Context, tasks []domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}

	rows := make([]taskModel, len(tasks))
	for i, t := range tasks {
		rows[i] = taskModel{
			ID:               t.ID,
			Title:            t.Title,
			Status:           t.Status,
			EstimationPoints: t.EstimationPoints,
			SprintID:         t.SprintID,
			AssigneeIDs:      t.AssigneeIDs,
			PullRequestIDs:   t.PullRequestIDs,
		}
	}

	return upsert(s.db.WithContext(ctx), &rows, "tasks")
}

func upsert[T any](db *gorm.DB, rows *[]T, what string) error {
	err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(rows).Error
	if err != nil {
		return fmt.Errorf("save %s: %w", what, err)
	}

	return nil
}

// Dataset loads every task, student and sprint.
func (s *Store) Dataset(ctx context.Context) (report.Dataset, error) {
	db := s.db.WithContext(ctx)

	var (
		students []studentModel
		sprints  []sprintModel
		tasks    []taskModel
	)

	err := db.Order("id").Find(&students).Error
	if err != nil {
		return report.Dataset{}, fmt.Errorf("list students: %w", err)
	}

	err = db.Order("id").Find(&sprints).Error
	if err != nil {
		return report.Dataset{}, fmt.Errorf("list sprints: %w", err)
	}

	err = db.Order("id").Find(&tasks).Error
	if err != nil {
		return report.Dataset{}, fmt.Errorf("list tasks: %w", err)
	}

	data := report.Dataset{
		Students: make([]domain.Student, len(students)),
		Sprints:  make([]domain.Sprint, len(sprints)),
		Tasks:    make([]domain.Task, len(tasks)),
	}

	for i, st := range students {
		data.Students[i] = domain.Student{ID: st.ID, FullName: st.FullName, GithubUsername: st.GithubUsername}
	}

	for i, sp := range sprints {
		data.Sprints[i] = domain.Sprint{ID: sp.ID, Name: sp.Name, StartDate: sp.StartDate}
	}

	for i, t := range tasks {
		data.Tasks[i] = domain.Task{
			ID:               t.ID,
			Title:            t.Title,
			Status:           t.Status,
			EstimationPoints: t.EstimationPoints,
			SprintID:         t.SprintID,
			AssigneeIDs:      t.AssigneeIDs,
			PullRequestIDs:   t.PullRequestIDs,
		}
	}

	return data, nil
}

// SaveReport validates and stores a report definition. A zero ID allocates one.
func (s *Store) SaveReport(ctx context.Context, r *domain.Report) error {
	err := report.Validate(*r)
	if err != nil {
		return err
	}

	row := reportModel{
		ID:         r.ID,
		Name:       r.Name,
		RowType:    string(r.RowType),
		ColumnType: string(r.ColumnType),
		Element:    string(r.Element),
		Magnitude:  string(r.Magnitude),
	}

	err = s.db.WithContext(ctx).Save(&row).Error
	if err != nil {
		return fmt.Errorf("save report: %w", err)
	}

	r.ID = row.ID

	return nil
}

// Report returns a report definition by id.
func (s *Store) Report(ctx context.Context, id int64) (*domain.Report, error) {
	var row reportModel

	err := s.db.WithContext(ctx).Take(&row, id).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("report %d", id))
	}

	return &domain.Report{
		ID:         row.ID,
		Name:       row.Name,
		RowType:    domain.AxisType(row.RowType),
		ColumnType: domain.AxisType(row.ColumnType),
		Element:    domain.Element(row.Element),
		Magnitude:  domain.Magnitude(row.Magnitude),
	}, nil
}
