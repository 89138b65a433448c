package domain

import "time"

// AxisType selects what a report row or column represents.
type AxisType string

// Report axes.
const (
	AxisStudents AxisType = "STUDENTS"
	AxisSprints  AxisType = "SPRINTS"
)

// Element selects the population a report aggregates over.
type Element string

// ElementTask is the only supported report element.
const ElementTask Element = "TASK"

// Magnitude selects the value summed into report cells.
type Magnitude string

// Report magnitudes.
const (
	MagnitudeEstimationPoints Magnitude = "ESTIMATION_POINTS"
	MagnitudePullRequests     Magnitude = "PULL_REQUESTS"
)

// Report is a named, user-configured pivot definition.
type Report struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	RowType    AxisType  `json:"rowType"`
	ColumnType AxisType  `json:"columnType"`
	Element    Element   `json:"element"`
	Magnitude  Magnitude `json:"magnitude"`
}

// Header labels one row or column of a report matrix.
type Header struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ReportResult is a computed pivot matrix. Data is sparse and keyed by "rowId:colId".
type ReportResult struct {
	Report        Report           `json:"report"`
	RowHeaders    []Header         `json:"rowHeaders"`
	ColumnHeaders []Header         `json:"columnHeaders"`
	Data          map[string]int64 `json:"data"`
	RowTotals     map[string]int64 `json:"rowTotals"`
	ColumnTotals  map[string]int64 `json:"columnTotals"`
	GrandTotal    int64            `json:"grandTotal"`
	Statuses      []string         `json:"statuses,omitempty"`
	Truncated     bool             `json:"truncated"`
}

// CellKey builds the sparse data key for a row and column.
func CellKey(rowID, colID string) string {
	return rowID + ":" + colID
}

// Task is a unit of tracked work linked to students, a sprint and pull requests.
type Task struct {
	ID               int64   `json:"id"`
	Title            string  `json:"title"`
	Status           string  `json:"status"`
	EstimationPoints int64   `json:"estimationPoints"`
	SprintID         int64   `json:"sprintId,omitempty"`
	AssigneeIDs      []int64 `json:"assigneeIds"`
	PullRequestIDs   []int64 `json:"pullRequestIds"`
}

// Student is a course participant that can be a report axis member.
type Student struct {
	ID             int64  `json:"id"`
	FullName       string `json:"fullName"`
	GithubUsername string `json:"githubUsername"`
}

// Sprint is a time box that can be a report axis member.
type Sprint struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	StartDate time.Time `json:"startDate"`
}
