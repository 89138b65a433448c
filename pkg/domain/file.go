package domain

import "math"

// FileStatus is the change status of a file within a pull request.
type FileStatus string

// File statuses.
const (
	FileAdded    FileStatus = "added"
	FileModified FileStatus = "modified"
	FileRemoved  FileStatus = "removed"
	FileRenamed  FileStatus = "renamed"
)

// LineStatus classifies a line introduced by a tracked pull request.
type LineStatus string

// Line statuses. Lines with no PR origin carry an empty status.
const (
	LineSurviving LineStatus = "SURVIVING"
	LineDeleted   LineStatus = "DELETED"
)

// LineDetail is the atomic unit of a survival analysis.
type LineDetail struct {
	Content              string     `json:"content"`
	LineNumber           *int       `json:"lineNumber"`
	Status               LineStatus `json:"status,omitempty"`
	AuthorFullName       string     `json:"authorFullName,omitempty"`
	AuthorGithubUsername string     `json:"authorGithubUsername,omitempty"`
	CommitSHA            string     `json:"commitSha,omitempty"`
	CommitURL            string     `json:"commitUrl,omitempty"`
	OriginPRNumber       int        `json:"originPrNumber,omitempty"`
	OriginPRURL          string     `json:"originPrUrl,omitempty"`
	PRFileURL            string     `json:"prFileUrl,omitempty"`
}

// PRFileDetail is the survival analysis of one file touched by a pull request.
type PRFileDetail struct {
	Path               string       `json:"path"`
	PreviousPath       string       `json:"previousPath,omitempty"`
	Status             FileStatus   `json:"status"`
	Additions          int          `json:"additions"`
	Deletions          int          `json:"deletions"`
	CurrentLines       int          `json:"currentLines"`
	SurvivingLines     int          `json:"survivingLines"`
	SurvivalRate       int          `json:"survivalRate"`
	Binary             bool         `json:"binary,omitempty"`
	Truncated          bool         `json:"truncated,omitempty"`
	AnalysisIncomplete bool         `json:"analysisIncomplete,omitempty"`
	Error              string       `json:"error,omitempty"`
	Lines              []LineDetail `json:"lines"`
}

// percent is the scale of a survival rate.
const percent = 100

// SurvivalRate returns round(surviving/additions*100), or 0 when nothing was added.
// The result is clamped to [0, 100].
func SurvivalRate(surviving, additions int) int {
	if additions <= 0 || surviving <= 0 {
		return 0
	}

	if surviving >= additions {
		return percent
	}

	return int(math.Round(float64(surviving) / float64(additions) * percent))
}

// IntPtr returns a pointer to v. Used for LineDetail.LineNumber.
func IntPtr(v int) *int {
	return &v
}
