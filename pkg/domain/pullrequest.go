// Package domain holds the data shapes shared by the provenance engine and its read API.
package domain

import "time"

// PRState is the lifecycle state of a pull request.
type PRState string

// Pull request states.
const (
	PRStateOpen   PRState = "open"
	PRStateClosed PRState = "closed"
	PRStateMerged PRState = "merged"
)

// IsTerminal reports whether the state ends an open period.
func (s PRState) IsTerminal() bool {
	return s == PRStateClosed || s == PRStateMerged
}

// PullRequest is a tracked pull request and its aggregate counters.
type PullRequest struct {
	ID             int64     `json:"id"`
	PRNumber       int       `json:"prNumber"`
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	State          PRState   `json:"state"`
	Merged         bool      `json:"merged"`
	Author         string    `json:"author"`
	RepoFullName   string    `json:"repoFullName"`
	BaseSHA        string    `json:"baseSha,omitempty"`
	HeadSHA        string    `json:"headSha,omitempty"`
	Additions      int       `json:"additions"`
	Deletions      int       `json:"deletions"`
	ChangedFiles   int       `json:"changedFiles"`
	SurvivingLines int       `json:"survivingLines"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// ChangeType names a pull request lifecycle event.
type ChangeType string

// Pull request event types.
const (
	ChangeOpened      ChangeType = "pr_opened"
	ChangeSynchronize ChangeType = "pr_synchronize"
	ChangeMerged      ChangeType = "pr_merged"
	ChangeClosed      ChangeType = "pr_closed"
	ChangeReopened    ChangeType = "pr_reopened"
	ChangeEdited      ChangeType = "pr_edited"
)

// Valid reports whether the change type is known.
func (c ChangeType) Valid() bool {
	switch c {
	case ChangeOpened, ChangeSynchronize, ChangeMerged, ChangeClosed, ChangeReopened, ChangeEdited:
		return true
	default:
		return false
	}
}

// PullRequestChange is one entry of a pull request's append-only event log.
type PullRequestChange struct {
	ID            string            `json:"id"`
	PullRequestID int64             `json:"pullRequestId"`
	Type          ChangeType        `json:"type"`
	Actor         string            `json:"actor"`
	ChangedAt     time.Time         `json:"changedAt"`
	Payload       map[string]string `json:"payload,omitempty"`
}

// PRDetailedAnalysis is the per-PR read model: the pull request plus its analysed files.
type PRDetailedAnalysis struct {
	PullRequest

	AnalysedHeadSHA    string         `json:"analysedHeadSha"`
	SurvivalRate       int            `json:"survivalRate"`
	AnalysisIncomplete bool           `json:"analysisIncomplete"`
	Files              []PRFileDetail `json:"files"`
}
