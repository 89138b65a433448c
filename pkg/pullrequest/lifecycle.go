// Package pullrequest applies lifecycle events to tracked pull requests and keeps
// their append-only change log consistent.
package pullrequest

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
)

// Sentinel errors.
var (
	ErrUnknownChange     = errors.New("unknown change type")
	ErrOutOfOrder        = errors.New("change predates the last recorded change")
	ErrDuplicateOpen     = errors.New("pull request already opened")
	ErrNotOpened         = errors.New("pull request has no pr_opened change")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Payload keys understood by Apply.
const (
	PayloadHeadSHA  = "headSha"
	PayloadBaseSHA  = "baseSha"
	PayloadTitle    = "title"
	PayloadMergedBy = "mergedBy"
)

// Event is a lifecycle event delivered by the ingestion boundary.
type Event struct {
	Type    domain.ChangeType
	Actor   string
	At      time.Time
	Payload map[string]string
}

// Apply validates ev against the pull request's state and change history, mutates
// pr accordingly and returns the change to append. On error pr is left untouched.
func Apply(pr *domain.PullRequest, history []domain.PullRequestChange, ev Event) (domain.PullRequestChange, error) {
	if !ev.Type.Valid() {
		return domain.PullRequestChange{}, fmt.Errorf("%w: %q", ErrUnknownChange, ev.Type)
	}

	if len(history) > 0 {
		last := history[len(history)-1]
		if ev.At.Before(last.ChangedAt) {
			return domain.PullRequestChange{}, fmt.Errorf("%w: %s at %s after %s at %s",
				ErrOutOfOrder, ev.Type, ev.At.Format(time.RFC3339), last.Type, last.ChangedAt.Format(time.RFC3339))
		}
	}

	next, err := transition(pr.State, len(history) == 0, ev.Type)
	if err != nil {
		return domain.PullRequestChange{}, err
	}

	pr.State = next
	pr.Merged = next == domain.PRStateMerged
	pr.UpdatedAt = ev.At

	if ev.Type == domain.ChangeOpened && pr.CreatedAt.IsZero() {
		pr.CreatedAt = ev.At
	}

	if sha, ok := ev.Payload[PayloadHeadSHA]; ok && sha != "" {
		pr.HeadSHA = sha
	}

	if sha, ok := ev.Payload[PayloadBaseSHA]; ok && sha != "" {
		pr.BaseSHA = sha
	}

	if title, ok := ev.Payload[PayloadTitle]; ok && ev.Type == domain.ChangeEdited {
		pr.Title = title
	}

	return domain.PullRequestChange{
		ID:            uuid.NewString(),
		PullRequestID: pr.ID,
		Type:          ev.Type,
		Actor:         ev.Actor,
		ChangedAt:     ev.At,
		Payload:       maps.Clone(ev.Payload),
	}, nil
}

func transition(state domain.PRState, first bool, change domain.ChangeType) (domain.PRState, error) {
	if first {
		if change != domain.ChangeOpened {
			return "", fmt.Errorf("%w: first change is %s", ErrNotOpened, change)
		}

		return domain.PRStateOpen, nil
	}

	switch change {
	case domain.ChangeOpened:
		return "", ErrDuplicateOpen
	case domain.ChangeSynchronize, domain.ChangeEdited:
		if state != domain.PRStateOpen {
			return "", fmt.Errorf("%w: %s while %s", ErrInvalidTransition, change, state)
		}

		return state, nil
	case domain.ChangeMerged:
		if state != domain.PRStateOpen {
			return "", fmt.Errorf("%w: %s while %s", ErrInvalidTransition, change, state)
		}

		return domain.PRStateMerged, nil
	case domain.ChangeClosed:
		if state != domain.PRStateOpen {
			return "", fmt.Errorf("%w: %s while %s", ErrInvalidTransition, change, state)
		}

		return domain.PRStateClosed, nil
	case domain.ChangeReopened:
		if state != domain.PRStateClosed {
			return "", fmt.Errorf("%w: %s while %s", ErrInvalidTransition, change, state)
		}

		return domain.PRStateOpen, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChange, change)
	}
}

// Replay rebuilds the lifecycle state of a change log, checking every invariant
// Apply enforces. It returns the final state.
func Replay(changes []domain.PullRequestChange) (domain.PRState, error) {
	var state domain.PRState

	for i, change := range changes {
		if i > 0 && change.ChangedAt.Before(changes[i-1].ChangedAt) {
			return "", fmt.Errorf("%w: change %d", ErrOutOfOrder, i)
		}

		next, err := transition(state, i == 0, change.Type)
		if err != nil {
			return "", fmt.Errorf("change %d: %w", i, err)
		}

		state = next
	}

	return state, nil
}
