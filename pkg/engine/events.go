package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/githubsync"
	"github.com/Sumatoshi-tech/linetrace/pkg/pullrequest"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
)

// ApplyEvent appends a lifecycle event to the pull request repo#number. Metadata
// from seed (URL, title, author) fills fields the tracked pull request lacks. A
// pull request first seen through an event other than pr_opened gets a
// synthesized pr_opened at its creation time.
func (e *Engine) ApplyEvent(
	ctx context.Context,
	repo string,
	number int,
	ev pullrequest.Event,
	seed *domain.PullRequest,
) (*domain.PullRequest, error) {
	if ev.Type != domain.ChangeOpened {
		_, err := e.store.UpdatePullRequest(ctx, repo, number,
			func(pr *domain.PullRequest, history []domain.PullRequestChange) (*domain.PullRequestChange, error) {
				if len(history) > 0 {
					return nil, nil //nolint:nilnil // already opened
				}

				fillMetadata(pr, seed)

				change, err := pullrequest.Apply(pr, history, synthesizedOpen(ev, seed))
				if err != nil {
					return nil, err
				}

				return &change, nil
			})
		if err != nil {
			return nil, fmt.Errorf("open %s#%d: %w", repo, number, err)
		}
	}

	pr, err := e.store.UpdatePullRequest(ctx, repo, number,
		func(pr *domain.PullRequest, history []domain.PullRequestChange) (*domain.PullRequestChange, error) {
			fillMetadata(pr, seed)

			change, err := pullrequest.Apply(pr, history, ev)
			if err != nil {
				return nil, err
			}

			return &change, nil
		})
	if err != nil {
		return nil, fmt.Errorf("apply %s to %s#%d: %w", ev.Type, repo, number, err)
	}

	e.afterChange(ctx, pr, ev.Type)

	return pr, nil
}

// synthesizedOpen builds the pr_opened event implied by a later event.
func synthesizedOpen(ev pullrequest.Event, seed *domain.PullRequest) pullrequest.Event {
	at := ev.At

	payload := map[string]string{}

	if seed != nil {
		if !seed.CreatedAt.IsZero() && seed.CreatedAt.Before(at) {
			at = seed.CreatedAt
		}

		payload[pullrequest.PayloadBaseSHA] = seed.BaseSHA
		payload[pullrequest.PayloadTitle] = seed.Title
	}

	if sha := ev.Payload[pullrequest.PayloadHeadSHA]; sha != "" {
		payload[pullrequest.PayloadHeadSHA] = sha
	}

	actor := ev.Actor
	if seed != nil && seed.Author != "" {
		actor = seed.Author
	}

	return pullrequest.Event{Type: domain.ChangeOpened, Actor: actor, At: at, Payload: payload}
}

func fillMetadata(pr *domain.PullRequest, seed *domain.PullRequest) {
	if seed == nil {
		return
	}

	if pr.URL == "" {
		pr.URL = seed.URL
	}

	if pr.Title == "" {
		pr.Title = seed.Title
	}

	if pr.Author == "" {
		pr.Author = seed.Author
	}
}

// afterChange schedules work implied by a lifecycle change: a new or reopened
// head is queued for ingestion while Run is active, and in-flight recomputes for
// a superseded head are cancelled.
func (e *Engine) afterChange(ctx context.Context, pr *domain.PullRequest, change domain.ChangeType) {
	switch change {
	case domain.ChangeSynchronize, domain.ChangeMerged, domain.ChangeClosed:
		if scope, ok := e.registry.Lookup(pr.RepoFullName); ok {
			if n := scope.Snapshots.CancelPR(pr.ID); n > 0 {
				e.logger.InfoContext(ctx, "cancelled in-flight analyses",
					"repo", pr.RepoFullName, "pr", pr.PRNumber, "count", n)
			}
		}
	}

	switch change {
	case domain.ChangeOpened, domain.ChangeSynchronize, domain.ChangeReopened:
		if e.source == nil || pr.HeadSHA == "" || !e.running.Load() {
			return
		}

		err := e.Enqueue(IngestJob{Repo: pr.RepoFullName, Number: pr.PRNumber})
		if err != nil {
			e.logger.WarnContext(ctx, "ingestion not scheduled", "error", err)
		}
	}
}

// HandleDelivery applies a decoded webhook delivery.
func (e *Engine) HandleDelivery(ctx context.Context, d *githubsync.Delivery) (*domain.PullRequest, error) {
	seed := d.PullRequest.Domain()

	pr, err := e.ApplyEvent(ctx, seed.RepoFullName, seed.PRNumber, d.Event, &seed)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "webhook applied",
		"delivery", d.ID, "repo", pr.RepoFullName, "pr", pr.PRNumber,
		"change", d.Event.Type, "state", pr.State)

	return pr, nil
}

// Sync brings a tracked pull request in line with its metadata as fetched from
// GitHub, appending the lifecycle events that explain the difference, and
// ingests its head.
func (e *Engine) Sync(ctx context.Context, meta *githubsync.PullRequest) (*domain.PullRequest, error) {
	seed := meta.Domain()

	current, err := e.store.PullRequestByNumber(ctx, meta.Repo, meta.Number)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	pr := current

	for _, ev := range syncEvents(current, meta) {
		pr, err = e.ApplyEvent(ctx, meta.Repo, meta.Number, ev, &seed)
		if err != nil {
			return nil, err
		}
	}

	if pr == nil {
		return nil, fmt.Errorf("%s#%d: %w", meta.Repo, meta.Number, storage.ErrNotFound)
	}

	if e.source != nil && pr.HeadSHA != "" {
		_, err = e.Ingest(ctx, pr.RepoFullName, pr.PRNumber)
		if err != nil {
			return nil, err
		}
	}

	return pr, nil
}

// syncEvents derives the lifecycle events that move current (nil when untracked)
// to the state described by meta. Event times never precede the last change.
func syncEvents(current *domain.PullRequest, meta *githubsync.PullRequest) []pullrequest.Event {
	var (
		events []pullrequest.Event
		last   time.Time
		state  domain.PRState
		head   string
		title  string
	)

	at := func(t time.Time) time.Time {
		if t.IsZero() {
			t = meta.UpdatedAt
		}

		if t.Before(last) {
			t = last
		}

		last = t

		return t
	}

	payload := map[string]string{
		pullrequest.PayloadHeadSHA: meta.HeadSHA,
		pullrequest.PayloadBaseSHA: meta.BaseSHA,
	}

	if current == nil {
		events = append(events, pullrequest.Event{
			Type:    domain.ChangeOpened,
			Actor:   meta.Author,
			At:      at(meta.CreatedAt),
			Payload: payload,
		})

		state, head, title = domain.PRStateOpen, meta.HeadSHA, meta.Title
	} else {
		last = current.UpdatedAt
		state, head, title = current.State, current.HeadSHA, current.Title
	}

	if state == domain.PRStateClosed && meta.State == domain.PRStateOpen {
		events = append(events, pullrequest.Event{Type: domain.ChangeReopened, At: at(meta.UpdatedAt), Payload: payload})
		state = domain.PRStateOpen
	}

	if state == domain.PRStateOpen && head != meta.HeadSHA {
		events = append(events, pullrequest.Event{Type: domain.ChangeSynchronize, At: at(meta.UpdatedAt), Payload: payload})
	}

	if state == domain.PRStateOpen && title != meta.Title {
		events = append(events, pullrequest.Event{
			Type:    domain.ChangeEdited,
			At:      at(meta.UpdatedAt),
			Payload: map[string]string{pullrequest.PayloadTitle: meta.Title},
		})
	}

	if state == domain.PRStateOpen {
		switch meta.State {
		case domain.PRStateMerged:
			events = append(events, pullrequest.Event{
				Type:    domain.ChangeMerged,
				Actor:   meta.MergedBy,
				At:      at(meta.MergedAt),
				Payload: map[string]string{pullrequest.PayloadMergedBy: meta.MergedBy},
			})
		case domain.PRStateClosed:
			events = append(events, pullrequest.Event{Type: domain.ChangeClosed, At: at(meta.ClosedAt)})
		}
	}

	return events
}
