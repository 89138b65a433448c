package pullrequest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/pullrequest"
)

var opened = time.Date(2025, 4, 2, 9, 0, 0, 0, time.UTC)

func apply(t *testing.T, pr *domain.PullRequest, log *[]domain.PullRequestChange, ev pullrequest.Event) {
	t.Helper()

	change, err := pullrequest.Apply(pr, *log, ev)
	require.NoError(t, err)

	*log = append(*log, change)
}

func TestLifecycleOpenSyncMerge(t *testing.T) {
	t.Parallel()

	pr := &domain.PullRequest{ID: 5, PRNumber: 42}

	var log []domain.PullRequestChange

	apply(t, pr, &log, pullrequest.Event{
		Type: domain.ChangeOpened, Actor: "ada", At: opened,
		Payload: map[string]string{pullrequest.PayloadHeadSHA: "h1", pullrequest.PayloadBaseSHA: "b1"},
	})
	assert.Equal(t, domain.PRStateOpen, pr.State)
	assert.Equal(t, opened, pr.CreatedAt)
	assert.Equal(t, "h1", pr.HeadSHA)

	apply(t, pr, &log, pullrequest.Event{
		Type: domain.ChangeSynchronize, Actor: "ada", At: opened.Add(time.Hour),
		Payload: map[string]string{pullrequest.PayloadHeadSHA: "h2"},
	})
	assert.Equal(t, "h2", pr.HeadSHA)

	apply(t, pr, &log, pullrequest.Event{
		Type: domain.ChangeMerged, Actor: "grace", At: opened.Add(2 * time.Hour),
		Payload: map[string]string{pullrequest.PayloadMergedBy: "grace"},
	})
	assert.Equal(t, domain.PRStateMerged, pr.State)
	assert.True(t, pr.Merged)

	require.Len(t, log, 3)
	assert.Equal(t, int64(5), log[2].PullRequestID)
	assert.Equal(t, "grace", log[2].Payload[pullrequest.PayloadMergedBy])
	assert.NotEqual(t, log[0].ID, log[1].ID)

	state, err := pullrequest.Replay(log)
	require.NoError(t, err)
	assert.Equal(t, domain.PRStateMerged, state)
}

func TestLifecycleCloseReopen(t *testing.T) {
	t.Parallel()

	pr := &domain.PullRequest{ID: 1}

	var log []domain.PullRequestChange

	apply(t, pr, &log, pullrequest.Event{Type: domain.ChangeOpened, At: opened})
	apply(t, pr, &log, pullrequest.Event{Type: domain.ChangeClosed, At: opened.Add(time.Minute)})
	assert.Equal(t, domain.PRStateClosed, pr.State)
	assert.False(t, pr.Merged)

	_, err := pullrequest.Apply(pr, log, pullrequest.Event{Type: domain.ChangeEdited, At: opened.Add(2 * time.Minute)})
	require.ErrorIs(t, err, pullrequest.ErrInvalidTransition, "closed pull requests are immutable")

	apply(t, pr, &log, pullrequest.Event{Type: domain.ChangeReopened, At: opened.Add(3 * time.Minute)})
	assert.Equal(t, domain.PRStateOpen, pr.State)

	apply(t, pr, &log, pullrequest.Event{
		Type: domain.ChangeEdited, At: opened.Add(4 * time.Minute),
		Payload: map[string]string{pullrequest.PayloadTitle: "Better title"},
	})
	assert.Equal(t, "Better title", pr.Title)

	apply(t, pr, &log, pullrequest.Event{Type: domain.ChangeClosed, At: opened.Add(5 * time.Minute)})

	state, err := pullrequest.Replay(log)
	require.NoError(t, err)
	assert.Equal(t, domain.PRStateClosed, state)
}

func TestLifecycleRejections(t *testing.T) {
	t.Parallel()

	openLog := func() (*domain.PullRequest, []domain.PullRequestChange) {
		pr := &domain.PullRequest{ID: 1}
		change, err := pullrequest.Apply(pr, nil, pullrequest.Event{Type: domain.ChangeOpened, At: opened})
		require.NoError(t, err)

		return pr, []domain.PullRequestChange{change}
	}

	t.Run("first change must be opened", func(t *testing.T) {
		t.Parallel()

		_, err := pullrequest.Apply(&domain.PullRequest{}, nil, pullrequest.Event{Type: domain.ChangeSynchronize, At: opened})
		require.ErrorIs(t, err, pullrequest.ErrNotOpened)
	})

	t.Run("duplicate open", func(t *testing.T) {
		t.Parallel()

		pr, log := openLog()
		_, err := pullrequest.Apply(pr, log, pullrequest.Event{Type: domain.ChangeOpened, At: opened.Add(time.Second)})
		require.ErrorIs(t, err, pullrequest.ErrDuplicateOpen)
	})

	t.Run("out of order", func(t *testing.T) {
		t.Parallel()

		pr, log := openLog()
		_, err := pullrequest.Apply(pr, log, pullrequest.Event{Type: domain.ChangeSynchronize, At: opened.Add(-time.Second)})
		require.ErrorIs(t, err, pullrequest.ErrOutOfOrder)
		assert.Equal(t, domain.PRStateOpen, pr.State)
	})

	t.Run("second terminal event", func(t *testing.T) {
		t.Parallel()

		pr, log := openLog()
		change, err := pullrequest.Apply(pr, log, pullrequest.Event{Type: domain.ChangeMerged, At: opened.Add(time.Second)})
		require.NoError(t, err)

		log = append(log, change)

		_, err = pullrequest.Apply(pr, log, pullrequest.Event{Type: domain.ChangeClosed, At: opened.Add(2 * time.Second)})
		require.ErrorIs(t, err, pullrequest.ErrInvalidTransition)

		_, err = pullrequest.Apply(pr, log, pullrequest.Event{Type: domain.ChangeReopened, At: opened.Add(2 * time.Second)})
		require.ErrorIs(t, err, pullrequest.ErrInvalidTransition, "merged pull requests cannot be reopened")
		assert.Equal(t, domain.PRStateMerged, pr.State)
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()

		pr, log := openLog()
		_, err := pullrequest.Apply(pr, log, pullrequest.Event{Type: "pr_labeled", At: opened})
		require.ErrorIs(t, err, pullrequest.ErrUnknownChange)
	})
}

func TestReplayDetectsBrokenLogs(t *testing.T) {
	t.Parallel()

	_, err := pullrequest.Replay([]domain.PullRequestChange{
		{Type: domain.ChangeOpened, ChangedAt: opened},
		{Type: domain.ChangeSynchronize, ChangedAt: opened.Add(-time.Minute)},
	})
	require.ErrorIs(t, err, pullrequest.ErrOutOfOrder)

	_, err = pullrequest.Replay([]domain.PullRequestChange{
		{Type: domain.ChangeOpened, ChangedAt: opened},
		{Type: domain.ChangeOpened, ChangedAt: opened},
	})
	require.ErrorIs(t, err, pullrequest.ErrDuplicateOpen)
}
