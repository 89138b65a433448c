package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/storage"
)

// ComputeReport aggregates the stored report definition id over the current
// tasks, keeping only tasks whose status is listed (all when statuses is empty).
// The configured timeout covers loading the dataset too: loading past it fails,
// aggregation past it returns a partial, truncated result.
func (e *Engine) ComputeReport(ctx context.Context, id int64, statuses []string) (*domain.ReportResult, error) {
	def, err := e.store.Report(ctx, id)
	if err != nil {
		return nil, err
	}

	return e.ComputeDefinition(ctx, *def, statuses)
}

// ComputeDefinition aggregates an ad-hoc report definition.
func (e *Engine) ComputeDefinition(ctx context.Context, def domain.Report, statuses []string) (*domain.ReportResult, error) {
	if e.reportTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.reportTimeout)
		defer cancel()
	}

	data, err := e.store.Dataset(ctx)
	if err != nil {
		return nil, err
	}

	return e.reports.Compute(ctx, def, data, statuses)
}

// Evict drops snapshots created before the horizon in every repository, sparing
// pull requests that are still open.
func (e *Engine) Evict(ctx context.Context, before time.Time) (int, error) {
	repos, err := e.store.Repos(ctx)
	if err != nil {
		return 0, err
	}

	states := make(map[int64]bool)

	terminal := func(prID int64) bool {
		if done, ok := states[prID]; ok {
			return done
		}

		pr, err := e.store.PullRequest(ctx, prID)

		switch {
		case errors.Is(err, storage.ErrNotFound):
			states[prID] = true
		case err != nil:
			e.logger.WarnContext(ctx, "keeping snapshots of unreadable pull request", "pr", prID, "error", err)

			return false
		default:
			states[prID] = pr.State.IsTerminal()
		}

		return states[prID]
	}

	var total int

	for _, repo := range repos {
		scope, err := e.registry.Scope(ctx, repo)
		if err != nil {
			return total, err
		}

		n, err := scope.Snapshots.Evict(ctx, before, terminal)
		if err != nil {
			return total, fmt.Errorf("evict %s: %w", repo, err)
		}

		total += n
	}

	return total, nil
}

// RunRetention evicts snapshots older than retention every interval until ctx is done.
func (e *Engine) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := e.Evict(ctx, now.Add(-retention))
			if err != nil && ctx.Err() == nil {
				e.logger.ErrorContext(ctx, "snapshot retention failed", "error", err)

				continue
			}

			if n > 0 {
				e.logger.InfoContext(ctx, "snapshot retention", "evicted", n)
			}
		}
	}
}

// Ready reports whether the engine can serve requests.
func (e *Engine) Ready(ctx context.Context) error {
	return e.store.Ping(ctx)
}
