package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
)

// MutateFunc changes a pull request given its change history. A non-nil change is
// appended to the log. Returning an error rolls the whole update back.
type MutateFunc func(pr *domain.PullRequest, history []domain.PullRequestChange) (*domain.PullRequestChange, error)

// UpdatePullRequest loads the pull request identified by repo and number (a zero
// value carrying only those two fields when it is not tracked yet), applies fn and
// persists the result in one transaction.
func (s *Store) UpdatePullRequest(ctx context.Context, repo string, number int, fn MutateFunc) (*domain.PullRequest, error) {
	var out *domain.PullRequest

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model pullRequestModel

		err := tx.Where("repo = ? AND number = ?", repo, number).Take(&model).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			model = pullRequestModel{Repo: repo, Number: number}
		case err != nil:
			return fmt.Errorf("load pull request: %w", err)
		}

		var history []domain.PullRequestChange

		if model.ID != 0 {
			history, err = changes(tx, model.ID)
			if err != nil {
				return err
			}
		}

		pr := pullRequestFromModel(&model)

		change, err := fn(&pr, history)
		if err != nil {
			return err
		}

		updated := pullRequestToModel(&pr)
		updated.ID = model.ID
		updated.Repo, updated.Number = repo, number

		err = tx.Save(&updated).Error
		if err != nil {
			return fmt.Errorf("save pull request: %w", err)
		}

		if change != nil {
			row := changeToModel(change)
			row.PullRequestID = updated.ID

			err = tx.Create(&row).Error
			if err != nil {
				return fmt.Errorf("append change: %w", err)
			}
		}

		result := pullRequestFromModel(&updated)
		out = &result

		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// SaveCounters stores the aggregate line counters of a pull request.
func (s *Store) SaveCounters(ctx context.Context, pr *domain.PullRequest) error {
	res := s.db.WithContext(ctx).Model(&pullRequestModel{}).Where("id = ?", pr.ID).Updates(map[string]any{
		"additions":       pr.Additions,
		"deletions":       pr.Deletions,
		"changed_files":   pr.ChangedFiles,
		"surviving_lines": pr.SurvivingLines,
	})
	if res.Error != nil {
		return fmt.Errorf("save counters: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("pull request %d: %w", pr.ID, ErrNotFound)
	}

	return nil
}

// PullRequest returns a pull request by id.
func (s *Store) PullRequest(ctx context.Context, id int64) (*domain.PullRequest, error) {
	var model pullRequestModel

	err := s.db.WithContext(ctx).Take(&model, id).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("pull request %d", id))
	}

	pr := pullRequestFromModel(&model)

	return &pr, nil
}

// PullRequestByNumber returns a pull request by repository and number.
func (s *Store) PullRequestByNumber(ctx context.Context, repo string, number int) (*domain.PullRequest, error) {
	var model pullRequestModel

	err := s.db.WithContext(ctx).Where("repo = ? AND number = ?", repo, number).Take(&model).Error
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("pull request %s#%d", repo, number))
	}

	pr := pullRequestFromModel(&model)

	return &pr, nil
}

// PullRequests lists the pull requests of a repository ordered by number.
// An empty repo lists every repository.
func (s *Store) PullRequests(ctx context.Context, repo string) ([]domain.PullRequest, error) {
	var models []pullRequestModel

	q := s.db.WithContext(ctx).Order("repo, number")
	if repo != "" {
		q = q.Where("repo = ?", repo)
	}

	err := q.Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}

	out := make([]domain.PullRequest, len(models))
	for i := range models {
		out[i] = pullRequestFromModel(&models[i])
	}

	return out, nil
}

// Changes returns the event log of a pull request in append order.
func (s *Store) Changes(ctx context.Context, prID int64) ([]domain.PullRequestChange, error) {
	var count int64

	err := s.db.WithContext(ctx).Model(&pullRequestModel{}).Where("id = ?", prID).Count(&count).Error
	if err != nil {
		return nil, fmt.Errorf("count pull requests: %w", err)
	}

	if count == 0 {
		return nil, fmt.Errorf("pull request %d: %w", prID, ErrNotFound)
	}

	return changes(s.db.WithContext(ctx), prID)
}

func changes(db *gorm.DB, prID int64) ([]domain.PullRequestChange, error) {
	var models []changeModel

	err := db.Where("pull_request_id = ?", prID).Order("seq").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}

	out := make([]domain.PullRequestChange, len(models))
	for i, m := range models {
		out[i] = domain.PullRequestChange{
			ID:            m.ID,
			PullRequestID: m.PullRequestID,
			Type:          domain.ChangeType(m.Type),
			Actor:         m.Actor,
			ChangedAt:     m.ChangedAt,
			Payload:       m.Payload,
		}
	}

	return out, nil
}

func changeToModel(c *domain.PullRequestChange) changeModel {
	return changeModel{
		ID:            c.ID,
		PullRequestID: c.PullRequestID,
		Type:          string(c.Type),
		Actor:         c.Actor,
		ChangedAt:     c.ChangedAt.UTC(),
		Payload:       c.Payload,
	}
}

func pullRequestFromModel(m *pullRequestModel) domain.PullRequest {
	return domain.PullRequest{
		ID:             m.ID,
		PRNumber:       m.Number,
		URL:            m.URL,
		Title:          m.Title,
		State:          domain.PRState(m.State),
		Merged:         m.Merged,
		Author:         m.Author,
		RepoFullName:   m.Repo,
		BaseSHA:        m.BaseSHA,
		HeadSHA:        m.HeadSHA,
		Additions:      m.Additions,
		Deletions:      m.Deletions,
		ChangedFiles:   m.ChangedFiles,
		SurvivingLines: m.SurvivingLines,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func pullRequestToModel(pr *domain.PullRequest) pullRequestModel {
	return pullRequestModel{
		ID:             pr.ID,
		Repo:           pr.RepoFullName,
		Number:         pr.PRNumber,
		URL:            pr.URL,
		Title:          pr.Title,
		State:          string(pr.State),
		Merged:         pr.Merged,
		Author:         pr.Author,
		BaseSHA:        pr.BaseSHA,
		HeadSHA:        pr.HeadSHA,
		Additions:      pr.Additions,
		Deletions:      pr.Deletions,
		ChangedFiles:   pr.ChangedFiles,
		SurvivingLines: pr.SurvivingLines,
		CreatedAt:      pr.CreatedAt.UTC(),
		UpdatedAt:      pr.UpdatedAt.UTC(),
	}
}
