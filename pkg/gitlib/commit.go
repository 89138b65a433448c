package gitlib

import (
	"context"
	"fmt"
	"time"

	git2go "github.com/libgit2/git2go/v34"
)

// Signature represents a git signature (author/committer).
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// CommitInfo is the metadata of one commit.
type CommitInfo struct {
	Hash      Hash
	Author    Signature
	Committer Signature
	Message   string
	Parents   []Hash
}

// Commit returns the metadata of a commit.
func (r *Repository) Commit(_ context.Context, hash Hash) (CommitInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.repo.LookupCommit(hash.ToOid())
	if err != nil {
		return CommitInfo{}, fmt.Errorf("lookup commit %s: %w", hash, err)
	}
	defer c.Free()

	return commitInfo(c), nil
}

// Commits lists the commits reachable from head but not from base, oldest
// first, the way a pull request presents them. A zero base lists every ancestor.
func (r *Repository) Commits(ctx context.Context, base, head Hash) ([]CommitInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	walk, err := r.repo.Walk()
	if err != nil {
		return nil, fmt.Errorf("create revwalk: %w", err)
	}
	defer walk.Free()

	walk.Sorting(git2go.SortTopological | git2go.SortTime | git2go.SortReverse)

	err = walk.Push(head.ToOid())
	if err != nil {
		return nil, fmt.Errorf("push %s to revwalk: %w", head, err)
	}

	if !base.IsZero() {
		err = walk.Hide(base.ToOid())
		if err != nil {
			return nil, fmt.Errorf("hide %s from revwalk: %w", base, err)
		}
	}

	var commits []CommitInfo

	oid := new(git2go.Oid)

	for walk.Next(oid) == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c, err := r.repo.LookupCommit(oid)
		if err != nil {
			return nil, fmt.Errorf("lookup commit %s: %w", oid, err)
		}

		commits = append(commits, commitInfo(c))
		c.Free()
	}

	return commits, nil
}

func commitInfo(c *git2go.Commit) CommitInfo {
	author := c.Author()
	committer := c.Committer()

	info := CommitInfo{
		Hash:      HashFromOid(c.Id()),
		Author:    Signature{Name: author.Name, Email: author.Email, When: author.When},
		Committer: Signature{Name: committer.Name, Email: committer.Email, When: committer.When},
		Message:   c.Message(),
	}

	for i := range c.ParentCount() {
		info.Parents = append(info.Parents, HashFromOid(c.ParentId(i)))
	}

	return info
}
