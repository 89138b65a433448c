package gitlib

import (
	"context"
	"errors"
	"fmt"
	"sync"

	git2go "github.com/libgit2/git2go/v34"
)

// Sentinel errors.
var (
	ErrFileNotFound     = errors.New("file not found at revision")
	ErrRevisionNotFound = errors.New("revision not found")
)

// Repository wraps a libgit2 repository. Calls are serialized: libgit2 objects
// handed out by one call are never shared with another goroutine.
type Repository struct {
	mu   sync.Mutex
	repo *git2go.Repository
	path string
}

// OpenRepository opens a git repository at the given path.
func OpenRepository(path string) (*Repository, error) {
	repo, err := git2go.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	return &Repository{repo: repo, path: path}, nil
}

// Path returns the repository path.
func (r *Repository) Path() string {
	return r.path
}

// Free releases the repository resources.
func (r *Repository) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.repo != nil {
		r.repo.Free()
		r.repo = nil
	}
}

// Head returns the commit HEAD points to.
func (r *Repository) Head() (Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ref, err := r.repo.Head()
	if err != nil {
		return Hash{}, fmt.Errorf("get HEAD: %w", err)
	}
	defer ref.Free()

	return HashFromOid(ref.Target()), nil
}

// Resolve resolves a revision expression (branch, tag, sha, HEAD~2, ...) to a commit.
func (r *Repository) Resolve(rev string) (Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.resolve(rev)
}

func (r *Repository) resolve(rev string) (Hash, error) {
	obj, err := r.repo.RevparseSingle(rev)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %s: %w", ErrRevisionNotFound, rev, err)
	}
	defer obj.Free()

	commit, err := obj.Peel(git2go.ObjectCommit)
	if err != nil {
		return Hash{}, fmt.Errorf("%w: %s is not a commit: %w", ErrRevisionNotFound, rev, err)
	}
	defer commit.Free()

	return HashFromOid(commit.Id()), nil
}

// FileAt returns the contents and blob id of path in the tree of commit.
// ErrFileNotFound is returned when the path does not exist there.
func (r *Repository) FileAt(_ context.Context, commit Hash, path string) ([]byte, Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.repo.LookupCommit(commit.ToOid())
	if err != nil {
		return nil, Hash{}, fmt.Errorf("lookup commit %s: %w", commit, err)
	}
	defer c.Free()

	tree, err := c.Tree()
	if err != nil {
		return nil, Hash{}, fmt.Errorf("get commit tree: %w", err)
	}
	defer tree.Free()

	entry, err := tree.EntryByPath(path)
	if err != nil {
		if git2go.IsErrorCode(err, git2go.ErrorCodeNotFound) {
			return nil, Hash{}, fmt.Errorf("%s@%s: %w", path, commit, ErrFileNotFound)
		}

		return nil, Hash{}, fmt.Errorf("entry by path: %w", err)
	}

	if entry.Type != git2go.ObjectBlob {
		return nil, Hash{}, fmt.Errorf("%s@%s is a %s: %w", path, commit, entry.Type, ErrFileNotFound)
	}

	return r.blob(entry.Id)
}

func (r *Repository) blob(oid *git2go.Oid) ([]byte, Hash, error) {
	blob, err := r.repo.LookupBlob(oid)
	if err != nil {
		return nil, Hash{}, fmt.Errorf("lookup blob: %w", err)
	}
	defer blob.Free()

	contents := blob.Contents()
	out := make([]byte, len(contents))
	copy(out, contents)

	return out, HashFromOid(oid), nil
}

// IsAncestor reports whether commit is reachable from head. A commit is its own
// ancestor. Unknown commits are not ancestors.
func (r *Repository) IsAncestor(_ context.Context, commit, head string) (bool, error) {
	if commit == head {
		return true, nil
	}

	c, err := ParseHash(commit)
	if err != nil {
		return false, err
	}

	h, err := ParseHash(head)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := r.repo.DescendantOf(h.ToOid(), c.ToOid())
	if err != nil {
		if git2go.IsErrorCode(err, git2go.ErrorCodeNotFound) {
			return false, nil
		}

		return false, fmt.Errorf("descendant of: %w", err)
	}

	return ok, nil
}

// MergeBase returns the best common ancestor of two commits.
func (r *Repository) MergeBase(a, b Hash) (Hash, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oid, err := r.repo.MergeBase(a.ToOid(), b.ToOid())
	if err != nil {
		return Hash{}, fmt.Errorf("merge base %s %s: %w", a, b, err)
	}

	return HashFromOid(oid), nil
}
