package gitlib

import (
	"context"
	"fmt"

	git2go "github.com/libgit2/git2go/v34"
)

// ChangeStatus is how a file changed between two commits.
type ChangeStatus string

// Change statuses.
const (
	StatusAdded    ChangeStatus = "added"
	StatusModified ChangeStatus = "modified"
	StatusRemoved  ChangeStatus = "removed"
	StatusRenamed  ChangeStatus = "renamed"
)

// FileChange is one file of a diff between two commits, with its unified patch
// and both blobs.
type FileChange struct {
	Path         string
	PreviousPath string
	Status       ChangeStatus
	Patch        string
	Binary       bool
	// OldContent and NewContent are nil when the blob does not exist on that side.
	OldContent []byte
	NewContent []byte
	NewBlob    Hash
}

// Changes diffs the trees of from and to, detecting renames. A zero from diffs
// against the empty tree.
func (r *Repository) Changes(ctx context.Context, from, to Hash) ([]FileChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	oldTree, err := r.tree(from)
	if err != nil {
		return nil, err
	}

	if oldTree != nil {
		defer oldTree.Free()
	}

	newTree, err := r.tree(to)
	if err != nil {
		return nil, err
	}

	if newTree != nil {
		defer newTree.Free()
	}

	opts, err := git2go.DefaultDiffOptions()
	if err != nil {
		return nil, fmt.Errorf("get diff options: %w", err)
	}

	diff, err := r.repo.DiffTreeToTree(oldTree, newTree, &opts)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}

	defer func() { _ = diff.Free() }()

	findOpts, err := git2go.DefaultDiffFindOptions()
	if err != nil {
		return nil, fmt.Errorf("get find options: %w", err)
	}

	findOpts.Flags |= git2go.DiffFindRenames

	err = diff.FindSimilar(&findOpts)
	if err != nil {
		return nil, fmt.Errorf("find renames: %w", err)
	}

	numDeltas, err := diff.NumDeltas()
	if err != nil {
		return nil, fmt.Errorf("get num deltas: %w", err)
	}

	changes := make([]FileChange, 0, numDeltas)

	for i := range numDeltas {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		change, ok, err := r.fileChange(diff, i)
		if err != nil {
			return nil, err
		}

		if ok {
			changes = append(changes, change)
		}
	}

	return changes, nil
}

// CommitPatches returns the unified patch of every file a commit changed against
// its first parent, keyed by the file's path after the commit.
func (r *Repository) CommitPatches(ctx context.Context, commit Hash) (map[string]string, error) {
	info, err := r.Commit(ctx, commit)
	if err != nil {
		return nil, err
	}

	var parent Hash
	if len(info.Parents) > 0 {
		parent = info.Parents[0]
	}

	changes, err := r.Changes(ctx, parent, commit)
	if err != nil {
		return nil, err
	}

	patches := make(map[string]string, len(changes))
	for _, c := range changes {
		patches[c.Path] = c.Patch
	}

	return patches, nil
}

func (r *Repository) tree(commit Hash) (*git2go.Tree, error) {
	if commit.IsZero() {
		return nil, nil //nolint:nilnil // the empty tree
	}

	c, err := r.repo.LookupCommit(commit.ToOid())
	if err != nil {
		return nil, fmt.Errorf("lookup commit %s: %w", commit, err)
	}
	defer c.Free()

	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("get commit tree: %w", err)
	}

	return tree, nil
}

func (r *Repository) fileChange(diff *git2go.Diff, i int) (FileChange, bool, error) {
	delta, err := diff.Delta(i)
	if err != nil {
		return FileChange{}, false, fmt.Errorf("get delta: %w", err)
	}

	change := FileChange{
		Path:   delta.NewFile.Path,
		Binary: delta.Flags&git2go.DiffFlagBinary != 0,
	}

	switch delta.Status {
	case git2go.DeltaAdded:
		change.Status = StatusAdded
	case git2go.DeltaDeleted:
		change.Status = StatusRemoved
		change.Path = delta.OldFile.Path
	case git2go.DeltaModified:
		change.Status = StatusModified
	case git2go.DeltaRenamed, git2go.DeltaCopied:
		change.Status = StatusRenamed
		change.PreviousPath = delta.OldFile.Path
	default:
		return FileChange{}, false, nil
	}

	if delta.Status != git2go.DeltaAdded {
		change.OldContent, _, err = r.blob(delta.OldFile.Oid)
		if err != nil {
			return FileChange{}, false, err
		}
	}

	if delta.Status != git2go.DeltaDeleted {
		change.NewContent, change.NewBlob, err = r.blob(delta.NewFile.Oid)
		if err != nil {
			return FileChange{}, false, err
		}
	}

	patch, err := diff.Patch(i)
	if err != nil {
		return FileChange{}, false, fmt.Errorf("patch %s: %w", change.Path, err)
	}

	defer func() { _ = patch.Free() }()

	change.Patch, err = patch.String()
	if err != nil {
		return FileChange{}, false, fmt.Errorf("render patch %s: %w", change.Path, err)
	}

	// libgit2 only flags binary deltas once the patch has been generated.
	if !change.Binary {
		if d, derr := diff.Delta(i); derr == nil {
			change.Binary = d.Flags&git2go.DiffFlagBinary != 0
		}
	}

	return change, true, nil
}
