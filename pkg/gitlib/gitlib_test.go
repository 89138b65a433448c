package gitlib_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/linetrace/pkg/gitlib"
)

// testRepo wraps a scratch repository.
type testRepo struct {
	t      *testing.T
	path   string
	native *git2go.Repository
	clock  time.Time
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()

	dir := t.TempDir()

	repo, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)

	t.Cleanup(repo.Free)

	return &testRepo{t: t, path: dir, native: repo, clock: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (tr *testRepo) writeFile(name, content string) {
	tr.t.Helper()

	path := filepath.Join(tr.path, name)
	require.NoError(tr.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(tr.t, os.WriteFile(path, []byte(content), 0o644))
}

func (tr *testRepo) removeFile(name string) {
	tr.t.Helper()

	require.NoError(tr.t, os.Remove(filepath.Join(tr.path, name)))
}

// commit stages the work tree and commits it on top of parents (HEAD when none
// are given), moving HEAD when ref is "HEAD".
func (tr *testRepo) commit(message, ref string, parents ...gitlib.Hash) gitlib.Hash {
	tr.t.Helper()

	index, err := tr.native.Index()
	require.NoError(tr.t, err)

	defer index.Free()

	require.NoError(tr.t, index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil))
	require.NoError(tr.t, index.UpdateAll([]string{"*"}, nil))
	require.NoError(tr.t, index.Write())

	treeID, err := index.WriteTree()
	require.NoError(tr.t, err)

	tree, err := tr.native.LookupTree(treeID)
	require.NoError(tr.t, err)

	defer tree.Free()

	tr.clock = tr.clock.Add(time.Hour)
	sig := &git2go.Signature{Name: "Ada Lovelace", Email: "ada@example.com", When: tr.clock}

	if len(parents) == 0 {
		head, herr := tr.native.Head()
		if herr == nil {
			parents = append(parents, gitlib.HashFromOid(head.Target()))
			head.Free()
		}
	}

	var natives []*git2go.Commit

	for _, p := range parents {
		c, lerr := tr.native.LookupCommit(p.ToOid())
		require.NoError(tr.t, lerr)

		natives = append(natives, c)
	}

	oid, err := tr.native.CreateCommit(ref, sig, sig, message, tree, natives...)
	require.NoError(tr.t, err)

	for _, c := range natives {
		c.Free()
	}

	return gitlib.HashFromOid(oid)
}

func open(t *testing.T, tr *testRepo) *gitlib.Repository {
	t.Helper()

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	t.Cleanup(repo.Free)

	return repo
}

func TestParseHash(t *testing.T) {
	t.Parallel()

	h, err := gitlib.ParseHash("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", h.String())
	assert.False(t, h.IsZero())

	_, err = gitlib.ParseHash("abc")
	require.ErrorIs(t, err, gitlib.ErrInvalidHash)

	_, err = gitlib.ParseHash("zz23456789abcdef0123456789abcdef01234567")
	require.ErrorIs(t, err, gitlib.ErrInvalidHash)
}

func TestHeadResolveAndFileAt(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.writeFile("calc.go", "package calc\n")
	first := tr.commit("initial", "HEAD")
	tr.writeFile("calc.go", "package calc\n\nfunc Add(a, b int) int { return a + b }\n")
	second := tr.commit("add", "HEAD")

	repo := open(t, tr)

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, second, head)

	resolved, err := repo.Resolve("HEAD~1")
	require.NoError(t, err)
	assert.Equal(t, first, resolved)

	_, err = repo.Resolve("no-such-branch")
	require.ErrorIs(t, err, gitlib.ErrRevisionNotFound)

	content, blob, err := repo.FileAt(context.Background(), first, "calc.go")
	require.NoError(t, err)
	assert.Equal(t, "package calc\n", string(content))
	assert.False(t, blob.IsZero())

	_, _, err = repo.FileAt(context.Background(), first, "missing.go")
	require.ErrorIs(t, err, gitlib.ErrFileNotFound)
}

func TestIsAncestor(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.writeFile("a.txt", "a\n")
	base := tr.commit("base", "HEAD")
	tr.writeFile("a.txt", "a\nb\n")
	main := tr.commit("main", "HEAD")
	tr.writeFile("a.txt", "a\nc\n")
	side := tr.commit("side", "refs/heads/side", base)

	repo := open(t, tr)
	ctx := context.Background()

	ok, err := repo.IsAncestor(ctx, base.String(), main.String())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsAncestor(ctx, main.String(), main.String())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsAncestor(ctx, side.String(), main.String())
	require.NoError(t, err)
	assert.False(t, ok, "diverged commits are not reachable")

	ok, err = repo.IsAncestor(ctx, main.String(), base.String())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.IsAncestor(ctx, "nope", main.String())
	require.ErrorIs(t, err, gitlib.ErrInvalidHash)

	mergeBase, err := repo.MergeBase(main, side)
	require.NoError(t, err)
	assert.Equal(t, base, mergeBase)
}

func TestCommitsAreListedOldestFirst(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.writeFile("a.txt", "a\n")
	base := tr.commit("base", "HEAD")
	tr.writeFile("a.txt", "a\nb\n")
	one := tr.commit("one", "HEAD")
	tr.writeFile("a.txt", "a\nb\nc\n")
	two := tr.commit("two", "HEAD")

	repo := open(t, tr)

	commits, err := repo.Commits(context.Background(), base, two)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, one, commits[0].Hash)
	assert.Equal(t, two, commits[1].Hash)
	assert.Equal(t, "Ada Lovelace", commits[0].Author.Name)
	assert.Equal(t, []gitlib.Hash{one}, commits[1].Parents)

	all, err := repo.Commits(context.Background(), gitlib.Hash{}, two)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestChangesBetweenCommits(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.writeFile("keep.go", "package keep\n\nfunc A() {}\n")
	tr.writeFile("gone.go", "package gone\n")
	tr.writeFile("old_name.go", "package moved\n\nfunc One() {}\nfunc Two() {}\nfunc Three() {}\n")
	base := tr.commit("base", "HEAD")

	tr.writeFile("keep.go", "package keep\n\nfunc A() {}\n\nfunc B() {}\n")
	tr.writeFile("fresh.go", "package fresh\n")
	tr.removeFile("gone.go")
	tr.removeFile("old_name.go")
	tr.writeFile("new_name.go", "package moved\n\nfunc One() {}\nfunc Two() {}\nfunc Three() {}\n")
	head := tr.commit("pr", "HEAD")

	repo := open(t, tr)

	changes, err := repo.Changes(context.Background(), base, head)
	require.NoError(t, err)

	byPath := make(map[string]gitlib.FileChange, len(changes))
	for _, c := range changes {
		byPath[c.Path] = c
	}

	require.Contains(t, byPath, "keep.go")
	assert.Equal(t, gitlib.StatusModified, byPath["keep.go"].Status)
	assert.Contains(t, byPath["keep.go"].Patch, "+func B() {}")
	assert.Equal(t, "package keep\n\nfunc A() {}\n", string(byPath["keep.go"].OldContent))
	assert.False(t, byPath["keep.go"].NewBlob.IsZero())

	require.Contains(t, byPath, "fresh.go")
	assert.Equal(t, gitlib.StatusAdded, byPath["fresh.go"].Status)
	assert.Nil(t, byPath["fresh.go"].OldContent)

	require.Contains(t, byPath, "gone.go")
	assert.Equal(t, gitlib.StatusRemoved, byPath["gone.go"].Status)
	assert.Nil(t, byPath["gone.go"].NewContent)

	require.Contains(t, byPath, "new_name.go")
	assert.Equal(t, gitlib.StatusRenamed, byPath["new_name.go"].Status)
	assert.Equal(t, "old_name.go", byPath["new_name.go"].PreviousPath)
}

func TestCommitPatches(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.writeFile("a.txt", "a\n")
	tr.commit("base", "HEAD")
	tr.writeFile("a.txt", "a\nb\n")
	commit := tr.commit("add b", "HEAD")

	repo := open(t, tr)

	patches, err := repo.CommitPatches(context.Background(), commit)
	require.NoError(t, err)
	require.Contains(t, patches, "a.txt")
	assert.Contains(t, patches["a.txt"], "+b")
}
