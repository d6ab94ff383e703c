package gitops

import (
	"context"
	"io"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mergeFixture prepares a clone with a local main branch and a remote
// feature branch to merge from.
type mergeFixture struct {
	clone *Repo
	base  string
}

func newMergeFixture(t *testing.T, private *fixtureRepo) *mergeFixture {
	t.Helper()
	public := newFixtureRepo(t)
	r := openClone(t, private, public)
	require.NoError(t, r.Fetch(context.Background(), RemotePrivate))
	require.NoError(t, r.EnsureLocalBranch("main", RemotePrivate))
	return &mergeFixture{clone: r}
}

func (f *mergeFixture) fileContent(t *testing.T, commit, path string) string {
	t.Helper()
	c, err := f.clone.resolveCommit(commit)
	require.NoError(t, err)
	file, err := c.File(path)
	require.NoError(t, err)
	rd, err := file.Reader()
	require.NoError(t, err)
	defer rd.Close()
	data, err := io.ReadAll(rd)
	require.NoError(t, err)
	return string(data)
}

func TestMergeUpToDate(t *testing.T) {
	private := newFixtureRepo(t)
	old := private.commit("base", map[string]string{"a.txt": "one\n"})
	head := private.commit("more", map[string]string{"a.txt": "two\n"})

	f := newMergeFixture(t, private)

	// Source already contained in the destination.
	res, err := f.clone.Merge(context.Background(), old, "main")
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
	assert.Equal(t, head, res.Commit)

	// Source equals the destination head.
	res, err = f.clone.Merge(context.Background(), head, "main")
	require.NoError(t, err)
	assert.True(t, res.UpToDate)
}

func TestMergeFastForward(t *testing.T) {
	private := newFixtureRepo(t)
	private.commit("base", map[string]string{"a.txt": "one\n"})

	private.checkout("feature", true)
	tip := private.commit("ahead", map[string]string{"a.txt": "two\n"})

	f := newMergeFixture(t, private)

	res, err := f.clone.Merge(context.Background(), tip, "main")
	require.NoError(t, err)
	assert.True(t, res.FastForward)
	assert.Equal(t, tip, res.Commit)

	head, err := f.clone.Head("main")
	require.NoError(t, err)
	assert.Equal(t, tip, head)
}

func TestMergeThreeWayClean(t *testing.T) {
	private := newFixtureRepo(t)
	private.commit("base", map[string]string{
		"a.txt": "base a\n",
		"b.txt": "base b\n",
	})

	private.checkout("feature", true)
	tip := private.commit("their change", map[string]string{"b.txt": "their b\n"})

	private.checkout("main", false)
	ours := private.commit("our change", map[string]string{"a.txt": "our a\n"})

	f := newMergeFixture(t, private)

	res, err := f.clone.Merge(context.Background(), tip, "main")
	require.NoError(t, err)
	assert.False(t, res.UpToDate)
	assert.False(t, res.FastForward)

	head, err := f.clone.Head("main")
	require.NoError(t, err)
	assert.Equal(t, res.Commit, head)

	// Both sides' changes survive.
	assert.Equal(t, "our a\n", f.fileContent(t, res.Commit, "a.txt"))
	assert.Equal(t, "their b\n", f.fileContent(t, res.Commit, "b.txt"))

	// Merge commit parents are (destination, source).
	c, err := f.clone.resolveCommit(res.Commit)
	require.NoError(t, err)
	require.Len(t, c.ParentHashes, 2)
	assert.Equal(t, ours, c.ParentHashes[0].String())
	assert.Equal(t, tip, c.ParentHashes[1].String())
}

func TestMergeNestedDirectories(t *testing.T) {
	private := newFixtureRepo(t)
	private.commit("base", map[string]string{
		"cmd/app/main.go":    "package main\n",
		"internal/x/file.go": "package x\n",
	})

	private.checkout("feature", true)
	tip := private.commit("their change", map[string]string{"internal/x/file.go": "package x // v2\n"})

	private.checkout("main", false)
	private.commit("our change", map[string]string{"cmd/app/main.go": "package main // v2\n"})

	f := newMergeFixture(t, private)

	res, err := f.clone.Merge(context.Background(), tip, "main")
	require.NoError(t, err)
	assert.Equal(t, "package main // v2\n", f.fileContent(t, res.Commit, "cmd/app/main.go"))
	assert.Equal(t, "package x // v2\n", f.fileContent(t, res.Commit, "internal/x/file.go"))
}

func TestMergeConflictLeavesBranchUntouched(t *testing.T) {
	private := newFixtureRepo(t)
	private.commit("base", map[string]string{"a.txt": "base\n", "b.txt": "base b\n"})

	private.checkout("feature", true)
	tip := private.commit("their change", map[string]string{"a.txt": "theirs\n"})

	private.checkout("main", false)
	ours := private.commit("our change", map[string]string{"a.txt": "ours\n"})

	f := newMergeFixture(t, private)

	_, err := f.clone.Merge(context.Background(), tip, "main")
	require.ErrorIs(t, err, ErrMergeConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"a.txt"}, conflict.Paths)

	// No partial merge: the destination branch still points at our head.
	head, err := f.clone.Head("main")
	require.NoError(t, err)
	assert.Equal(t, ours, head)
}

func TestMergeDeletionVersusEdit(t *testing.T) {
	private := newFixtureRepo(t)
	private.commit("base", map[string]string{"a.txt": "base\n", "b.txt": "b\n"})

	private.checkout("feature", true)
	wt := private.wt
	_, err := wt.Remove("a.txt")
	require.NoError(t, err)
	tip := private.commit("delete a", nil)

	private.checkout("main", false)
	private.commit("edit a", map[string]string{"a.txt": "edited\n"})

	f := newMergeFixture(t, private)

	_, err = f.clone.Merge(context.Background(), tip, "main")
	require.ErrorIs(t, err, ErrMergeConflict)

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"a.txt"}, conflict.Paths)
}

func TestMergeUnrelatedHistories(t *testing.T) {
	private := newFixtureRepo(t)
	private.commit("base", map[string]string{"a.txt": "one\n"})

	// An orphan branch sharing no ancestor with main.
	err := private.repo.Storer.SetReference(
		plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("orphan")))
	require.NoError(t, err)
	orphan := private.commit("unrelated", map[string]string{"z.txt": "z\n"})

	f := newMergeFixture(t, private)

	_, err = f.clone.Merge(context.Background(), orphan, "main")
	require.ErrorIs(t, err, ErrMergeConflict)

	// Main is untouched.
	head, err := f.clone.Head("main")
	require.NoError(t, err)
	assert.NotEqual(t, orphan, head)
}
