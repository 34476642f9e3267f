package gitx

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSourceRepo creates a local repository to clone from and returns its path
// and HEAD hash.
func newSourceRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	hash := commitFile(t, repo, dir, "README.md", "hello\n")
	return dir, hash
}

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)
	hash, err := wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func TestCloneFromLocalSource(t *testing.T) {
	ctx := context.Background()
	src, want := newSourceRepo(t)
	p := NewGoGitProvider(testLogger())

	dest := filepath.Join(t.TempDir(), "ws")
	got, err := p.Clone(ctx, src, dest, "", nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = os.Stat(filepath.Join(dest, "README.md"))
	assert.NoError(t, err)

	clean, err := p.StatusIsClean(ctx, dest)
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestCloneSpecificBranch(t *testing.T) {
	ctx := context.Background()
	src, want := newSourceRepo(t)
	p := NewGoGitProvider(testLogger())

	branch, err := p.CurrentBranch(ctx, src)
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "ws")
	got, err := p.Clone(ctx, src, dest, branch, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	cloned, err := p.CurrentBranch(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, branch, cloned)
}

func TestCloneMissingBranch(t *testing.T) {
	src, _ := newSourceRepo(t)
	p := NewGoGitProvider(testLogger())

	_, err := p.Clone(context.Background(), src, filepath.Join(t.TempDir(), "ws"), "no-such-branch", nil)
	var ce *CloneError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Suggestion)
}

func TestCloneMissingSource(t *testing.T) {
	p := NewGoGitProvider(testLogger())

	_, err := p.Clone(context.Background(), filepath.Join(t.TempDir(), "nope"), filepath.Join(t.TempDir(), "ws"), "", nil)
	var ce *CloneError
	assert.ErrorAs(t, err, &ce)
}

func TestFetchAndReset(t *testing.T) {
	ctx := context.Background()
	src, _ := newSourceRepo(t)
	p := NewGoGitProvider(testLogger())

	dest := filepath.Join(t.TempDir(), "ws")
	_, err := p.Clone(ctx, src, dest, "", nil)
	require.NoError(t, err)

	// Advance the source and dirty the clone; a refresh must land on the new
	// tip with a clean tree.
	srcRepo, err := git.PlainOpen(src)
	require.NoError(t, err)
	want := commitFile(t, srcRepo, src, "feature.txt", "new\n")
	require.NoError(t, os.WriteFile(filepath.Join(dest, "README.md"), []byte("local edit\n"), 0o644))

	got, err := p.FetchAndReset(ctx, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = os.Stat(filepath.Join(dest, "feature.txt"))
	assert.NoError(t, err)

	clean, err := p.StatusIsClean(ctx, dest)
	require.NoError(t, err)
	assert.True(t, clean)

	data, err := os.ReadFile(filepath.Join(dest, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestFetchAndResetAlreadyUpToDate(t *testing.T) {
	ctx := context.Background()
	src, want := newSourceRepo(t)
	p := NewGoGitProvider(testLogger())

	dest := filepath.Join(t.TempDir(), "ws")
	_, err := p.Clone(ctx, src, dest, "", nil)
	require.NoError(t, err)

	got, err := p.FetchAndReset(ctx, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestFetchAndResetNonRepository(t *testing.T) {
	p := NewGoGitProvider(testLogger())

	_, err := p.FetchAndReset(context.Background(), t.TempDir(), nil)
	var ue *UpdateError
	assert.ErrorAs(t, err, &ue)
}

func TestStatusIsCleanDetectsChanges(t *testing.T) {
	ctx := context.Background()
	src, _ := newSourceRepo(t)
	p := NewGoGitProvider(testLogger())

	dest := filepath.Join(t.TempDir(), "ws")
	_, err := p.Clone(ctx, src, dest, "", nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dest, "untracked.txt"), []byte("x"), 0o644))
	clean, err := p.StatusIsClean(ctx, dest)
	require.NoError(t, err)
	assert.False(t, clean)
}
