package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initRepo creates a fresh git repository in a temp dir with one commit, so
// worktree operations have a valid HEAD to branch from.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runSetupGit(t, dir, "init", "-q", "-b", "main")
	runSetupGit(t, dir, "config", "user.email", "test@example.com")
	runSetupGit(t, dir, "config", "user.name", "Test")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	runSetupGit(t, dir, "add", "README.md")
	runSetupGit(t, dir, "commit", "-q", "-m", "initial")

	return dir
}

func runSetupGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v failed: %s", args, out)
}

func TestFromWorkingDir_ResolvesRepoRoot(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()

	mgr, err := FromWorkingDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, dir, mgr.RepoRoot())
}

func TestFromWorkingDir_RejectsNonRepo(t *testing.T) {
	dir := t.TempDir()
	_, err := FromWorkingDir(context.Background(), dir)
	assert.Error(t, err)
}

func TestCreateWorktree_CreatesDetachedWorktree(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	mgr := New(dir)

	path, err := mgr.CreateWorktree(ctx, "sess-1")
	require.NoError(t, err)
	assert.DirExists(t, path)
	assert.Equal(t, filepath.Join(mgr.WorktreesRoot(), "sess-1"), path)

	entries, err := mgr.ListWorktrees(ctx)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Path == path {
			found = true
		}
	}
	assert.True(t, found)
}

func TestCreateWorktree_ReplacesStalePath(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	mgr := New(dir)

	path1, err := mgr.CreateWorktree(ctx, "sess-1")
	require.NoError(t, err)

	path2, err := mgr.CreateWorktree(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, path1, path2)
	assert.DirExists(t, path2)
}

func TestRemoveWorktreeForSession_RemovesDirectory(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	mgr := New(dir)

	path, err := mgr.CreateWorktree(ctx, "sess-1")
	require.NoError(t, err)

	require.NoError(t, mgr.RemoveWorktreeForSession(ctx, "sess-1"))
	assert.NoDirExists(t, path)
}

func TestRemoveWorktreeAtPath_NoopWhenMissing(t *testing.T) {
	dir := initRepo(t)
	mgr := New(dir)
	err := mgr.RemoveWorktreeAtPath(context.Background(), filepath.Join(mgr.WorktreesRoot(), "nonexistent"), true)
	assert.NoError(t, err)
}

func TestReconcileManagedWorktrees_RemovesUnexpectedAndKeepsExpected(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	mgr := New(dir)

	keepPath, err := mgr.CreateWorktree(ctx, "keep-me")
	require.NoError(t, err)
	dropPath, err := mgr.CreateWorktree(ctx, "drop-me")
	require.NoError(t, err)

	notices, err := mgr.ReconcileManagedWorktrees(ctx, []string{keepPath})
	require.NoError(t, err)
	assert.Empty(t, notices, "a clean worktree being dropped produces no discard notice")

	assert.DirExists(t, keepPath)
	assert.NoDirExists(t, dropPath)
}

func TestReconcileManagedWorktrees_NoticesUncommittedDiscard(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	mgr := New(dir)

	dropPath, err := mgr.CreateWorktree(ctx, "drop-me")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dropPath, "README.md"), []byte("changed content here"), 0o644))

	notices, err := mgr.ReconcileManagedWorktrees(ctx, nil)
	require.NoError(t, err)
	require.Len(t, notices, 1)
	assert.Equal(t, dropPath, notices[0].Path)
	assert.Contains(t, notices[0].Summary, "discarding uncommitted worktree changes")
}

func TestUncommittedDiffSummary_CountsAddedAndRemovedLines(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	mgr := New(dir)

	// The initial commit's README.md is a single line ("hello"); replacing
	// it with two lines is a 1-line removal, 2-line addition in `git diff
	// HEAD`'s unified format.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("line one\nline two\n"), 0o644))

	summary := mgr.uncommittedDiffSummary(ctx, dir)
	assert.Equal(t, "discarding uncommitted worktree changes: +2/-1 lines", summary)
}

func TestUncommittedDiffSummary_EmptyForCleanTree(t *testing.T) {
	dir := initRepo(t)
	mgr := New(dir)

	summary := mgr.uncommittedDiffSummary(context.Background(), dir)
	assert.Empty(t, summary)
}

func TestGroupByRepoRoot_GroupsByResolvedRoot(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	mgr := New(dir)

	path, err := mgr.CreateWorktree(ctx, "sess-1")
	require.NoError(t, err)

	grouped := GroupByRepoRoot(ctx, map[string][]string{dir: {path}})
	require.Contains(t, grouped, dir)
	assert.Equal(t, []string{path}, grouped[dir])
}

func TestGroupByRepoRoot_FansOutMultipleSessionsSharingAWorkingDir(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	mgr := New(dir)

	path1, err := mgr.CreateWorktree(ctx, "sess-1")
	require.NoError(t, err)
	path2, err := mgr.CreateWorktree(ctx, "sess-2")
	require.NoError(t, err)

	grouped := GroupByRepoRoot(ctx, map[string][]string{dir: {path1, path2}})
	require.Contains(t, grouped, dir)
	assert.ElementsMatch(t, []string{path1, path2}, grouped[dir])
}
