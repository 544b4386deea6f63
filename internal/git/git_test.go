package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repo on main in dir with a user config so commits work on CI.
func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
}

func run(t *testing.T, args ...string) {
	t.Helper()
	out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
	require.NoError(t, err, string(out))
}

func commitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	run(t, "git", "-C", dir, "add", ".")
	run(t, "git", "-C", dir, "commit", "-m", msg)
}

func TestParseWorktreeListPorcelain(t *testing.T) {
	input := `worktree /Users/joe/projects/myrepo
HEAD abc123def456
branch refs/heads/main

worktree /Users/joe/projects/myrepo.worktrees/feature-x
HEAD def789abc012
branch refs/heads/feature/x

`
	worktrees := ParseWorktreeListPorcelain(input)
	assert.Len(t, worktrees, 2)
	assert.Equal(t, "/Users/joe/projects/myrepo", worktrees[0].Path)
	assert.Equal(t, "main", worktrees[0].Branch)
	assert.Equal(t, "feature/x", worktrees[1].Branch)
}

func TestParseWorktreeListPorcelain_Empty(t *testing.T) {
	assert.Nil(t, ParseWorktreeListPorcelain(""))
}

func TestRealClient_DiffAndBranch(t *testing.T) {
	dir := t.TempDir()
	initTestRepo(t, dir)
	commitFile(t, dir, "file1.txt", "hello\n", "initial")
	run(t, "git", "-C", dir, "checkout", "-b", "feature")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file1.txt"), []byte("hello world\n"), 0644))
	commitFile(t, dir, "file2.txt", "new file\n", "feature changes")

	c := NewClient()
	ctx := context.Background()

	branch, err := c.CurrentBranch(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, "feature", branch)

	diff, err := c.Diff(ctx, dir, "main", "feature")
	require.NoError(t, err)
	assert.Contains(t, diff, "+hello world")
	assert.Contains(t, diff, "diff --git a/file2.txt b/file2.txt")

	_, err = c.Diff(ctx, dir, "nope", "feature")
	assert.Error(t, err)
}

func TestRealClient_FastForwardAndPull(t *testing.T) {
	root := t.TempDir()
	origin := filepath.Join(root, "origin")
	require.NoError(t, os.MkdirAll(origin, 0755))
	initTestRepo(t, origin)
	commitFile(t, origin, "a.txt", "one\n", "first")

	clone := filepath.Join(root, "clone")
	run(t, "git", "clone", "--quiet", origin, clone)
	run(t, "git", "-C", clone, "config", "user.email", "test@test.com")
	run(t, "git", "-C", clone, "config", "user.name", "Test")
	run(t, "git", "-C", clone, "checkout", "-b", "feature")

	commitFile(t, origin, "a.txt", "two\n", "second")

	c := NewClient()
	ctx := context.Background()

	// On a different branch, main is fast-forwarded without a checkout.
	require.NoError(t, c.FastForwardBranch(ctx, clone, "origin", "main"))
	out, err := exec.Command("git", "-C", clone, "show", "main:a.txt").Output()
	require.NoError(t, err)
	assert.Equal(t, "two\n", string(out))
	branch, err := c.CurrentBranch(ctx, clone)
	require.NoError(t, err)
	assert.Equal(t, "feature", branch)

	commitFile(t, origin, "a.txt", "three\n", "third")
	run(t, "git", "-C", clone, "checkout", "main")
	require.NoError(t, c.Fetch(ctx, clone, "origin", "main"))
	require.NoError(t, c.Pull(ctx, clone, "origin", "main"))
	data, err := os.ReadFile(filepath.Join(clone, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "three\n", string(data))
}

func TestRealClient_Worktrees(t *testing.T) {
	root := t.TempDir()
	repo := filepath.Join(root, "repo")
	require.NoError(t, os.MkdirAll(repo, 0755))
	initTestRepo(t, repo)
	commitFile(t, repo, "a.txt", "one\n", "first")

	wt := filepath.Join(root, "wt-feature")
	run(t, "git", "-C", repo, "worktree", "add", "-b", "feature", wt)

	c := NewClient()
	ctx := context.Background()

	list, err := c.WorktreeList(ctx, repo)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "feature", list[1].Branch)

	require.NoError(t, c.WorktreeRemove(ctx, repo, wt))
	_, err = os.Stat(wt)
	assert.True(t, os.IsNotExist(err))
}
