package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Client defines the git operations the review loop needs. All methods take
// the repository path since features may live in separate worktrees.
type Client interface {
	RepoRoot(ctx context.Context, path string) (string, error)
	CurrentBranch(ctx context.Context, path string) (string, error)
	Diff(ctx context.Context, path, base, head string) (string, error)
	Fetch(ctx context.Context, path, remote, branch string) error
	Pull(ctx context.Context, path, remote, branch string) error
	FastForwardBranch(ctx context.Context, path, remote, branch string) error
	WorktreeList(ctx context.Context, path string) ([]WorktreeInfo, error)
	WorktreeRemove(ctx context.Context, path, worktreePath string) error
}

// RealClient implements Client using real git commands.
type RealClient struct{}

// NewClient returns a new RealClient.
func NewClient() *RealClient {
	return &RealClient{}
}

func gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	fullArgs := append([]string{"-C", path}, args...)
	out, err := exec.CommandContext(ctx, "git", fullArgs...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *RealClient) RepoRoot(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--show-toplevel")
}

func (c *RealClient) CurrentBranch(ctx context.Context, path string) (string, error) {
	return gitCmd(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
}

// Diff returns the changes on head since it diverged from base. An empty
// head means the working tree.
func (c *RealClient) Diff(ctx context.Context, path, base, head string) (string, error) {
	rev := base
	if head != "" {
		rev = base + "..." + head
	}
	out, err := exec.CommandContext(ctx, "git", "-C", path, "diff", "--no-color", rev).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git diff %s: %s", rev, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git diff %s: %w", rev, err)
	}
	// Keep trailing whitespace; diff context lines depend on it.
	return string(out), nil
}

func (c *RealClient) Fetch(ctx context.Context, path, remote, branch string) error {
	args := []string{"fetch", "--quiet", remote}
	if branch != "" {
		args = append(args, branch)
	}
	_, err := gitCmd(ctx, path, args...)
	return err
}

// Pull fast-forwards the checked-out branch from remote.
func (c *RealClient) Pull(ctx context.Context, path, remote, branch string) error {
	_, err := gitCmd(ctx, path, "pull", "--ff-only", "--quiet", remote, branch)
	return err
}

// FastForwardBranch updates a local branch ref from remote without checking
// it out. git refuses non-fast-forward updates and updates to the current
// branch.
func (c *RealClient) FastForwardBranch(ctx context.Context, path, remote, branch string) error {
	_, err := gitCmd(ctx, path, "fetch", "--quiet", remote, branch+":"+branch)
	return err
}

func (c *RealClient) WorktreeList(ctx context.Context, path string) ([]WorktreeInfo, error) {
	out, err := gitCmd(ctx, path, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

func (c *RealClient) WorktreeRemove(ctx context.Context, path, worktreePath string) error {
	_, err := gitCmd(ctx, path, "worktree", "remove", worktreePath)
	return err
}

// ParseWorktreeListPorcelain parses the output of `git worktree list --porcelain`.
func ParseWorktreeListPorcelain(output string) []WorktreeInfo {
	var worktrees []WorktreeInfo
	var current WorktreeInfo

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.HEAD = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			branch := strings.TrimPrefix(line, "branch ")
			current.Branch = strings.TrimPrefix(branch, "refs/heads/")
		case line == "":
			if current.Path != "" {
				worktrees = append(worktrees, current)
				current = WorktreeInfo{}
			}
		}
	}
	if current.Path != "" {
		worktrees = append(worktrees, current)
	}
	return worktrees
}
