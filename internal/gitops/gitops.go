// Package gitops is the git collaborator of the engine: cloning
// repositories, materializing and removing worktrees, and reading the
// current HEAD of a working directory.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// CloneResult is what a clone produces.
type CloneResult struct {
	Path          string
	DefaultBranch string
}

// WorktreeSpec describes one worktree to materialize.
type WorktreeSpec struct {
	RepoPath     string
	TargetPath   string
	Ref          string
	CreateBranch bool
	PullLatest   bool
	SourceBranch string
}

// WorktreeInfo holds parsed worktree metadata from `git worktree list --porcelain`.
type WorktreeInfo struct {
	Path   string
	Branch string
	HEAD   string
}

// Client defines the git operations the engine delegates.
// Every call honors ctx cancellation and deadlines.
type Client interface {
	Clone(ctx context.Context, url, dest string) (CloneResult, error)
	CreateWorktree(ctx context.Context, spec WorktreeSpec) error
	RemoveWorktree(ctx context.Context, repoPath, path string) error
	// PruneWorktrees drops registrations whose directory no longer exists.
	PruneWorktrees(ctx context.Context, repoPath string) error
	BranchExists(ctx context.Context, repoPath, branch string) (bool, error)
	DeleteBranch(ctx context.Context, repoPath, branch string) error
	DefaultBranch(ctx context.Context, repoPath string) (string, error)
	ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error)
}

// CommandError is a git invocation that ran and exited non-zero.
type CommandError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("git %s: %s", strings.Join(e.Args, " "), e.Stderr)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecClient implements Client by running the git binary.
type ExecClient struct {
	// Binary is the git executable; defaults to "git".
	Binary string
}

// NewExecClient returns a Client backed by the git binary.
func NewExecClient() *ExecClient {
	return &ExecClient{Binary: "git"}
}

func (c *ExecClient) gitCmd(ctx context.Context, path string, args ...string) (string, error) {
	bin := c.Binary
	if bin == "" {
		bin = "git"
	}
	fullArgs := args
	if path != "" {
		fullArgs = append([]string{"-C", path}, args...)
	}
	out, err := exec.CommandContext(ctx, bin, fullArgs...).Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", &CommandError{Args: args, Stderr: strings.TrimSpace(string(exitErr.Stderr)), Err: exitErr}
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *ExecClient) Clone(ctx context.Context, url, dest string) (CloneResult, error) {
	if _, err := c.gitCmd(ctx, "", "clone", "--", url, dest); err != nil {
		return CloneResult{}, err
	}
	branch, err := c.DefaultBranch(ctx, dest)
	if err != nil {
		return CloneResult{}, err
	}
	return CloneResult{Path: dest, DefaultBranch: branch}, nil
}

func (c *ExecClient) CreateWorktree(ctx context.Context, spec WorktreeSpec) error {
	base := spec.SourceBranch
	if spec.PullLatest && spec.SourceBranch != "" {
		if _, err := c.gitCmd(ctx, spec.RepoPath, "fetch", "origin", spec.SourceBranch); err != nil {
			return err
		}
		base = "origin/" + spec.SourceBranch
	}

	args := []string{"worktree", "add"}
	if spec.CreateBranch {
		args = append(args, "-b", spec.Ref, spec.TargetPath)
		if base != "" {
			args = append(args, base)
		}
	} else {
		args = append(args, spec.TargetPath, spec.Ref)
	}
	_, err := c.gitCmd(ctx, spec.RepoPath, args...)
	return err
}

func (c *ExecClient) RemoveWorktree(ctx context.Context, repoPath, path string) error {
	if _, err := c.gitCmd(ctx, repoPath, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	return c.PruneWorktrees(ctx, repoPath)
}

func (c *ExecClient) PruneWorktrees(ctx context.Context, repoPath string) error {
	_, err := c.gitCmd(ctx, repoPath, "worktree", "prune")
	return err
}

// BranchExists reports whether refs/heads/<branch> resolves.
func (c *ExecClient) BranchExists(ctx context.Context, repoPath, branch string) (bool, error) {
	_, err := c.gitCmd(ctx, repoPath, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return false, nil
	}
	return false, err
}

// DeleteBranch force-deletes a local branch. git refuses while the branch
// is checked out in any worktree.
func (c *ExecClient) DeleteBranch(ctx context.Context, repoPath, branch string) error {
	_, err := c.gitCmd(ctx, repoPath, "branch", "-D", branch)
	return err
}

// DefaultBranch prefers the remote HEAD and falls back to the local HEAD.
func (c *ExecClient) DefaultBranch(ctx context.Context, repoPath string) (string, error) {
	if out, err := c.gitCmd(ctx, repoPath, "symbolic-ref", "--short", "refs/remotes/origin/HEAD"); err == nil && out != "" {
		return strings.TrimPrefix(out, "origin/"), nil
	}
	return c.gitCmd(ctx, repoPath, "symbolic-ref", "--short", "HEAD")
}

func (c *ExecClient) ListWorktrees(ctx context.Context, repoPath string) ([]WorktreeInfo, error) {
	out, err := c.gitCmd(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeListPorcelain(out), nil
}

// SamePath reports whether a and b name the same location, following
// symlinks where both resolve.
func SamePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	ra, errA := filepath.EvalSymlinks(a)
	rb, errB := filepath.EvalSymlinks(b)
	return errA == nil && errB == nil && ra == rb
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
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
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

// RepoName derives a repository name from a remote URL or path:
// "git@github.com:acme/api.git" and "/src/api" both yield "api".
func RepoName(urlOrPath string) string {
	s := strings.TrimRight(strings.TrimSpace(urlOrPath), "/")
	s = strings.TrimSuffix(s, ".git")
	if i := strings.LastIndexAny(s, "/:"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
