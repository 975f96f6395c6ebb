package gitops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Fake is an in-memory Client for tests and dry runs. It keeps the side
// effects git leaves behind: a created branch and a registered worktree
// survive a caller that gives up while the command is still running.
type Fake struct {
	mu sync.Mutex

	// DefaultBranchName is returned by Clone and DefaultBranch ("main" when empty).
	DefaultBranchName string
	// CreateErr, RemoveErr and CloneErr force the matching call to fail.
	// CreateErr fails before any branch or registration is made.
	CreateErr error
	RemoveErr error
	CloneErr  error
	// Block, when set, is received from after the worktree is registered and
	// before CreateWorktree returns.
	Block chan struct{}

	Created         []WorktreeSpec
	Removed         []string
	Clones          []string
	DeletedBranches []string

	branches   map[string]bool
	registered map[string]WorktreeSpec
}

var _ Client = (*Fake)(nil)

func (f *Fake) branch() string {
	if f.DefaultBranchName == "" {
		return "main"
	}
	return f.DefaultBranchName
}

func (f *Fake) init() {
	if f.branches == nil {
		f.branches = map[string]bool{f.branch(): true}
	}
	if f.registered == nil {
		f.registered = make(map[string]WorktreeSpec)
	}
}

func (f *Fake) Clone(_ context.Context, url, dest string) (CloneResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CloneErr != nil {
		return CloneResult{}, f.CloneErr
	}
	f.Clones = append(f.Clones, url)
	return CloneResult{Path: dest, DefaultBranch: f.branch()}, nil
}

func (f *Fake) CreateWorktree(ctx context.Context, spec WorktreeSpec) error {
	if err := os.MkdirAll(spec.TargetPath, 0o755); err != nil {
		return err
	}

	f.mu.Lock()
	f.init()
	if f.CreateErr != nil {
		f.mu.Unlock()
		return f.CreateErr
	}
	target := filepath.Clean(spec.TargetPath)
	if _, ok := f.registered[target]; ok {
		f.mu.Unlock()
		return fmt.Errorf("fatal: '%s' is already registered as a worktree", target)
	}
	if spec.CreateBranch {
		if f.branches[spec.Ref] {
			f.mu.Unlock()
			return fmt.Errorf("fatal: a branch named '%s' already exists", spec.Ref)
		}
		f.branches[spec.Ref] = true
	}
	f.registered[target] = spec
	f.Created = append(f.Created, spec)
	f.mu.Unlock()

	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *Fake) RemoveWorktree(_ context.Context, _ string, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	target := filepath.Clean(path)
	if _, ok := f.registered[target]; !ok {
		return fmt.Errorf("fatal: '%s' is not a working tree", path)
	}
	delete(f.registered, target)
	f.Removed = append(f.Removed, path)
	return os.RemoveAll(path)
}

func (f *Fake) PruneWorktrees(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	for p := range f.registered {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			delete(f.registered, p)
		}
	}
	return nil
}

func (f *Fake) BranchExists(_ context.Context, _ string, branch string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return f.branches[branch], nil
}

func (f *Fake) DeleteBranch(_ context.Context, _ string, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if !f.branches[branch] {
		return fmt.Errorf("error: branch '%s' not found", branch)
	}
	for p, spec := range f.registered {
		if spec.Ref == branch {
			return fmt.Errorf("error: cannot delete branch '%s' used by worktree at '%s'", branch, p)
		}
	}
	delete(f.branches, branch)
	f.DeletedBranches = append(f.DeletedBranches, branch)
	return nil
}

func (f *Fake) DefaultBranch(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branch(), nil
}

func (f *Fake) ListWorktrees(_ context.Context, repoPath string) ([]WorktreeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	if repoPath == "" {
		return nil, errors.New("repository path required")
	}
	out := []WorktreeInfo{{Path: repoPath, Branch: f.branch()}}
	paths := make([]string, 0, len(f.registered))
	for p := range f.registered {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		out = append(out, WorktreeInfo{Path: p, Branch: f.registered[p].Ref})
	}
	return out, nil
}

// HasBranch reports whether branch exists in the fake repository.
func (f *Fake) HasBranch(branch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return f.branches[branch]
}

// Registered reports whether path is a registered worktree.
func (f *Fake) Registered(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	_, ok := f.registered[filepath.Clean(path)]
	return ok
}

// CreatedCount returns the number of CreateWorktree calls that registered a
// worktree.
func (f *Fake) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}
