package gitops

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// State is the HEAD position and cleanliness of a working directory.
type State struct {
	Sha   string
	Ref   string // branch short name, empty when detached
	Dirty bool
}

// Snapshot reads the state of the working directory containing path.
// Linked worktrees are supported.
func Snapshot(path string) (State, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return State{}, fmt.Errorf("open repository %s: %w", path, err)
	}

	var st State
	head, err := repo.Head()
	switch {
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn branch: no commit yet.
	case err != nil:
		return State{}, fmt.Errorf("failed to get HEAD: %w", err)
	default:
		st.Sha = head.Hash().String()
		if head.Name().IsBranch() {
			st.Ref = head.Name().Short()
		}
	}

	wt, err := repo.Worktree()
	if err != nil {
		return State{}, fmt.Errorf("open worktree %s: %w", path, err)
	}
	status, err := wt.Status()
	if err != nil {
		return State{}, fmt.Errorf("worktree status %s: %w", path, err)
	}
	st.Dirty = !status.IsClean()
	return st, nil
}
