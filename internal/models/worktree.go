package models

import (
	"strings"
	"time"

	"github.com/joescharf/lineage/internal/errs"
)

// WorktreeState tracks the two-phase creation of a worktree record.
type WorktreeState string

const (
	// WorktreeStatePending holds the (repository, name) and path reservation
	// while the git worktree is being materialized.
	WorktreeStatePending WorktreeState = "pending"
	WorktreeStateReady   WorktreeState = "ready"
)

// Worktree is an isolated git working directory bound to one repository.
type Worktree struct {
	ID           string        `json:"id"`
	RepositoryID string        `json:"repository_id"`
	Name         string        `json:"name"`
	Path         string        `json:"path"`
	Ref          string        `json:"ref"`
	NewBranch    bool          `json:"new_branch"`
	State        WorktreeState `json:"state"`
	LastUsedAt   *time.Time    `json:"last_used_at,omitempty"`
	SessionIDs   []string      `json:"session_ids"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// Validate checks the fields required before a worktree row is written.
func (w *Worktree) Validate() error {
	if w.RepositoryID == "" {
		return errs.InvalidArgument("worktree %q: repository is required", w.Name)
	}
	if err := ValidateWorktreeName(w.Name); err != nil {
		return err
	}
	if w.Path == "" {
		return errs.InvalidArgument("worktree %q: path is required", w.Name)
	}
	switch w.State {
	case WorktreeStatePending, WorktreeStateReady:
	default:
		return errs.InvalidArgument("worktree %q: unknown state %q", w.Name, w.State)
	}
	return nil
}

// ValidateWorktreeName rejects names that cannot be turned into a path segment.
func ValidateWorktreeName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return errs.InvalidArgument("worktree name is required")
	case strings.Contains(name, ".."):
		return errs.InvalidArgument("worktree name %q must not contain ..", name)
	case strings.HasPrefix(name, "-"):
		return errs.InvalidArgument("worktree name %q must not start with -", name)
	}
	return nil
}

// HasSession reports whether sessionID is attached to the worktree.
func (w *Worktree) HasSession(sessionID string) bool {
	for _, id := range w.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}
