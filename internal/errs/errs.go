// Package errs defines the error kinds returned by the coordination engine.
//
// Every rejected operation returns an *Error carrying its Kind and the ids
// of the entities involved, so callers can decide whether to retry without
// parsing message text.
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an engine error.
type Kind string

const (
	KindNotFound               Kind = "not_found"
	KindInvalidTransition      Kind = "invalid_transition"
	KindNonMonotonicRange      Kind = "non_monotonic_range"
	KindDuplicateWorktreeName  Kind = "duplicate_worktree_name"
	KindDuplicatePath          Kind = "duplicate_path"
	KindWorktreeInUse          Kind = "worktree_in_use"
	KindHasDescendants         Kind = "has_descendants"
	KindForkPointInFuture      Kind = "fork_point_in_future"
	KindOrphanedGenealogy      Kind = "orphaned_genealogy"
	KindTaskNotTerminal        Kind = "task_not_terminal"
	KindExternalOperation      Kind = "external_operation_failed"
	KindInvalidWorktreeBinding Kind = "invalid_worktree_binding"
	KindInvalidArgument        Kind = "invalid_argument"
	KindRepositoryInUse        Kind = "repository_in_use"
	KindDuplicateSlug          Kind = "duplicate_slug"
)

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Msg  string
	// IDs names the entities involved, keyed by role ("session", "task", ...).
	IDs map[string]string
	// Related lists secondary ids, e.g. the sessions blocking a worktree delete.
	Related []string
	Err     error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Kind))
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if len(e.IDs) > 0 {
		keys := make([]string, 0, len(e.IDs))
		for k := range e.IDs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + e.IDs[k]
		}
		sb.WriteString(" (")
		sb.WriteString(strings.Join(parts, ", "))
		sb.WriteString(")")
	}
	if len(e.Related) > 0 {
		sb.WriteString(" [")
		sb.WriteString(strings.Join(e.Related, ", "))
		sb.WriteString("]")
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors of the same kind (sentinels carry no ids).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.IDs == nil && t.Msg == ""
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrInvalidTransition      = &Error{Kind: KindInvalidTransition}
	ErrNonMonotonicRange      = &Error{Kind: KindNonMonotonicRange}
	ErrDuplicateWorktreeName  = &Error{Kind: KindDuplicateWorktreeName}
	ErrDuplicatePath          = &Error{Kind: KindDuplicatePath}
	ErrWorktreeInUse          = &Error{Kind: KindWorktreeInUse}
	ErrHasDescendants         = &Error{Kind: KindHasDescendants}
	ErrForkPointInFuture      = &Error{Kind: KindForkPointInFuture}
	ErrOrphanedGenealogy      = &Error{Kind: KindOrphanedGenealogy}
	ErrTaskNotTerminal        = &Error{Kind: KindTaskNotTerminal}
	ErrExternalOperation      = &Error{Kind: KindExternalOperation}
	ErrInvalidWorktreeBinding = &Error{Kind: KindInvalidWorktreeBinding}
	ErrInvalidArgument        = &Error{Kind: KindInvalidArgument}
	ErrRepositoryInUse        = &Error{Kind: KindRepositoryInUse}
	ErrDuplicateSlug          = &Error{Kind: KindDuplicateSlug}
)

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// NotFound reports a missing entity of the given type.
func NotFound(entity, id string) *Error {
	return &Error{Kind: KindNotFound, Msg: entity + " not found", IDs: map[string]string{entity: id}}
}

// InvalidTransition reports a task state machine violation.
func InvalidTransition(taskID, from, to string) *Error {
	return &Error{
		Kind: KindInvalidTransition,
		Msg:  fmt.Sprintf("cannot move task from %s to %s", from, to),
		IDs:  map[string]string{"task": taskID},
	}
}

// NonMonotonicRange reports a message range that would overlap or reverse.
func NonMonotonicRange(sessionID, taskID, detail string) *Error {
	ids := map[string]string{"session": sessionID}
	if taskID != "" {
		ids["task"] = taskID
	}
	return &Error{Kind: KindNonMonotonicRange, Msg: detail, IDs: ids}
}

// DuplicateWorktreeName reports a (repository, name) collision.
func DuplicateWorktreeName(repositoryID, name string) *Error {
	return &Error{
		Kind: KindDuplicateWorktreeName,
		Msg:  fmt.Sprintf("worktree name %q already in use", name),
		IDs:  map[string]string{"repository": repositoryID, "name": name},
	}
}

// DuplicatePath reports a worktree path collision.
func DuplicatePath(path, holderID string) *Error {
	ids := map[string]string{"path": path}
	if holderID != "" {
		ids["worktree"] = holderID
	}
	return &Error{Kind: KindDuplicatePath, Msg: "worktree path already in use", IDs: ids}
}

// WorktreeInUse reports a delete blocked by attached sessions.
func WorktreeInUse(worktreeID string, sessionIDs []string) *Error {
	return &Error{
		Kind:    KindWorktreeInUse,
		Msg:     fmt.Sprintf("%d session(s) still attached", len(sessionIDs)),
		IDs:     map[string]string{"worktree": worktreeID},
		Related: sessionIDs,
	}
}

// HasDescendants reports a session delete blocked by child sessions.
func HasDescendants(sessionID string, children []string) *Error {
	return &Error{
		Kind:    KindHasDescendants,
		Msg:     fmt.Sprintf("%d child session(s) reference this session", len(children)),
		IDs:     map[string]string{"session": sessionID},
		Related: children,
	}
}

// ForkPointInFuture reports a fork or spawn at a task that has not reached its boundary.
func ForkPointInFuture(sessionID, taskID, detail string) *Error {
	return &Error{
		Kind: KindForkPointInFuture,
		Msg:  detail,
		IDs:  map[string]string{"session": sessionID, "task": taskID},
	}
}

// OrphanedGenealogy reports an ancestor or child pointer whose row is missing.
func OrphanedGenealogy(sessionID, missingID string) *Error {
	return &Error{
		Kind: KindOrphanedGenealogy,
		Msg:  "genealogy references a missing session",
		IDs:  map[string]string{"session": sessionID, "missing": missingID},
	}
}

// TaskNotTerminal reports an operation that requires a completed or failed task.
func TaskNotTerminal(taskID, status string) *Error {
	return &Error{
		Kind: KindTaskNotTerminal,
		Msg:  "task is " + status,
		IDs:  map[string]string{"task": taskID},
	}
}

// External wraps a failure from the git or storage collaborator.
func External(op string, err error) *Error {
	return &Error{Kind: KindExternalOperation, Msg: op, Err: err}
}

// InvalidWorktreeBinding reports a session bound to an unusable worktree.
func InvalidWorktreeBinding(worktreeID, reason string) *Error {
	return &Error{
		Kind: KindInvalidWorktreeBinding,
		Msg:  reason,
		IDs:  map[string]string{"worktree": worktreeID},
	}
}

// InvalidArgument reports malformed input rejected at the write boundary.
func InvalidArgument(format string, a ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Msg: fmt.Sprintf(format, a...)}
}

// RepositoryInUse reports a repository delete blocked by worktrees.
func RepositoryInUse(repositoryID string, worktreeIDs []string) *Error {
	return &Error{
		Kind:    KindRepositoryInUse,
		Msg:     fmt.Sprintf("%d worktree(s) still reference this repository", len(worktreeIDs)),
		IDs:     map[string]string{"repository": repositoryID},
		Related: worktreeIDs,
	}
}

// DuplicateSlug reports a repository slug collision.
func DuplicateSlug(slug string) *Error {
	return &Error{Kind: KindDuplicateSlug, Msg: "repository slug already registered", IDs: map[string]string{"slug": slug}}
}
