package models

import (
	"strings"
	"time"

	"github.com/joescharf/lineage/internal/errs"
)

// SessionStatus represents the state of an agent session.
type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusIdle, SessionStatusRunning, SessionStatusCompleted, SessionStatusFailed:
		return true
	}
	return false
}

// GitState is the git position a session works from.
type GitState struct {
	Ref           string `json:"ref"`
	BaseCommit    string `json:"base_commit"`
	CurrentCommit string `json:"current_commit"`
	Dirty         bool   `json:"dirty"`
}

// Genealogy records where a session came from. Only the ancestor pointer
// (ForkedFromSessionID or ParentSessionID) is authoritative; ChildSessionIDs
// is a derived index rebuilt from ancestor pointers.
type Genealogy struct {
	ForkedFromSessionID string   `json:"forked_from_session_id,omitempty"`
	ForkPointTaskID     string   `json:"fork_point_task_id,omitempty"`
	ParentSessionID     string   `json:"parent_session_id,omitempty"`
	SpawnPointTaskID    string   `json:"spawn_point_task_id,omitempty"`
	ChildSessionIDs     []string `json:"child_session_ids"`
}

// AncestorID returns the single incoming edge of the session, or "".
func (g Genealogy) AncestorID() string {
	if g.ForkedFromSessionID != "" {
		return g.ForkedFromSessionID
	}
	return g.ParentSessionID
}

// PointTaskID returns the fork or spawn point task, or "".
func (g Genealogy) PointTaskID() string {
	if g.ForkedFromSessionID != "" {
		return g.ForkPointTaskID
	}
	return g.SpawnPointTaskID
}

// Validate enforces the shape of the genealogy record for session selfID.
func (g Genealogy) Validate(selfID string) error {
	if g.ForkedFromSessionID != "" && g.ParentSessionID != "" {
		return errs.InvalidArgument("session %s: forked_from_session_id and parent_session_id are mutually exclusive", selfID)
	}
	if (g.ForkedFromSessionID == "") != (g.ForkPointTaskID == "") {
		return errs.InvalidArgument("session %s: fork requires both source session and fork point task", selfID)
	}
	if (g.ParentSessionID == "") != (g.SpawnPointTaskID == "") {
		return errs.InvalidArgument("session %s: spawn requires both parent session and spawn point task", selfID)
	}
	if selfID != "" && g.AncestorID() == selfID {
		return errs.InvalidArgument("session %s cannot descend from itself", selfID)
	}
	for _, c := range g.ChildSessionIDs {
		if c == selfID {
			return errs.InvalidArgument("session %s cannot list itself as a child", selfID)
		}
	}
	return nil
}

// Session is a single agent conversation.
type Session struct {
	ID           string        `json:"id"`
	Agent        string        `json:"agent"`
	Status       SessionStatus `json:"status"`
	RepositoryID string        `json:"repository_id,omitempty"`
	WorktreeID   string        `json:"worktree_id,omitempty"`
	Git          GitState      `json:"git"`
	TaskIDs      []string      `json:"task_ids"`
	Genealogy    Genealogy     `json:"genealogy"`
	Title        string        `json:"title,omitempty"`
	// Concepts are the context references a fork inherits from its source.
	Concepts     []string  `json:"concepts"`
	MessageCount int       `json:"message_count"`
	ToolCount    int       `json:"tool_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks a session before it is written.
func (s *Session) Validate() error {
	if strings.TrimSpace(s.Agent) == "" {
		return errs.InvalidArgument("session %s: agent is required", s.ID)
	}
	if !s.Status.Valid() {
		return errs.InvalidArgument("session %s: unknown status %q", s.ID, s.Status)
	}
	if s.MessageCount < 0 || s.ToolCount < 0 {
		return errs.InvalidArgument("session %s: counters must not be negative", s.ID)
	}
	return s.Genealogy.Validate(s.ID)
}

// TaskCount returns the number of tasks recorded on the session.
func (s *Session) TaskCount() int { return len(s.TaskIDs) }

// LastTaskID returns the id of the most recent task, or "".
func (s *Session) LastTaskID() string {
	if len(s.TaskIDs) == 0 {
		return ""
	}
	return s.TaskIDs[len(s.TaskIDs)-1]
}
