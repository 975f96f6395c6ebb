package models

import (
	"time"

	"github.com/joescharf/lineage/internal/errs"
)

// TaskStatus is the checkpoint state machine: created -> running -> completed|failed.
type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition reports whether from -> to is an edge of the state machine.
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	switch s {
	case TaskStatusCreated:
		return to == TaskStatusRunning
	case TaskStatusRunning:
		return to == TaskStatusCompleted || to == TaskStatusFailed
	}
	return false
}

func (s TaskStatus) valid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed:
		return true
	}
	return false
}

// MessageRange is the contiguous slice of the conversation a task covers.
type MessageRange struct {
	StartIndex int        `json:"start_index"`
	EndIndex   *int       `json:"end_index,omitempty"`
	StartAt    time.Time  `json:"start_at"`
	EndAt      *time.Time `json:"end_at,omitempty"`
}

// TaskGitState captures the repository before and after a task.
type TaskGitState struct {
	ShaAtStart    string `json:"sha_at_start"`
	ShaAtEnd      string `json:"sha_at_end,omitempty"`
	Dirty         bool   `json:"dirty"`
	CommitMessage string `json:"commit_message,omitempty"`
}

// Task is a checkpoint for one user prompt and the work that followed.
type Task struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Position    int          `json:"position"`
	Status      TaskStatus   `json:"status"`
	Description string       `json:"description"`
	Range       MessageRange `json:"range"`
	Git         TaskGitState `json:"git"`
	Model       string       `json:"model,omitempty"`
	ReportRef   string       `json:"report_ref,omitempty"`
	ToolCount   int          `json:"tool_count"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// EffectiveEnd is the last message index the task occupies. Tasks without
// an end index occupy only their start index.
func (t *Task) EffectiveEnd() int {
	if t.Range.EndIndex != nil {
		return *t.Range.EndIndex
	}
	return t.Range.StartIndex
}

// Validate checks a task before it is written.
func (t *Task) Validate() error {
	if t.SessionID == "" {
		return errs.InvalidArgument("task %s: session is required", t.ID)
	}
	if !t.Status.valid() {
		return errs.InvalidArgument("task %s: unknown status %q", t.ID, t.Status)
	}
	if t.Position < 1 {
		return errs.InvalidArgument("task %s: position must be positive", t.ID)
	}
	if t.Range.StartIndex < 0 {
		return errs.NonMonotonicRange(t.SessionID, t.ID, "start index must not be negative")
	}
	if t.Range.EndIndex != nil && *t.Range.EndIndex < t.Range.StartIndex {
		return errs.NonMonotonicRange(t.SessionID, t.ID, "end index precedes start index")
	}
	if t.Git.ShaAtEnd != "" && !t.Status.IsTerminal() {
		return errs.InvalidArgument("task %s: sha at end is only recorded on terminal tasks", t.ID)
	}
	if t.ReportRef != "" && !t.Status.IsTerminal() {
		return errs.TaskNotTerminal(t.ID, string(t.Status))
	}
	return nil
}
