package models

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/joescharf/lineage/internal/errs"
)

func intPtr(i int) *int { return &i }

func TestTaskStatus_Transitions(t *testing.T) {
	assert.True(t, TaskStatusCreated.CanTransition(TaskStatusRunning))
	assert.False(t, TaskStatusCreated.CanTransition(TaskStatusCompleted))
	assert.True(t, TaskStatusRunning.CanTransition(TaskStatusCompleted))
	assert.True(t, TaskStatusRunning.CanTransition(TaskStatusFailed))
	assert.False(t, TaskStatusCompleted.CanTransition(TaskStatusRunning))
	assert.False(t, TaskStatusFailed.CanTransition(TaskStatusCompleted))

	assert.True(t, TaskStatusCompleted.IsTerminal())
	assert.True(t, TaskStatusFailed.IsTerminal())
	assert.False(t, TaskStatusRunning.IsTerminal())
}

func TestTask_EffectiveEnd(t *testing.T) {
	task := &Task{Range: MessageRange{StartIndex: 4}}
	assert.Equal(t, 4, task.EffectiveEnd())
	task.Range.EndIndex = intPtr(9)
	assert.Equal(t, 9, task.EffectiveEnd())
}

func TestTask_Validate(t *testing.T) {
	valid := func() *Task {
		return &Task{ID: "t1", SessionID: "s1", Position: 1, Status: TaskStatusRunning, Range: MessageRange{StartIndex: 2}}
	}
	assert.NoError(t, valid().Validate())

	task := valid()
	task.Range.EndIndex = intPtr(1)
	assert.Equal(t, errs.KindNonMonotonicRange, errs.KindOf(task.Validate()))

	task = valid()
	task.Git.ShaAtEnd = "abc"
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(task.Validate()))

	task = valid()
	task.ReportRef = "/r/t1.html"
	assert.Equal(t, errs.KindTaskNotTerminal, errs.KindOf(task.Validate()))

	task = valid()
	task.Status = "paused"
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(task.Validate()))
}

func TestGenealogy(t *testing.T) {
	fork := Genealogy{ForkedFromSessionID: "s1", ForkPointTaskID: "t1"}
	assert.Equal(t, "s1", fork.AncestorID())
	assert.Equal(t, "t1", fork.PointTaskID())
	assert.NoError(t, fork.Validate("s2"))

	spawn := Genealogy{ParentSessionID: "s1", SpawnPointTaskID: "t2"}
	assert.Equal(t, "s1", spawn.AncestorID())
	assert.Equal(t, "t2", spawn.PointTaskID())

	both := Genealogy{ForkedFromSessionID: "s1", ForkPointTaskID: "t1", ParentSessionID: "s0", SpawnPointTaskID: "t0"}
	assert.Error(t, both.Validate("s2"))

	half := Genealogy{ForkedFromSessionID: "s1"}
	assert.Error(t, half.Validate("s2"))

	self := Genealogy{ParentSessionID: "s2", SpawnPointTaskID: "t1"}
	assert.Error(t, self.Validate("s2"))

	selfChild := Genealogy{ChildSessionIDs: []string{"s2"}}
	assert.Error(t, selfChild.Validate("s2"))

	assert.Empty(t, Genealogy{}.AncestorID())
}

func TestSession_Validate(t *testing.T) {
	s := &Session{ID: "s1", Agent: "claude", Status: SessionStatusIdle}
	assert.NoError(t, s.Validate())
	assert.Equal(t, 0, s.TaskCount())
	assert.Empty(t, s.LastTaskID())

	s.TaskIDs = []string{"t1", "t2"}
	assert.Equal(t, "t2", s.LastTaskID())

	s.Agent = " "
	assert.Error(t, s.Validate())

	s = &Session{ID: "s1", Agent: "claude", Status: SessionStatusIdle, MessageCount: -1}
	assert.Error(t, s.Validate())

	assert.False(t, SessionStatus("paused").Valid())
}

func TestWorktree_Validate(t *testing.T) {
	w := &Worktree{RepositoryID: "r1", Name: "feature/x", Path: "/wt/feature-x", State: WorktreeStatePending}
	assert.NoError(t, w.Validate())

	for _, name := range []string{"", "  ", "../escape", "-rf"} {
		assert.Error(t, ValidateWorktreeName(name), name)
	}

	w.State = "gone"
	assert.Error(t, w.Validate())

	w = &Worktree{SessionIDs: []string{"s1"}}
	assert.True(t, w.HasSession("s1"))
	assert.False(t, w.HasSession("s2"))
}

func TestRepository_Validate(t *testing.T) {
	r := &Repository{Slug: "core", LocalPath: "/src/core", DefaultBranch: "main"}
	assert.NoError(t, r.Validate())
	r.DefaultBranch = ""
	assert.Error(t, r.Validate())
	r = &Repository{LocalPath: "/x", DefaultBranch: "main"}
	assert.Error(t, r.Validate())
}
