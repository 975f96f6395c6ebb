// Package tasks is the checkpoint engine: it turns each user turn of a
// session into an ordered, non-overlapping task record and drives the
// created -> running -> completed|failed state machine.
package tasks

import (
	"context"
	"strings"
	"time"

	"github.com/joescharf/lineage/internal/coord"
	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/store"
)

// Engine applies task transitions. Every transition writes the task and
// its session in one unit of work.
type Engine struct {
	coord *coord.Coordinator
}

// NewEngine creates a task Engine.
func NewEngine(c *coord.Coordinator) *Engine {
	return &Engine{coord: c}
}

// BeginParams opens a task.
type BeginParams struct {
	SessionID      string
	Description    string
	StartIndex     int
	StartTimestamp time.Time
	ShaAtStart     string
	Model          string
}

// CompleteParams closes a running task successfully.
type CompleteParams struct {
	TaskID        string
	EndIndex      int
	EndTimestamp  time.Time
	ShaAtEnd      string
	Dirty         bool
	CommitMessage string
	ToolCalls     int
}

// FailParams closes a running task as failed. The range ends at the start
// index.
type FailParams struct {
	TaskID       string
	EndTimestamp time.Time
	ShaAtEnd     string
	Dirty        bool
	ToolCalls    int
}

// Begin records a new task at the end of the session's sequence.
func (e *Engine) Begin(ctx context.Context, p BeginParams) (*models.Task, error) {
	release := e.coord.Lock(coord.W(coord.SessionKey(p.SessionID)))
	defer release()

	task := &models.Task{
		ID:          store.NewID(),
		SessionID:   p.SessionID,
		Status:      models.TaskStatusCreated,
		Description: strings.TrimSpace(p.Description),
		Range:       models.MessageRange{StartIndex: p.StartIndex, StartAt: p.StartTimestamp.UTC()},
		Git:         models.TaskGitState{ShaAtStart: p.ShaAtStart},
		Model:       p.Model,
	}
	if p.StartTimestamp.IsZero() {
		task.Range.StartAt = time.Now().UTC()
	}

	err := e.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		sess, err := tx.GetSession(ctx, p.SessionID)
		if err != nil {
			return err
		}
		if sess.Status == models.SessionStatusCompleted || sess.Status == models.SessionStatusFailed {
			return errs.InvalidArgument("session %s is %s; reopen it before starting a task", sess.ID, sess.Status)
		}
		if p.StartIndex < 0 {
			return errs.NonMonotonicRange(sess.ID, "", "start index must not be negative")
		}
		if lastID := sess.LastTaskID(); lastID != "" {
			last, err := tx.GetTask(ctx, lastID)
			if err != nil {
				return err
			}
			if p.StartIndex <= last.EffectiveEnd() {
				rerr := errs.NonMonotonicRange(sess.ID, last.ID, "start index must follow the previous task's range")
				rerr.Related = []string{last.ID}
				return rerr
			}
		}

		task.Position = sess.TaskCount() + 1
		if err := tx.CreateTask(ctx, task); err != nil {
			return err
		}
		ch.Add(models.EntityTask, task.ID, models.ChangeCreated, task)
		ch.Add(models.EntitySession, sess.ID, models.ChangeUpdated, map[string]string{"task_id": task.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// lockTask locks a task and its session. The task is read first to learn
// its session; callers re-read it inside the transaction.
func (e *Engine) lockTask(ctx context.Context, taskID string) (func(), error) {
	t, err := e.coord.Store().GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.coord.Lock(coord.W(coord.TaskKey(taskID)), coord.W(coord.SessionKey(t.SessionID))), nil
}

// MarkRunning moves a created task to running and the session with it.
func (e *Engine) MarkRunning(ctx context.Context, taskID string) (*models.Task, error) {
	release, err := e.lockTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *models.Task
	err = e.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		task, err := transition(ctx, tx, taskID, models.TaskStatusRunning)
		if err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		ch.Add(models.EntityTask, task.ID, models.ChangeUpdated, task)

		sess, err := tx.GetSession(ctx, task.SessionID)
		if err != nil {
			return err
		}
		if sess.Status != models.SessionStatusRunning {
			sess.Status = models.SessionStatusRunning
			if err := tx.UpdateSession(ctx, sess); err != nil {
				return err
			}
			ch.Add(models.EntitySession, sess.ID, models.ChangeUpdated, sess)
		}
		out = task
		return nil
	})
	return out, err
}

// Complete finishes a running task.
func (e *Engine) Complete(ctx context.Context, p CompleteParams) (*models.Task, error) {
	end := p.EndIndex
	return e.finish(ctx, p.TaskID, models.TaskStatusCompleted, &end, p.EndTimestamp, models.TaskGitState{
		ShaAtEnd:      p.ShaAtEnd,
		Dirty:         p.Dirty,
		CommitMessage: p.CommitMessage,
	}, p.ToolCalls)
}

// Fail finishes a running task as failed.
func (e *Engine) Fail(ctx context.Context, p FailParams) (*models.Task, error) {
	return e.finish(ctx, p.TaskID, models.TaskStatusFailed, nil, p.EndTimestamp, models.TaskGitState{
		ShaAtEnd: p.ShaAtEnd,
		Dirty:    p.Dirty,
	}, p.ToolCalls)
}

func (e *Engine) finish(ctx context.Context, taskID string, to models.TaskStatus, endIndex *int, endAt time.Time, git models.TaskGitState, toolCalls int) (*models.Task, error) {
	if toolCalls < 0 {
		return nil, errs.InvalidArgument("task %s: tool calls must not be negative", taskID)
	}
	release, err := e.lockTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	var out *models.Task
	err = e.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		task, err := transition(ctx, tx, taskID, to)
		if err != nil {
			return err
		}
		if endIndex != nil && *endIndex < task.Range.StartIndex {
			return errs.NonMonotonicRange(task.SessionID, task.ID, "end index precedes start index")
		}
		effectiveEnd := task.Range.StartIndex
		if endIndex != nil {
			effectiveEnd = *endIndex
		}

		siblings, err := tx.ListTasks(ctx, task.SessionID)
		if err != nil {
			return err
		}
		otherRunning := false
		for _, s := range siblings {
			if s.ID == task.ID {
				continue
			}
			if s.Position == task.Position+1 && effectiveEnd >= s.Range.StartIndex {
				rerr := errs.NonMonotonicRange(task.SessionID, task.ID, "end index overlaps the next task")
				rerr.Related = []string{s.ID}
				return rerr
			}
			if s.Status == models.TaskStatusRunning {
				otherRunning = true
			}
		}

		if endAt.IsZero() {
			endAt = time.Now()
		}
		endAt = endAt.UTC()
		task.Range.EndIndex = endIndex
		task.Range.EndAt = &endAt
		task.Git.ShaAtEnd = git.ShaAtEnd
		task.Git.Dirty = git.Dirty
		task.Git.CommitMessage = git.CommitMessage
		task.ToolCount = toolCalls
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		ch.Add(models.EntityTask, task.ID, models.ChangeUpdated, task)

		// Counters are additive so concurrent completions never overwrite
		// each other.
		messages := effectiveEnd - task.Range.StartIndex + 1
		if err := tx.AddSessionCounters(ctx, task.SessionID, messages, toolCalls); err != nil {
			return err
		}
		sess, err := tx.GetSession(ctx, task.SessionID)
		if err != nil {
			return err
		}
		if git.ShaAtEnd != "" {
			sess.Git.CurrentCommit = git.ShaAtEnd
		}
		sess.Git.Dirty = git.Dirty
		if !otherRunning && sess.Status == models.SessionStatusRunning {
			sess.Status = models.SessionStatusIdle
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		ch.Add(models.EntitySession, sess.ID, models.ChangeUpdated, sess)
		out = task
		return nil
	})
	return out, err
}

// transition loads a task and applies the state change, rejecting edges the
// state machine does not have.
func transition(ctx context.Context, r store.Reader, taskID string, to models.TaskStatus) (*models.Task, error) {
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.CanTransition(to) {
		return nil, errs.InvalidTransition(task.ID, string(task.Status), string(to))
	}
	task.Status = to
	return task, nil
}

// AttachReport records a generated report on a finished task. It is the
// only change a terminal task accepts.
func (e *Engine) AttachReport(ctx context.Context, taskID, ref string) (*models.Task, error) {
	if strings.TrimSpace(ref) == "" {
		return nil, errs.InvalidArgument("task %s: report reference is required", taskID)
	}
	release := e.coord.Lock(coord.W(coord.TaskKey(taskID)))
	defer release()

	var out *models.Task
	err := e.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		task, err := tx.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !task.Status.IsTerminal() {
			return errs.TaskNotTerminal(task.ID, string(task.Status))
		}
		task.ReportRef = ref
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		ch.Add(models.EntityTask, task.ID, models.ChangeUpdated, task)
		out = task
		return nil
	})
	return out, err
}

// Get returns a task.
func (e *Engine) Get(ctx context.Context, id string) (*models.Task, error) {
	return e.coord.Store().GetTask(ctx, id)
}

// List returns a session's tasks in order.
func (e *Engine) List(ctx context.Context, sessionID string) ([]*models.Task, error) {
	if _, err := e.coord.Store().GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return e.coord.Store().ListTasks(ctx, sessionID)
}
