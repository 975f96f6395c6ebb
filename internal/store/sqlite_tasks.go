package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/models"
)

// --- Tasks ---

const taskColumns = `id, session_id, position, status, start_index, end_index, start_at, end_at,
	sha_at_start, sha_at_end, dirty, model, report_ref, tool_count, data, created_at, updated_at`

// taskData is the open schema region of a task row.
type taskData struct {
	Description   string `json:"description"`
	CommitMessage string `json:"commit_message,omitempty"`
}

func scanTask(sc interface{ Scan(...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var status, dataJSON string
	var endIndex sql.NullInt64
	var endAt sql.NullTime

	if err := sc.Scan(&t.ID, &t.SessionID, &t.Position, &status,
		&t.Range.StartIndex, &endIndex, &t.Range.StartAt, &endAt,
		&t.Git.ShaAtStart, &t.Git.ShaAtEnd, &t.Git.Dirty, &t.Model, &t.ReportRef, &t.ToolCount,
		&dataJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	t.Range.EndIndex = intPtr(endIndex)
	t.Range.EndAt = timePtr(endAt)

	var data taskData
	if err := decodeJSON(dataJSON, &data); err != nil {
		return nil, fmt.Errorf("task %s data: %w", t.ID, err)
	}
	t.Description = data.Description
	t.Git.CommitMessage = data.CommitMessage
	return t, nil
}

// CreateTask inserts a task and appends it to the owning session's task
// list in the same statement batch.
func (s *queries) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = NewID()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusCreated
	}
	if err := t.Validate(); err != nil {
		return err
	}
	dataJSON, err := encodeJSON(taskData{Description: t.Description, CommitMessage: t.Git.CommitMessage})
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Range.StartAt.IsZero() {
		t.Range.StartAt = now
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Position, string(t.Status),
		t.Range.StartIndex, nullInt(t.Range.EndIndex), t.Range.StartAt, nullTime(t.Range.EndAt),
		t.Git.ShaAtStart, t.Git.ShaAtEnd, boolToInt(t.Git.Dirty), t.Model, t.ReportRef, t.ToolCount,
		dataJSON, t.CreatedAt, t.UpdatedAt,
	)
	if isUniqueViolation(err, "tasks.session_id, tasks.position") {
		return errs.NonMonotonicRange(t.SessionID, t.ID, fmt.Sprintf("position %d already taken", t.Position))
	}
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	result, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET task_ids = json_insert(task_ids, '$[#]', ?), updated_at = ? WHERE id = ?`,
		t.ID, now, t.SessionID)
	if err != nil {
		return fmt.Errorf("append session task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errs.NotFound("session", t.SessionID)
	}
	return nil
}

func (s *queries) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("task", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a session's tasks in position order.
func (s *queries) ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask writes the lifecycle columns of a task. Session, position and
// start index are fixed at creation.
func (s *queries) UpdateTask(ctx context.Context, t *models.Task) error {
	if err := t.Validate(); err != nil {
		return err
	}
	dataJSON, err := encodeJSON(taskData{Description: t.Description, CommitMessage: t.Git.CommitMessage})
	if err != nil {
		return err
	}
	t.UpdatedAt = time.Now().UTC()

	result, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status=?, end_index=?, end_at=?, sha_at_start=?, sha_at_end=?, dirty=?,
		model=?, report_ref=?, tool_count=?, data=?, updated_at=? WHERE id=?`,
		string(t.Status), nullInt(t.Range.EndIndex), nullTime(t.Range.EndAt),
		t.Git.ShaAtStart, t.Git.ShaAtEnd, boolToInt(t.Git.Dirty),
		t.Model, t.ReportRef, t.ToolCount, dataJSON, t.UpdatedAt, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("task", t.ID)
	}
	return nil
}

// DeleteSessionTasks removes every task of a session and clears its task list.
func (s *queries) DeleteSessionTasks(ctx context.Context, sessionID string) (int64, error) {
	result, err := s.q.ExecContext(ctx, "DELETE FROM tasks WHERE session_id = ?", sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session tasks: %w", err)
	}
	n, _ := result.RowsAffected()
	if _, err := s.q.ExecContext(ctx,
		"UPDATE sessions SET task_ids = '[]', updated_at = ? WHERE id = ?", time.Now().UTC(), sessionID); err != nil {
		return n, fmt.Errorf("clear session tasks: %w", err)
	}
	return n, nil
}
