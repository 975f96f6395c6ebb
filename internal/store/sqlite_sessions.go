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

// --- Sessions ---

const sessionColumns = `id, agent, status, repository_id, worktree_id,
	forked_from_session_id, fork_point_task_id, parent_session_id, spawn_point_task_id,
	children, task_ids, message_count, tool_count, git, data, created_at, updated_at`

// sessionData is the open schema region of a session row.
type sessionData struct {
	Title    string   `json:"title,omitempty"`
	Concepts []string `json:"concepts"`
}

func scanSession(sc interface{ Scan(...any) error }) (*models.Session, error) {
	sess := &models.Session{}
	var status string
	var repoID, worktreeID, forkedFrom, forkPoint, parent, spawnPoint sql.NullString
	var children, taskIDs, gitJSON, dataJSON string

	if err := sc.Scan(&sess.ID, &sess.Agent, &status, &repoID, &worktreeID,
		&forkedFrom, &forkPoint, &parent, &spawnPoint,
		&children, &taskIDs, &sess.MessageCount, &sess.ToolCount, &gitJSON, &dataJSON,
		&sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}

	sess.Status = models.SessionStatus(status)
	sess.RepositoryID = repoID.String
	sess.WorktreeID = worktreeID.String
	sess.Genealogy = models.Genealogy{
		ForkedFromSessionID: forkedFrom.String,
		ForkPointTaskID:     forkPoint.String,
		ParentSessionID:     parent.String,
		SpawnPointTaskID:    spawnPoint.String,
		ChildSessionIDs:     []string{},
	}
	if err := decodeJSON(children, &sess.Genealogy.ChildSessionIDs); err != nil {
		return nil, fmt.Errorf("session %s children: %w", sess.ID, err)
	}
	sess.TaskIDs = []string{}
	if err := decodeJSON(taskIDs, &sess.TaskIDs); err != nil {
		return nil, fmt.Errorf("session %s task ids: %w", sess.ID, err)
	}
	if err := decodeJSON(gitJSON, &sess.Git); err != nil {
		return nil, fmt.Errorf("session %s git state: %w", sess.ID, err)
	}
	var data sessionData
	if err := decodeJSON(dataJSON, &data); err != nil {
		return nil, fmt.Errorf("session %s data: %w", sess.ID, err)
	}
	sess.Title = data.Title
	sess.Concepts = data.Concepts
	if sess.Concepts == nil {
		sess.Concepts = []string{}
	}
	return sess, nil
}

// encodeSession validates a session and returns its JSON regions.
func encodeSession(sess *models.Session) (children, taskIDs, gitJSON, dataJSON string, err error) {
	if err = sess.Validate(); err != nil {
		return
	}
	if sess.Genealogy.ChildSessionIDs == nil {
		sess.Genealogy.ChildSessionIDs = []string{}
	}
	if sess.TaskIDs == nil {
		sess.TaskIDs = []string{}
	}
	if sess.Concepts == nil {
		sess.Concepts = []string{}
	}
	if children, err = encodeJSON(sess.Genealogy.ChildSessionIDs); err != nil {
		return
	}
	if taskIDs, err = encodeJSON(sess.TaskIDs); err != nil {
		return
	}
	if gitJSON, err = encodeJSON(sess.Git); err != nil {
		return
	}
	dataJSON, err = encodeJSON(sessionData{Title: sess.Title, Concepts: sess.Concepts})
	return
}

func (s *queries) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = NewID()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusIdle
	}
	children, taskIDs, gitJSON, dataJSON, err := encodeSession(sess)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	g := sess.Genealogy
	_, err = s.q.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Agent, string(sess.Status), nullString(sess.RepositoryID), nullString(sess.WorktreeID),
		nullString(g.ForkedFromSessionID), nullString(g.ForkPointTaskID),
		nullString(g.ParentSessionID), nullString(g.SpawnPointTaskID),
		children, taskIDs, sess.MessageCount, sess.ToolCount, gitJSON, dataJSON,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *queries) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := scanSession(s.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *queries) ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any

	if filter.RepositoryID != "" {
		query += " AND repository_id = ?"
		args = append(args, filter.RepositoryID)
	}
	if filter.WorktreeID != "" {
		query += " AND worktree_id = ?"
		args = append(args, filter.WorktreeID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.scanSessions(ctx, query, args...)
}

func (s *queries) ListChildSessions(ctx context.Context, ancestorID string) ([]*models.Session, error) {
	return s.scanSessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE forked_from_session_id = ? OR parent_session_id = ?
		ORDER BY created_at, id`, ancestorID, ancestorID)
}

// scanSessions is a shared helper for scanning session rows.
func (s *queries) scanSessions(ctx context.Context, query string, args ...any) ([]*models.Session, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession rewrites the mutable columns of a session. Ancestor pointers
// are fixed at creation; children, task ids and counters have their own
// writers and are left untouched here.
func (s *queries) UpdateSession(ctx context.Context, sess *models.Session) error {
	_, _, gitJSON, dataJSON, err := encodeSession(sess)
	if err != nil {
		return err
	}
	sess.UpdatedAt = time.Now().UTC()

	result, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET agent=?, status=?, repository_id=?, worktree_id=?, git=?, data=?, updated_at=?
		WHERE id=?`,
		sess.Agent, string(sess.Status), nullString(sess.RepositoryID), nullString(sess.WorktreeID),
		gitJSON, dataJSON, sess.UpdatedAt, sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("session", sess.ID)
	}
	return nil
}

func (s *queries) DeleteSession(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("session", id)
	}
	return nil
}

func (s *queries) getChildren(ctx context.Context, id string) ([]string, error) {
	var raw string
	err := s.q.QueryRowContext(ctx, "SELECT children FROM sessions WHERE id = ?", id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session children: %w", err)
	}
	children := []string{}
	if err := decodeJSON(raw, &children); err != nil {
		return nil, fmt.Errorf("session %s children: %w", id, err)
	}
	return children, nil
}

func (s *queries) AppendChild(ctx context.Context, ancestorID, childID string) error {
	children, err := s.getChildren(ctx, ancestorID)
	if err != nil {
		return err
	}
	for _, c := range children {
		if c == childID {
			return nil
		}
	}
	return s.SetChildren(ctx, ancestorID, append(children, childID))
}

func (s *queries) RemoveChild(ctx context.Context, ancestorID, childID string) error {
	children, err := s.getChildren(ctx, ancestorID)
	if err != nil {
		return err
	}
	kept := children[:0]
	for _, c := range children {
		if c != childID {
			kept = append(kept, c)
		}
	}
	return s.SetChildren(ctx, ancestorID, kept)
}

func (s *queries) SetChildren(ctx context.Context, id string, children []string) error {
	if children == nil {
		children = []string{}
	}
	raw, err := encodeJSON(children)
	if err != nil {
		return err
	}
	result, err := s.q.ExecContext(ctx,
		"UPDATE sessions SET children=?, updated_at=? WHERE id=?", raw, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set session children: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("session", id)
	}
	return nil
}

func (s *queries) AddSessionCounters(ctx context.Context, id string, messages, tools int) error {
	if messages < 0 || tools < 0 {
		return errs.InvalidArgument("session %s: counter deltas must not be negative", id)
	}
	result, err := s.q.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + ?, tool_count = tool_count + ?, updated_at = ?
		WHERE id = ?`, messages, tools, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("add session counters: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("session", id)
	}
	return nil
}
