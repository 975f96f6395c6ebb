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

// --- Worktrees ---

const worktreeColumns = `id, repository_id, name, path, ref, new_branch, state, last_used_at, created_at, updated_at`

func scanWorktree(sc interface{ Scan(...any) error }) (*models.Worktree, error) {
	w := &models.Worktree{}
	var state string
	var lastUsed sql.NullTime
	if err := sc.Scan(&w.ID, &w.RepositoryID, &w.Name, &w.Path, &w.Ref, &w.NewBranch, &state, &lastUsed, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.State = models.WorktreeState(state)
	w.LastUsedAt = timePtr(lastUsed)
	w.SessionIDs = []string{}
	return w, nil
}

// loadWorktreeSessions fills the session reference set of each worktree.
func (s *queries) loadWorktreeSessions(ctx context.Context, wts ...*models.Worktree) error {
	for _, w := range wts {
		rows, err := s.q.QueryContext(ctx,
			`SELECT session_id FROM worktree_sessions WHERE worktree_id = ? ORDER BY attached_at, session_id`, w.ID)
		if err != nil {
			return fmt.Errorf("list worktree sessions: %w", err)
		}
		ids := []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan worktree session: %w", err)
			}
			ids = append(ids, id)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return err
		}
		w.SessionIDs = ids
	}
	return nil
}

func (s *queries) getWorktreeWhere(ctx context.Context, where string, notFoundKey string, args ...any) (*models.Worktree, error) {
	w, err := scanWorktree(s.q.QueryRowContext(ctx, `SELECT `+worktreeColumns+` FROM worktrees WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("worktree", notFoundKey)
	}
	if err != nil {
		return nil, fmt.Errorf("get worktree: %w", err)
	}
	if err := s.loadWorktreeSessions(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *queries) CreateWorktree(ctx context.Context, w *models.Worktree) error {
	if w.ID == "" {
		w.ID = NewID()
	}
	if err := w.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now
	if w.SessionIDs == nil {
		w.SessionIDs = []string{}
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO worktrees (`+worktreeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.RepositoryID, w.Name, w.Path, w.Ref, boolToInt(w.NewBranch), string(w.State),
		nullTime(w.LastUsedAt), w.CreatedAt, w.UpdatedAt,
	)
	switch {
	case isUniqueViolation(err, "worktrees.repository_id, worktrees.name"):
		return errs.DuplicateWorktreeName(w.RepositoryID, w.Name)
	case isUniqueViolation(err, "worktrees.path"):
		return errs.DuplicatePath(w.Path, "")
	case err != nil:
		return fmt.Errorf("create worktree: %w", err)
	}
	return nil
}

func (s *queries) GetWorktree(ctx context.Context, id string) (*models.Worktree, error) {
	return s.getWorktreeWhere(ctx, "id = ?", id, id)
}

func (s *queries) GetWorktreeByName(ctx context.Context, repositoryID, name string) (*models.Worktree, error) {
	return s.getWorktreeWhere(ctx, "repository_id = ? AND name = ?", repositoryID+"/"+name, repositoryID, name)
}

func (s *queries) GetWorktreeByPath(ctx context.Context, path string) (*models.Worktree, error) {
	return s.getWorktreeWhere(ctx, "path = ?", path, path)
}

func (s *queries) ListWorktrees(ctx context.Context, repositoryID string, state models.WorktreeState) ([]*models.Worktree, error) {
	query := `SELECT ` + worktreeColumns + ` FROM worktrees WHERE 1=1`
	var args []any
	if repositoryID != "" {
		query += " AND repository_id = ?"
		args = append(args, repositoryID)
	}
	if state != "" {
		query += " AND state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY repository_id, name"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	var wts []*models.Worktree
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan worktree: %w", err)
		}
		wts = append(wts, w)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, err
	}

	// The single connection is free again once rows are closed.
	if err := s.loadWorktreeSessions(ctx, wts...); err != nil {
		return nil, err
	}
	return wts, nil
}

func (s *queries) UpdateWorktree(ctx context.Context, w *models.Worktree) error {
	if err := w.Validate(); err != nil {
		return err
	}
	w.UpdatedAt = time.Now().UTC()
	result, err := s.q.ExecContext(ctx,
		`UPDATE worktrees SET ref=?, new_branch=?, state=?, last_used_at=?, updated_at=? WHERE id=?`,
		w.Ref, boolToInt(w.NewBranch), string(w.State), nullTime(w.LastUsedAt), w.UpdatedAt, w.ID,
	)
	if err != nil {
		return fmt.Errorf("update worktree: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("worktree", w.ID)
	}
	return nil
}

func (s *queries) DeleteWorktree(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM worktrees WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("worktree", id)
	}
	return nil
}

func (s *queries) AttachSession(ctx context.Context, worktreeID, sessionID string, at time.Time) error {
	_, err := s.q.ExecContext(ctx,
		"INSERT OR IGNORE INTO worktree_sessions (worktree_id, session_id, attached_at) VALUES (?, ?, ?)",
		worktreeID, sessionID, at)
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}
	return nil
}

func (s *queries) DetachSession(ctx context.Context, worktreeID, sessionID string) (bool, error) {
	result, err := s.q.ExecContext(ctx,
		"DELETE FROM worktree_sessions WHERE worktree_id = ? AND session_id = ?", worktreeID, sessionID)
	if err != nil {
		return false, fmt.Errorf("detach session: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}
