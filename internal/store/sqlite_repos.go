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

// --- Repositories ---

const repositoryColumns = `id, slug, remote_url, local_path, default_branch, created_at, updated_at`

func scanRepository(sc interface{ Scan(...any) error }) (*models.Repository, error) {
	r := &models.Repository{}
	if err := sc.Scan(&r.ID, &r.Slug, &r.RemoteURL, &r.LocalPath, &r.DefaultBranch, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *queries) CreateRepository(ctx context.Context, r *models.Repository) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if err := r.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO repositories (`+repositoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Slug, r.RemoteURL, r.LocalPath, r.DefaultBranch, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err, "repositories.slug") {
		return errs.DuplicateSlug(r.Slug)
	}
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	return nil
}

func (s *queries) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	r, err := scanRepository(s.q.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("repository", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return r, nil
}

func (s *queries) GetRepositoryBySlug(ctx context.Context, slug string) (*models.Repository, error) {
	r, err := scanRepository(s.q.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("repository", slug)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository by slug: %w", err)
	}
	return r, nil
}

func (s *queries) ListRepositories(ctx context.Context) ([]*models.Repository, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM repositories ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var repos []*models.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

func (s *queries) UpdateRepository(ctx context.Context, r *models.Repository) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r.UpdatedAt = time.Now().UTC()
	result, err := s.q.ExecContext(ctx,
		`UPDATE repositories SET remote_url=?, local_path=?, default_branch=?, updated_at=? WHERE id=?`,
		r.RemoteURL, r.LocalPath, r.DefaultBranch, r.UpdatedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update repository: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("repository", r.ID)
	}
	return nil
}

func (s *queries) DeleteRepository(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, "DELETE FROM repositories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errs.NotFound("repository", id)
	}
	return nil
}
