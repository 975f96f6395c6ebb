package models

import (
	"strings"
	"time"

	"github.com/joescharf/lineage/internal/errs"
)

// Repository is a known source repository that worktrees are created from.
type Repository struct {
	ID            string    `json:"id"`
	Slug          string    `json:"slug"`
	RemoteURL     string    `json:"remote_url,omitempty"`
	LocalPath     string    `json:"local_path"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks the fields required before a repository row is written.
func (r *Repository) Validate() error {
	if strings.TrimSpace(r.Slug) == "" {
		return errs.InvalidArgument("repository slug is required")
	}
	if strings.TrimSpace(r.LocalPath) == "" {
		return errs.InvalidArgument("repository %s: local path is required", r.Slug)
	}
	if r.DefaultBranch == "" {
		return errs.InvalidArgument("repository %s: default branch is required", r.Slug)
	}
	return nil
}
