// Package repos is the registry of source repositories worktrees are cut from.
package repos

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joescharf/lineage/internal/coord"
	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/store"
)

// DefaultGitTimeout bounds every external git call.
const DefaultGitTimeout = 2 * time.Minute

// Options configures a Registry.
type Options struct {
	// ReposDir is where remote-only registrations are cloned.
	ReposDir   string
	GitTimeout time.Duration
}

// Registry tracks known repositories and their default branch.
type Registry struct {
	coord *coord.Coordinator
	git   gitops.Client
	opts  Options
}

// NewRegistry creates a Registry.
func NewRegistry(c *coord.Coordinator, git gitops.Client, opts Options) *Registry {
	if opts.GitTimeout <= 0 {
		opts.GitTimeout = DefaultGitTimeout
	}
	return &Registry{coord: c, git: git, opts: opts}
}

// RegisterParams describes a repository to register. At least one of
// RemoteURL and LocalPath is required; a remote without a local path is cloned.
type RegisterParams struct {
	Slug      string
	RemoteURL string
	LocalPath string
}

// Register adds a repository.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*models.Repository, error) {
	if p.RemoteURL == "" && p.LocalPath == "" {
		return nil, errs.InvalidArgument("repository needs a remote url or a local path")
	}
	slug := p.Slug
	if slug == "" {
		src := p.LocalPath
		if src == "" {
			src = p.RemoteURL
		}
		slug = gitops.RepoName(src)
	}
	slug = Slugify(slug)
	if slug == "" {
		return nil, errs.InvalidArgument("cannot derive a slug from %q", p.Slug)
	}

	release := r.coord.Lock(coord.W(coord.RepositorySlugKey(slug)))
	defer release()

	if _, err := r.coord.Store().GetRepositoryBySlug(ctx, slug); err == nil {
		return nil, errs.DuplicateSlug(slug)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	repo := &models.Repository{Slug: slug, RemoteURL: p.RemoteURL}
	gitCtx, cancel := context.WithTimeout(ctx, r.opts.GitTimeout)
	defer cancel()

	if p.LocalPath == "" {
		if r.opts.ReposDir == "" {
			return nil, errs.InvalidArgument("repos_dir is not configured; pass a local path")
		}
		res, err := r.git.Clone(gitCtx, p.RemoteURL, filepath.Join(r.opts.ReposDir, slug))
		if err != nil {
			return nil, errs.External("clone "+p.RemoteURL, err)
		}
		repo.LocalPath = res.Path
		repo.DefaultBranch = res.DefaultBranch
	} else {
		abs, err := filepath.Abs(p.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("resolve path: %w", err)
		}
		repo.LocalPath = abs
		branch, err := r.git.DefaultBranch(gitCtx, abs)
		if err != nil {
			return nil, errs.External("read default branch", err)
		}
		repo.DefaultBranch = branch
	}

	err := r.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		if err := tx.CreateRepository(ctx, repo); err != nil {
			return err
		}
		ch.Add(models.EntityRepository, repo.ID, models.ChangeCreated, repo)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// Get returns a repository by id.
func (r *Registry) Get(ctx context.Context, id string) (*models.Repository, error) {
	return r.coord.Store().GetRepository(ctx, id)
}

// GetBySlug returns a repository by slug.
func (r *Registry) GetBySlug(ctx context.Context, slug string) (*models.Repository, error) {
	return r.coord.Store().GetRepositoryBySlug(ctx, slug)
}

// Resolve looks a repository up by id, then by slug.
func (r *Registry) Resolve(ctx context.Context, ref string) (*models.Repository, error) {
	ref = strings.TrimSpace(ref)
	repo, err := r.Get(ctx, ref)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}
	return r.GetBySlug(ctx, ref)
}

// List returns every repository ordered by slug.
func (r *Registry) List(ctx context.Context) ([]*models.Repository, error) {
	return r.coord.Store().ListRepositories(ctx)
}

// RefreshDefaultBranch re-reads the default branch from git.
func (r *Registry) RefreshDefaultBranch(ctx context.Context, id string) (*models.Repository, error) {
	release := r.coord.Lock(coord.W(coord.RepositoryKey(id)))
	defer release()

	repo, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	gitCtx, cancel := context.WithTimeout(ctx, r.opts.GitTimeout)
	defer cancel()
	branch, err := r.git.DefaultBranch(gitCtx, repo.LocalPath)
	if err != nil {
		return nil, errs.External("read default branch", err)
	}
	if branch == repo.DefaultBranch {
		return repo, nil
	}

	repo.DefaultBranch = branch
	err = r.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		if err := tx.UpdateRepository(ctx, repo); err != nil {
			return err
		}
		ch.Add(models.EntityRepository, repo.ID, models.ChangeUpdated, repo)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// Delete removes a repository that no worktree references.
func (r *Registry) Delete(ctx context.Context, id string) error {
	release := r.coord.Lock(coord.W(coord.RepositoryKey(id)))
	defer release()

	return r.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		if _, err := tx.GetRepository(ctx, id); err != nil {
			return err
		}
		wts, err := tx.ListWorktrees(ctx, id, "")
		if err != nil {
			return err
		}
		if len(wts) > 0 {
			ids := make([]string, len(wts))
			for i, w := range wts {
				ids[i] = w.ID
			}
			return errs.RepositoryInUse(id, ids)
		}
		if err := tx.DeleteRepository(ctx, id); err != nil {
			return err
		}
		ch.Add(models.EntityRepository, id, models.ChangeDeleted, nil)
		return nil
	})
}
