// Package worktrees manages the lifecycle of git worktrees: reservation,
// materialization through the git collaborator, session binding and removal.
package worktrees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/joescharf/lineage/internal/coord"
	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/store"
)

// DefaultGitTimeout bounds every external git call.
const DefaultGitTimeout = 2 * time.Minute

// Options configures a Manager.
type Options struct {
	// WorktreesDir, when set, holds every worktree under <dir>/<repo slug>/.
	// Otherwise worktrees live next to the repository in <repo>.worktrees/.
	WorktreesDir string
	GitTimeout   time.Duration
}

// Manager creates, binds and retires worktrees.
type Manager struct {
	coord *coord.Coordinator
	git   gitops.Client
	opts  Options
	now   func() time.Time
}

// NewManager creates a worktree Manager.
func NewManager(c *coord.Coordinator, git gitops.Client, opts Options) *Manager {
	if opts.GitTimeout <= 0 {
		opts.GitTimeout = DefaultGitTimeout
	}
	return &Manager{coord: c, git: git, opts: opts, now: time.Now}
}

// CreateParams describes a worktree to create.
type CreateParams struct {
	RepositoryID string
	Name         string
	// Ref is the branch to check out, or the branch to create when
	// CreateBranch is set. Defaults to Name (new branch) or the repository's
	// default branch (existing ref).
	Ref          string
	CreateBranch bool
	// SourceBranch is the base of a new branch; defaults to the repository's
	// default branch.
	SourceBranch string
	PullLatest   bool
}

// SanitizeName maps a worktree name to a single path segment.
func SanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, name)
}

// CanonicalPath returns the filesystem path a worktree named name resolves to.
func (m *Manager) CanonicalPath(repo *models.Repository, name string) string {
	if m.opts.WorktreesDir != "" {
		return filepath.Join(m.opts.WorktreesDir, repo.Slug, SanitizeName(name))
	}
	return filepath.Join(filepath.Clean(repo.LocalPath)+".worktrees", SanitizeName(name))
}

// Create reserves the (repository, name) pair and the canonical path, asks
// the git collaborator to materialize the worktree, and commits the record
// as ready. If git fails or times out, whatever the attempt produced in git
// and on disk is undone before the reservation is released, so a retry with
// the same name succeeds.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.Worktree, error) {
	if err := models.ValidateWorktreeName(p.Name); err != nil {
		return nil, err
	}
	repo, err := m.coord.Store().GetRepository(ctx, p.RepositoryID)
	if err != nil {
		return nil, err
	}

	ref := p.Ref
	source := p.SourceBranch
	if p.CreateBranch {
		if ref == "" {
			ref = p.Name
		}
		if source == "" {
			source = repo.DefaultBranch
		}
	} else if ref == "" {
		ref = repo.DefaultBranch
	}
	path := m.CanonicalPath(repo, p.Name)

	release := m.coord.Lock(
		coord.R(coord.RepositoryKey(repo.ID)),
		coord.W(coord.WorktreeNameKey(repo.ID, p.Name)),
		coord.W(coord.WorktreePathKey(path)),
	)
	defer release()

	w := &models.Worktree{
		RepositoryID: repo.ID,
		Name:         p.Name,
		Path:         path,
		Ref:          ref,
		NewBranch:    p.CreateBranch,
		State:        models.WorktreeStatePending,
	}

	// Phase one: reserve.
	err = m.coord.Commit(ctx, func(tx store.Tx, _ *coord.Changes) error {
		if _, err := tx.GetRepository(ctx, repo.ID); err != nil {
			return err
		}
		if _, err := tx.GetWorktreeByName(ctx, repo.ID, p.Name); err == nil {
			return errs.DuplicateWorktreeName(repo.ID, p.Name)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		if holder, err := tx.GetWorktreeByPath(ctx, path); err == nil {
			return errs.DuplicatePath(path, holder.ID)
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
		return tx.CreateWorktree(ctx, w)
	})
	if err != nil {
		return nil, err
	}

	a := m.inspect(ctx, repo, w)

	gitCtx, cancel := context.WithTimeout(ctx, m.opts.GitTimeout)
	gitErr := m.git.CreateWorktree(gitCtx, gitops.WorktreeSpec{
		RepoPath:     repo.LocalPath,
		TargetPath:   path,
		Ref:          ref,
		CreateBranch: p.CreateBranch,
		PullLatest:   p.PullLatest,
		SourceBranch: source,
	})
	cancel()
	if gitErr != nil {
		m.rollback(ctx, a)
		e := errs.External("create worktree", gitErr)
		e.IDs = map[string]string{"repository": repo.ID, "name": p.Name, "path": path}
		return nil, e
	}

	// Phase two: commit.
	now := time.Now().UTC()
	err = m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		w.State = models.WorktreeStateReady
		w.LastUsedAt = &now
		if err := tx.UpdateWorktree(ctx, w); err != nil {
			return err
		}
		ch.Add(models.EntityWorktree, w.ID, models.ChangeCreated, w)
		return nil
	})
	if err != nil {
		m.rollback(ctx, a)
		return nil, fmt.Errorf("commit worktree %s: %w", w.ID, err)
	}
	return w, nil
}

// attempt is what a create call found before running git, so a rollback
// undoes only what the call itself produced.
type attempt struct {
	repo *models.Repository
	w    *models.Worktree
	// dirExisted and registered describe the target path beforehand.
	dirExisted bool
	registered bool
	// branch is the branch the call creates; empty when it already existed.
	branch string
}

// inspect records the state of the target path and branch before git runs.
// Anything it cannot confirm is treated as pre-existing and left alone.
func (m *Manager) inspect(ctx context.Context, repo *models.Repository, w *models.Worktree) attempt {
	a := attempt{repo: repo, w: w, registered: true}
	_, statErr := os.Stat(w.Path)
	a.dirExisted = statErr == nil

	gitCtx, cancel := context.WithTimeout(ctx, m.opts.GitTimeout)
	defer cancel()
	if list, err := m.git.ListWorktrees(gitCtx, repo.LocalPath); err == nil {
		a.registered = false
		for _, info := range list {
			if gitops.SamePath(info.Path, w.Path) {
				a.registered = true
				break
			}
		}
	}
	if w.NewBranch {
		if exists, err := m.git.BranchExists(gitCtx, repo.LocalPath, w.Ref); err == nil && !exists {
			a.branch = w.Ref
		}
	}
	return a
}

// rollback undoes a failed create in reverse: the git registration, the
// directory, the branch, and last the reservation, so the name stays held
// until git no longer knows the path. It runs even when ctx is canceled.
func (m *Manager) rollback(ctx context.Context, a attempt) {
	bg := context.WithoutCancel(ctx)
	gitCtx, cancel := context.WithTimeout(bg, m.opts.GitTimeout)
	defer cancel()
	repoPath := a.repo.LocalPath

	if !a.registered {
		if err := m.git.RemoveWorktree(gitCtx, repoPath, a.w.Path); err != nil {
			slog.Debug("remove worktree during rollback", "path", a.w.Path, "error", err)
		}
	}
	if !a.dirExisted {
		if err := os.RemoveAll(a.w.Path); err != nil {
			slog.Warn("remove partial worktree directory", "path", a.w.Path, "error", err)
		}
	}
	if err := m.git.PruneWorktrees(gitCtx, repoPath); err != nil {
		slog.Warn("prune worktrees during rollback", "repository", a.repo.ID, "error", err)
	}
	if a.branch != "" {
		if exists, err := m.git.BranchExists(gitCtx, repoPath, a.branch); err == nil && exists {
			if err := m.git.DeleteBranch(gitCtx, repoPath, a.branch); err != nil {
				slog.Warn("delete branch during rollback", "branch", a.branch, "error", err)
			}
		}
	}
	m.release(bg, a.w)
}

// release drops a pending reservation.
func (m *Manager) release(ctx context.Context, w *models.Worktree) {
	err := m.coord.Commit(ctx, func(tx store.Tx, _ *coord.Changes) error {
		return tx.DeleteWorktree(ctx, w.ID)
	})
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		slog.Warn("release worktree reservation", "worktree", w.ID, "error", err)
	}
}

// getReady loads a worktree and hides pending reservations.
func getReady(ctx context.Context, r store.Reader, id string) (*models.Worktree, error) {
	w, err := r.GetWorktree(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.State != models.WorktreeStateReady {
		return nil, errs.NotFound("worktree", id)
	}
	return w, nil
}

// Get returns a ready worktree.
func (m *Manager) Get(ctx context.Context, id string) (*models.Worktree, error) {
	return getReady(ctx, m.coord.Store(), id)
}

// GetByName returns a ready worktree by repository and name.
func (m *Manager) GetByName(ctx context.Context, repositoryID, name string) (*models.Worktree, error) {
	w, err := m.coord.Store().GetWorktreeByName(ctx, repositoryID, name)
	if err != nil {
		return nil, err
	}
	if w.State != models.WorktreeStateReady {
		return nil, errs.NotFound("worktree", repositoryID+"/"+name)
	}
	return w, nil
}

// List returns the ready worktrees of a repository, or of all repositories
// when repositoryID is empty.
func (m *Manager) List(ctx context.Context, repositoryID string) ([]*models.Worktree, error) {
	return m.coord.Store().ListWorktrees(ctx, repositoryID, models.WorktreeStateReady)
}

// CheckBinding validates that worktreeID can host a session of repositoryID
// (empty means any repository).
func CheckBinding(ctx context.Context, r store.Reader, worktreeID, repositoryID string) (*models.Worktree, error) {
	w, err := r.GetWorktree(ctx, worktreeID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.InvalidWorktreeBinding(worktreeID, "worktree does not exist")
	}
	if err != nil {
		return nil, err
	}
	if w.State != models.WorktreeStateReady {
		return nil, errs.InvalidWorktreeBinding(worktreeID, "worktree is still being created")
	}
	if repositoryID != "" && w.RepositoryID != repositoryID {
		e := errs.InvalidWorktreeBinding(worktreeID, "worktree belongs to a different repository")
		e.IDs["repository"] = repositoryID
		return nil, e
	}
	return w, nil
}

// AttachTx adds sess to the reference set of w inside tx and records the
// binding on the session. The session row must already exist.
func AttachTx(ctx context.Context, tx store.Tx, ch *coord.Changes, w *models.Worktree, sess *models.Session) error {
	now := time.Now().UTC()
	if err := tx.AttachSession(ctx, w.ID, sess.ID, now); err != nil {
		return err
	}
	w.LastUsedAt = &now
	if !w.HasSession(sess.ID) {
		w.SessionIDs = append(w.SessionIDs, sess.ID)
	}
	if err := tx.UpdateWorktree(ctx, w); err != nil {
		return err
	}
	ch.Add(models.EntityWorktree, w.ID, models.ChangeUpdated, w)
	return nil
}

// DetachTx removes sessionID from the reference set of worktreeID inside tx.
// It reports whether the session was attached.
func DetachTx(ctx context.Context, tx store.Tx, ch *coord.Changes, worktreeID, sessionID string) (bool, error) {
	removed, err := tx.DetachSession(ctx, worktreeID, sessionID)
	if err != nil || !removed {
		return removed, err
	}
	ch.Add(models.EntityWorktree, worktreeID, models.ChangeUpdated, map[string]string{"detached_session_id": sessionID})
	return true, nil
}

// Attach binds a session to a worktree. Attaching twice is a no-op; a
// session bound to another worktree must be detached first.
func (m *Manager) Attach(ctx context.Context, worktreeID, sessionID string) (*models.Worktree, error) {
	release := m.coord.Lock(coord.W(coord.WorktreeKey(worktreeID)), coord.W(coord.SessionKey(sessionID)))
	defer release()

	var out *models.Worktree
	err := m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		w, err := CheckBinding(ctx, tx, worktreeID, sess.RepositoryID)
		if err != nil {
			return err
		}
		if sess.WorktreeID != "" && sess.WorktreeID != worktreeID {
			e := errs.InvalidWorktreeBinding(worktreeID, "session is bound to another worktree")
			e.IDs["session"] = sessionID
			e.Related = []string{sess.WorktreeID}
			return e
		}
		if err := AttachTx(ctx, tx, ch, w, sess); err != nil {
			return err
		}
		if sess.WorktreeID != worktreeID || sess.RepositoryID == "" {
			sess.WorktreeID = worktreeID
			sess.RepositoryID = w.RepositoryID
			if err := tx.UpdateSession(ctx, sess); err != nil {
				return err
			}
			ch.Add(models.EntitySession, sess.ID, models.ChangeUpdated, sess)
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Detach removes a session from a worktree's reference set. The worktree is
// kept even when its last session leaves.
func (m *Manager) Detach(ctx context.Context, worktreeID, sessionID string) error {
	release := m.coord.Lock(coord.W(coord.WorktreeKey(worktreeID)), coord.W(coord.SessionKey(sessionID)))
	defer release()

	return m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		if _, err := getReady(ctx, tx, worktreeID); err != nil {
			return err
		}
		removed, err := DetachTx(ctx, tx, ch, worktreeID, sessionID)
		if err != nil {
			return err
		}
		if !removed {
			e := errs.NotFound("session", sessionID)
			e.Msg = "session is not attached to worktree"
			e.IDs["worktree"] = worktreeID
			return e
		}
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.WorktreeID == worktreeID {
			sess.WorktreeID = ""
			if err := tx.UpdateSession(ctx, sess); err != nil {
				return err
			}
			ch.Add(models.EntitySession, sess.ID, models.ChangeUpdated, sess)
		}
		return nil
	})
}

// Delete retires a worktree with no attached sessions. With
// removeFromFilesystem the git worktree is removed first and the record is
// deleted only once that succeeds.
func (m *Manager) Delete(ctx context.Context, worktreeID string, removeFromFilesystem bool) error {
	release := m.coord.Lock(coord.W(coord.WorktreeKey(worktreeID)))
	defer release()

	w, err := m.Get(ctx, worktreeID)
	if err != nil {
		return err
	}
	if len(w.SessionIDs) > 0 {
		return errs.WorktreeInUse(w.ID, w.SessionIDs)
	}

	if removeFromFilesystem {
		repo, err := m.coord.Store().GetRepository(ctx, w.RepositoryID)
		if err != nil {
			return err
		}
		gitCtx, cancel := context.WithTimeout(ctx, m.opts.GitTimeout)
		err = m.git.RemoveWorktree(gitCtx, repo.LocalPath, w.Path)
		cancel()
		if err != nil {
			e := errs.External("remove worktree", err)
			e.IDs = map[string]string{"worktree": w.ID, "path": w.Path}
			return e
		}
	}

	return m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		cur, err := tx.GetWorktree(ctx, worktreeID)
		if err != nil {
			return err
		}
		if len(cur.SessionIDs) > 0 {
			return errs.WorktreeInUse(cur.ID, cur.SessionIDs)
		}
		if err := tx.DeleteWorktree(ctx, worktreeID); err != nil {
			return err
		}
		ch.Add(models.EntityWorktree, worktreeID, models.ChangeDeleted, nil)
		return nil
	})
}

// Touch records that a worktree was just used.
func (m *Manager) Touch(ctx context.Context, worktreeID string) (*models.Worktree, error) {
	release := m.coord.Lock(coord.W(coord.WorktreeKey(worktreeID)))
	defer release()

	var out *models.Worktree
	err := m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		w, err := getReady(ctx, tx, worktreeID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		w.LastUsedAt = &now
		if err := tx.UpdateWorktree(ctx, w); err != nil {
			return err
		}
		ch.Add(models.EntityWorktree, w.ID, models.ChangeUpdated, w)
		out = w
		return nil
	})
	return out, err
}

// MinPendingAge is the youngest a reservation can be and still be treated
// as abandoned. A live Create holds its reservation for at most one git
// timeout for inspection, one for the attempt and one for the rollback.
func (m *Manager) MinPendingAge() time.Duration {
	return 3 * m.opts.GitTimeout
}

// RecoverPending deletes reservations older than olderThan, left behind by a
// process that died between reserve and commit, and returns their ids.
// olderThan is raised to MinPendingAge so a slow create in another process
// keeps its reservation.
func (m *Manager) RecoverPending(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if floor := m.MinPendingAge(); olderThan < floor {
		olderThan = floor
	}
	pending, err := m.coord.Store().ListWorktrees(ctx, "", models.WorktreeStatePending)
	if err != nil {
		return nil, err
	}
	cutoff := m.now().UTC().Add(-olderThan)

	var recovered []string
	for _, w := range pending {
		if w.CreatedAt.After(cutoff) {
			continue
		}
		release := m.coord.Lock(
			coord.W(coord.WorktreeNameKey(w.RepositoryID, w.Name)),
			coord.W(coord.WorktreePathKey(w.Path)),
		)
		if repo, err := m.coord.Store().GetRepository(ctx, w.RepositoryID); err == nil {
			gitCtx, cancel := context.WithTimeout(ctx, m.opts.GitTimeout)
			_ = m.git.RemoveWorktree(gitCtx, repo.LocalPath, w.Path)
			_ = m.git.PruneWorktrees(gitCtx, repo.LocalPath)
			cancel()
		}
		err := m.coord.Commit(ctx, func(tx store.Tx, _ *coord.Changes) error {
			cur, err := tx.GetWorktree(ctx, w.ID)
			if err != nil {
				return err
			}
			if cur.State != models.WorktreeStatePending {
				return nil
			}
			return tx.DeleteWorktree(ctx, w.ID)
		})
		release()
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return recovered, err
		}
		recovered = append(recovered, w.ID)
	}
	return recovered, nil
}
