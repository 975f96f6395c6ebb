package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	err = s.Migrate(context.Background())
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })
	return s
}

// inTx runs fn in a committed transaction and fails the test on error.
func inTx(t *testing.T, s *SQLiteStore, fn func(tx Tx) error) {
	t.Helper()
	require.NoError(t, s.WithTx(context.Background(), fn))
}

func seedRepo(t *testing.T, s *SQLiteStore) *models.Repository {
	t.Helper()
	r := &models.Repository{Slug: "acme-api", LocalPath: "/src/acme-api", DefaultBranch: "main"}
	inTx(t, s, func(tx Tx) error { return tx.CreateRepository(context.Background(), r) })
	return r
}

func seedSession(t *testing.T, s *SQLiteStore, g models.Genealogy) *models.Session {
	t.Helper()
	sess := &models.Session{Agent: "claude", Genealogy: g}
	inTx(t, s, func(tx Tx) error { return tx.CreateSession(context.Background(), sess) })
	return sess
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "subdir", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Join(dir, "subdir"))
	assert.NoError(t, err, "should create parent directory")
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Migrate(context.Background()))
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx Tx) error {
		r := &models.Repository{Slug: "gone", LocalPath: "/src/gone", DefaultBranch: "main"}
		require.NoError(t, tx.CreateRepository(ctx, r))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	repos, err := s.ListRepositories(ctx)
	require.NoError(t, err)
	assert.Empty(t, repos, "rolled back insert must not be visible")
}

// --- Repository CRUD ---

func TestRepositoryCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := seedRepo(t, s)
	assert.NotEmpty(t, r.ID)
	assert.False(t, r.CreatedAt.IsZero())

	got, err := s.GetRepository(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme-api", got.Slug)
	assert.Equal(t, "main", got.DefaultBranch)

	bySlug, err := s.GetRepositoryBySlug(ctx, "acme-api")
	require.NoError(t, err)
	assert.Equal(t, r.ID, bySlug.ID)

	got.DefaultBranch = "trunk"
	inTx(t, s, func(tx Tx) error { return tx.UpdateRepository(ctx, got) })
	got, err = s.GetRepository(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "trunk", got.DefaultBranch)

	inTx(t, s, func(tx Tx) error { return tx.DeleteRepository(ctx, r.ID) })
	_, err = s.GetRepository(ctx, r.ID)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestCreateRepository_DuplicateSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedRepo(t, s)

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateRepository(ctx, &models.Repository{Slug: "acme-api", LocalPath: "/elsewhere", DefaultBranch: "main"})
	})
	assert.Equal(t, errs.KindDuplicateSlug, errs.KindOf(err))
}

// --- Worktrees ---

func TestWorktreeCRUDAndSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRepo(t, s)

	w := &models.Worktree{RepositoryID: r.ID, Name: "feature/login", Path: "/wt/feature-login", Ref: "main", NewBranch: true, State: models.WorktreeStatePending}
	inTx(t, s, func(tx Tx) error { return tx.CreateWorktree(ctx, w) })
	assert.NotEmpty(t, w.ID)

	got, err := s.GetWorktreeByName(ctx, r.ID, "feature/login")
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeStatePending, got.State)
	assert.True(t, got.NewBranch)
	assert.Empty(t, got.SessionIDs)

	now := time.Now().UTC()
	got.State = models.WorktreeStateReady
	got.LastUsedAt = &now
	inTx(t, s, func(tx Tx) error { return tx.UpdateWorktree(ctx, got) })

	sess := seedSession(t, s, models.Genealogy{})
	inTx(t, s, func(tx Tx) error { return tx.AttachSession(ctx, w.ID, sess.ID, now) })
	// Attaching twice is a no-op.
	inTx(t, s, func(tx Tx) error { return tx.AttachSession(ctx, w.ID, sess.ID, now) })

	byPath, err := s.GetWorktreeByPath(ctx, "/wt/feature-login")
	require.NoError(t, err)
	assert.Equal(t, models.WorktreeStateReady, byPath.State)
	require.NotNil(t, byPath.LastUsedAt)
	assert.Equal(t, []string{sess.ID}, byPath.SessionIDs)

	ready, err := s.ListWorktrees(ctx, r.ID, models.WorktreeStateReady)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Equal(t, []string{sess.ID}, ready[0].SessionIDs)

	pending, err := s.ListWorktrees(ctx, r.ID, models.WorktreeStatePending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	var removed bool
	inTx(t, s, func(tx Tx) error {
		var err error
		removed, err = tx.DetachSession(ctx, w.ID, sess.ID)
		return err
	})
	assert.True(t, removed)
	inTx(t, s, func(tx Tx) error {
		var err error
		removed, err = tx.DetachSession(ctx, w.ID, sess.ID)
		return err
	})
	assert.False(t, removed)

	inTx(t, s, func(tx Tx) error { return tx.DeleteWorktree(ctx, w.ID) })
	_, err = s.GetWorktree(ctx, w.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestCreateWorktree_UniqueConstraints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := seedRepo(t, s)

	w := &models.Worktree{RepositoryID: r.ID, Name: "a", Path: "/wt/a", State: models.WorktreeStateReady}
	inTx(t, s, func(tx Tx) error { return tx.CreateWorktree(ctx, w) })

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateWorktree(ctx, &models.Worktree{RepositoryID: r.ID, Name: "a", Path: "/wt/other", State: models.WorktreeStatePending})
	})
	assert.Equal(t, errs.KindDuplicateWorktreeName, errs.KindOf(err))

	err = s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateWorktree(ctx, &models.Worktree{RepositoryID: r.ID, Name: "b", Path: "/wt/a", State: models.WorktreeStatePending})
	})
	assert.Equal(t, errs.KindDuplicatePath, errs.KindOf(err))
}

// --- Sessions ---

func TestSessionCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := &models.Session{
		Agent:    "claude",
		Title:    "refactor auth",
		Concepts: []string{"auth", "jwt"},
		Git:      models.GitState{Ref: "main", BaseCommit: "abc", CurrentCommit: "def", Dirty: true},
	}
	inTx(t, s, func(tx Tx) error { return tx.CreateSession(ctx, sess) })
	assert.Equal(t, models.SessionStatusIdle, sess.Status)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "refactor auth", got.Title)
	assert.Equal(t, []string{"auth", "jwt"}, got.Concepts)
	assert.Equal(t, sess.Git, got.Git)
	assert.Empty(t, got.TaskIDs)
	assert.Empty(t, got.Genealogy.ChildSessionIDs)

	got.Status = models.SessionStatusRunning
	got.Title = "refactor auth v2"
	inTx(t, s, func(tx Tx) error { return tx.UpdateSession(ctx, got) })
	inTx(t, s, func(tx Tx) error { return tx.AddSessionCounters(ctx, sess.ID, 5, 2) })
	inTx(t, s, func(tx Tx) error { return tx.AddSessionCounters(ctx, sess.ID, 3, 1) })

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusRunning, got.Status)
	assert.Equal(t, "refactor auth v2", got.Title)
	assert.Equal(t, 8, got.MessageCount)
	assert.Equal(t, 3, got.ToolCount)

	running, err := s.ListSessions(ctx, SessionFilter{Status: models.SessionStatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	inTx(t, s, func(tx Tx) error { return tx.DeleteSession(ctx, sess.ID) })
	_, err = s.GetSession(ctx, sess.ID)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestCreateSession_RejectsBadGenealogy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateSession(ctx, &models.Session{
			Agent: "claude",
			Genealogy: models.Genealogy{
				ForkedFromSessionID: "a", ForkPointTaskID: "t1",
				ParentSessionID: "b", SpawnPointTaskID: "t2",
			},
		})
	})
	assert.Equal(t, errs.KindInvalidArgument, errs.KindOf(err))
}

func TestChildren(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	root := seedSession(t, s, models.Genealogy{})
	fork := seedSession(t, s, models.Genealogy{ForkedFromSessionID: root.ID, ForkPointTaskID: "t1"})
	spawn := seedSession(t, s, models.Genealogy{ParentSessionID: root.ID, SpawnPointTaskID: "t1"})

	inTx(t, s, func(tx Tx) error {
		if err := tx.AppendChild(ctx, root.ID, fork.ID); err != nil {
			return err
		}
		if err := tx.AppendChild(ctx, root.ID, spawn.ID); err != nil {
			return err
		}
		return tx.AppendChild(ctx, root.ID, fork.ID)
	})

	got, err := s.GetSession(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{fork.ID, spawn.ID}, got.Genealogy.ChildSessionIDs)

	children, err := s.ListChildSessions(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, fork.ID, children[0].ID)
	assert.Equal(t, spawn.ID, children[1].ID)

	inTx(t, s, func(tx Tx) error { return tx.RemoveChild(ctx, root.ID, fork.ID) })
	got, err = s.GetSession(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{spawn.ID}, got.Genealogy.ChildSessionIDs)

	inTx(t, s, func(tx Tx) error { return tx.SetChildren(ctx, root.ID, nil) })
	got, err = s.GetSession(ctx, root.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Genealogy.ChildSessionIDs)
}

// --- Tasks ---

func TestTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, models.Genealogy{})

	t1 := &models.Task{SessionID: sess.ID, Position: 1, Description: "add login", Range: models.MessageRange{StartIndex: 0}, Git: models.TaskGitState{ShaAtStart: "aaa"}}
	inTx(t, s, func(tx Tx) error { return tx.CreateTask(ctx, t1) })
	assert.Equal(t, models.TaskStatusCreated, t1.Status)

	end := 4
	endAt := time.Now().UTC()
	t1.Status = models.TaskStatusCompleted
	t1.Range.EndIndex = &end
	t1.Range.EndAt = &endAt
	t1.Git.ShaAtEnd = "bbb"
	t1.Git.CommitMessage = "feat: login"
	inTx(t, s, func(tx Tx) error { return tx.UpdateTask(ctx, t1) })

	t2 := &models.Task{SessionID: sess.ID, Position: 2, Description: "tests", Range: models.MessageRange{StartIndex: 5}}
	inTx(t, s, func(tx Tx) error { return tx.CreateTask(ctx, t2) })

	got, err := s.GetTask(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.Range.EndIndex)
	assert.Equal(t, 4, *got.Range.EndIndex)
	assert.Equal(t, "bbb", got.Git.ShaAtEnd)
	assert.Equal(t, "feat: login", got.Git.CommitMessage)
	assert.Equal(t, "add login", got.Description)

	tasks, err := s.ListTasks(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, t1.ID, tasks[0].ID)
	assert.Nil(t, tasks[1].Range.EndIndex)

	gotSess, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{t1.ID, t2.ID}, gotSess.TaskIDs)

	var n int64
	inTx(t, s, func(tx Tx) error {
		var err error
		n, err = tx.DeleteSessionTasks(ctx, sess.ID)
		return err
	})
	assert.Equal(t, int64(2), n)
	gotSess, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, gotSess.TaskIDs)
}

func TestCreateTask_DuplicatePosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, models.Genealogy{})

	inTx(t, s, func(tx Tx) error {
		return tx.CreateTask(ctx, &models.Task{SessionID: sess.ID, Position: 1, Range: models.MessageRange{StartIndex: 0}})
	})
	err := s.WithTx(ctx, func(tx Tx) error {
		return tx.CreateTask(ctx, &models.Task{SessionID: sess.ID, Position: 1, Range: models.MessageRange{StartIndex: 3}})
	})
	assert.Equal(t, errs.KindNonMonotonicRange, errs.KindOf(err))
}

func TestUpdateTask_ReportRequiresTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := seedSession(t, s, models.Genealogy{})

	task := &models.Task{SessionID: sess.ID, Position: 1}
	inTx(t, s, func(tx Tx) error { return tx.CreateTask(ctx, task) })

	task.ReportRef = "reports/x.html"
	err := s.WithTx(ctx, func(tx Tx) error { return tx.UpdateTask(ctx, task) })
	assert.Equal(t, errs.KindTaskNotTerminal, errs.KindOf(err))
}
