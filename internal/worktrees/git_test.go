package worktrees

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lineage/internal/coord"
	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/notify"
	"github.com/joescharf/lineage/internal/store"
)

// slowGit writes a git wrapper that finishes `worktree add` and then hangs,
// so the caller's deadline fires after git has done its work.
func slowGit(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell wrapper needs a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "git-slow")
	body := "#!/bin/sh\n" +
		"git \"$@\" || exit $?\n" +
		"case \"$*\" in *\"worktree add\"*) exec sleep 3 ;; esac\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func initGitRepo(t *testing.T, dir string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}
	for _, args := range [][]string{
		{"-C", dir, "init", "-b", "main"},
		{"-C", dir, "config", "user.email", "test@test.com"},
		{"-C", dir, "config", "user.name", "Test"},
		{"-C", dir, "commit", "--allow-empty", "-m", "initial"},
	} {
		require.NoError(t, exec.Command("git", args...).Run())
	}
}

func TestCreate_TimeoutWithRealGitAllowsRetry(t *testing.T) {
	repoDir := t.TempDir()
	initGitRepo(t, repoDir)
	ctx := context.Background()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { s.Close() })

	repo := &models.Repository{Slug: "r1", LocalPath: repoDir, DefaultBranch: "main"}
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error { return tx.CreateRepository(ctx, repo) }))

	c := coord.New(s, notify.NewHub(16))
	opts := Options{WorktreesDir: t.TempDir(), GitTimeout: 500 * time.Millisecond}
	slow := NewManager(c, &gitops.ExecClient{Binary: slowGit(t)}, opts)

	params := CreateParams{RepositoryID: repo.ID, Name: "feature-x", CreateBranch: true}
	_, err = slow.Create(ctx, params)
	require.Equal(t, errs.KindExternalOperation, errs.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	git := gitops.NewExecClient()
	exists, err := git.BranchExists(ctx, repoDir, "feature-x")
	require.NoError(t, err)
	assert.False(t, exists, "branch made by the timed-out attempt is gone")
	wts, err := git.ListWorktrees(ctx, repoDir)
	require.NoError(t, err)
	assert.Len(t, wts, 1, "only the main checkout remains registered")

	opts.GitTimeout = time.Minute
	w, err := NewManager(c, git, opts).Create(ctx, params)
	require.NoError(t, err, "retry with the same name succeeds")
	assert.DirExists(t, w.Path)
}
