package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lineage/internal/engine"
	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/report"
	"github.com/joescharf/lineage/internal/store"
)

// initTestRepo creates a git repository with one commit on main.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()

	cmds := [][]string{
		{"git", "init", "-b", "main", dir},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		out, err := exec.Command(args[0], args[1:]...).CombinedOutput()
		require.NoError(t, err, "cmd %v: %s", args, string(out))
	}

	// Create initial file and commit so we have a main branch
	gitCommitFile(t, dir, "README.md", "# test\n", "initial commit")

	// Resolve symlinks (macOS: /var -> /private/var) so paths match git output
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

// gitCommitFile creates a file and commits it in the given repo/worktree path.
func gitCommitFile(t *testing.T, path, filename, content, message string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(path, filename), []byte(content), 0o644))
	out, err := exec.Command("git", "-C", path, "add", filename).CombinedOutput()
	require.NoError(t, err, "git add: %s", string(out))
	out, err = exec.Command("git", "-C", path, "commit", "-m", message).CombinedOutput()
	require.NoError(t, err, "git commit: %s", string(out))
}

func setupE2EServer(t *testing.T) (*Server, store.Store, string) {
	t.Helper()
	repoPath := initTestRepo(t)
	dir := t.TempDir()

	s, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	eng := engine.New(s, gitops.NewExecClient(), engine.Config{})
	t.Cleanup(func() { _ = eng.Close() })

	gen := report.NewGenerator(s, eng.Tasks, filepath.Join(dir, "reports"), nil)
	return NewServer(eng, gen), s, repoPath
}

// doJSON is a helper: make a JSON request and return the recorder.
func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// decodeJSON is a helper: unmarshal response body.
func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), "body: %s", w.Body.String())
	return v
}

// TestSessionLifecycle_E2E walks a session through its life against a real
// git repository:
//
//  1. Register the repository and create a worktree on a new branch
//  2. Start a session bound to the worktree at the worktree's HEAD
//  3. Record a task around a real commit and generate its report
//  4. Fork the session at that task
//  5. Retire the session and the worktree
func TestSessionLifecycle_E2E(t *testing.T) {
	srv, s, repoPath := setupE2EServer(t)
	router := srv.Router()
	ctx := context.Background()

	// Step 1: repository + worktree.
	w := doJSON(t, router, "POST", "/api/v1/repositories", map[string]any{"local_path": repoPath})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	repo := decodeJSON[models.Repository](t, w)
	assert.Equal(t, "main", repo.DefaultBranch)

	w = doJSON(t, router, "POST", "/api/v1/worktrees", map[string]any{
		"repository_id": repo.ID,
		"name":          "feature/login",
		"create_branch": true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wt := decodeJSON[models.Worktree](t, w)
	assert.Equal(t, repoPath+".worktrees/feature-login", wt.Path)
	assert.Equal(t, "feature/login", wt.Ref)
	assert.DirExists(t, wt.Path)

	// Step 2: session at the worktree's HEAD.
	start, err := gitops.Snapshot(wt.Path)
	require.NoError(t, err)
	assert.Equal(t, "feature/login", start.Ref)
	assert.False(t, start.Dirty)

	w = doJSON(t, router, "POST", "/api/v1/sessions", map[string]any{
		"agent":       "claude",
		"worktree_id": wt.ID,
		"git":         map[string]any{"ref": start.Ref, "base_commit": start.Sha, "current_commit": start.Sha},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sess := decodeJSON[models.Session](t, w)
	assert.Equal(t, repo.ID, sess.RepositoryID)

	// Step 3: one task around a real commit.
	w = doJSON(t, router, "POST", "/api/v1/sessions/"+sess.ID+"/tasks", map[string]any{
		"description":  "add login",
		"start_index":  0,
		"sha_at_start": start.Sha,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	task := decodeJSON[models.Task](t, w)
	require.Equal(t, http.StatusOK, doJSON(t, router, "POST", "/api/v1/tasks/"+task.ID+"/running", nil).Code)

	gitCommitFile(t, wt.Path, "login.go", "package login\n", "Add login")
	require.NoError(t, os.WriteFile(filepath.Join(wt.Path, "scratch.txt"), []byte("wip"), 0o644))
	end, err := gitops.Snapshot(wt.Path)
	require.NoError(t, err)
	assert.NotEqual(t, start.Sha, end.Sha)
	assert.True(t, end.Dirty)

	w = doJSON(t, router, "POST", "/api/v1/tasks/"+task.ID+"/complete", map[string]any{
		"end_index":      12,
		"sha_at_end":     end.Sha,
		"dirty":          end.Dirty,
		"commit_message": "Add login",
		"tool_calls":     5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, got.TaskIDs)
	assert.Equal(t, end.Sha, got.Git.CurrentCommit)
	assert.True(t, got.Git.Dirty)
	assert.Equal(t, 13, got.MessageCount)
	assert.Equal(t, 5, got.ToolCount)

	w = doJSON(t, router, "POST", "/api/v1/tasks/"+task.ID+"/report", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	task = decodeJSON[models.Task](t, w)
	assert.FileExists(t, task.ReportRef)

	// Step 4: fork at the task.
	w = doJSON(t, router, "POST", "/api/v1/sessions/"+sess.ID+"/fork", map[string]any{"task_id": task.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	fork := decodeJSON[models.Session](t, w)
	assert.Equal(t, end.Sha, fork.Git.BaseCommit)
	assert.Equal(t, "feature/login", fork.Git.Ref)

	// Step 5: retire everything.
	w = doJSON(t, router, "DELETE", "/api/v1/worktrees/"+wt.ID, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Equal(t, http.StatusNoContent, doJSON(t, router, "DELETE", "/api/v1/sessions/"+fork.ID, nil).Code)
	require.Equal(t, http.StatusNoContent, doJSON(t, router, "DELETE", "/api/v1/sessions/"+sess.ID, nil).Code)
	require.Equal(t, http.StatusNoContent, doJSON(t, router, "DELETE", "/api/v1/worktrees/"+wt.ID, nil).Code)
	assert.NoDirExists(t, wt.Path)

	list, err := gitops.NewExecClient().ListWorktrees(ctx, repoPath)
	require.NoError(t, err)
	assert.Len(t, list, 1, "only the main checkout remains")

	w = doJSON(t, router, "DELETE", "/api/v1/repositories/"+repo.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCreateWorktree_BadRefReleasesName(t *testing.T) {
	srv, _, repoPath := setupE2EServer(t)
	router := srv.Router()

	w := doJSON(t, router, "POST", "/api/v1/repositories", map[string]any{"local_path": repoPath})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	repo := decodeJSON[models.Repository](t, w)

	w = doJSON(t, router, "POST", "/api/v1/worktrees", map[string]any{
		"repository_id": repo.ID,
		"name":          "review",
		"ref":           "does-not-exist",
	})
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())
	body := decodeJSON[ErrorBody](t, w)
	assert.Equal(t, "review", body.IDs["name"])
	assert.NoDirExists(t, repoPath+".worktrees/review")

	w = doJSON(t, router, "POST", "/api/v1/worktrees", map[string]any{
		"repository_id": repo.ID,
		"name":          "review",
		"ref":           "main-copy",
		"create_branch": true,
	})
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
