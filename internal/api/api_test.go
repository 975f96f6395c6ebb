package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lineage/internal/engine"
	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/report"
	"github.com/joescharf/lineage/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	s, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))

	eng := engine.New(s, &gitops.Fake{}, engine.Config{WorktreesDir: filepath.Join(dir, "worktrees")})
	t.Cleanup(func() { eng.Close() })

	gen := report.NewGenerator(s, eng.Tasks, filepath.Join(dir, "reports"), nil)
	return NewServer(eng, gen), eng
}

// do sends a JSON request and decodes the response into out when non-nil.
func do(t *testing.T, h http.Handler, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if out != nil && w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.NotFound("session", "s1"), http.StatusNotFound},
		{errs.InvalidArgument("bad"), http.StatusBadRequest},
		{errs.DuplicateWorktreeName("r1", "x"), http.StatusConflict},
		{errs.WorktreeInUse("w1", []string{"s1"}), http.StatusConflict},
		{errs.HasDescendants("s1", []string{"s2"}), http.StatusConflict},
		{errs.InvalidTransition("t1", "created", "completed"), http.StatusUnprocessableEntity},
		{errs.NonMonotonicRange("s1", "t1", "overlap"), http.StatusUnprocessableEntity},
		{errs.ForkPointInFuture("s1", "t1", "open"), http.StatusUnprocessableEntity},
		{errs.TaskNotTerminal("t1", "running"), http.StatusUnprocessableEntity},
		{errs.External("git worktree add", errors.New("boom")), http.StatusBadGateway},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusFor(tc.err), tc.err.Error())
	}
}

func TestRepositoriesAPI(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	var list []*models.Repository
	w := do(t, router, "GET", "/api/v1/repositories", "", &list)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, list)

	var repo models.Repository
	w = do(t, router, "POST", "/api/v1/repositories", `{"slug":"Acme API","local_path":"`+t.TempDir()+`"}`, &repo)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "acme-api", repo.Slug)
	assert.Equal(t, "main", repo.DefaultBranch)

	w = do(t, router, "GET", "/api/v1/repositories/acme-api", "", nil)
	assert.Equal(t, http.StatusOK, w.Code, "lookup by slug")

	var body ErrorBody
	w = do(t, router, "POST", "/api/v1/repositories", `{"slug":"acme-api","local_path":"/tmp/x"}`, &body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.KindDuplicateSlug, body.Kind)

	w = do(t, router, "POST", "/api/v1/repositories", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, "DELETE", "/api/v1/repositories/"+repo.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, router, "GET", "/api/v1/repositories/"+repo.ID, "", &body)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errs.KindNotFound, body.Kind)
}

func TestScenarioAPI(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	var repo models.Repository
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/repositories", `{"slug":"r1","local_path":"`+t.TempDir()+`"}`, &repo).Code)

	var wt models.Worktree
	w := do(t, router, "POST", "/api/v1/worktrees",
		`{"repository_id":"`+repo.ID+`","name":"feature-x","create_branch":true,"source_branch":"main"}`, &wt)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, models.WorktreeStateReady, wt.State)

	var dup ErrorBody
	w = do(t, router, "POST", "/api/v1/worktrees", `{"repository_id":"`+repo.ID+`","name":"feature-x"}`, &dup)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.KindDuplicateWorktreeName, dup.Kind)

	var s1 models.Session
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/sessions", `{"agent":"claude","worktree_id":"`+wt.ID+`"}`, &s1).Code)

	var missing ErrorBody
	w = do(t, router, "POST", "/api/v1/sessions/"+s1.ID+"/tasks", `{"description":"add login"}`, &missing)
	assert.Equal(t, http.StatusBadRequest, w.Code, "start_index is required")

	var t1 models.Task
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/sessions/"+s1.ID+"/tasks", `{"description":"add login","start_index":0}`, &t1).Code)

	var bad ErrorBody
	w = do(t, router, "POST", "/api/v1/tasks/"+t1.ID+"/complete", `{"end_index":12}`, &bad)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, errs.KindInvalidTransition, bad.Kind)
	assert.Equal(t, t1.ID, bad.IDs["task"])

	require.Equal(t, http.StatusOK, do(t, router, "POST", "/api/v1/tasks/"+t1.ID+"/running", "", nil).Code)
	w = do(t, router, "POST", "/api/v1/tasks/"+t1.ID+"/complete", `{"end_index":12,"sha_at_end":"c1","tool_calls":3}`, &t1)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.TaskStatusCompleted, t1.Status)

	var tasksList []*models.Task
	do(t, router, "GET", "/api/v1/sessions/"+s1.ID+"/tasks", "", &tasksList)
	require.Len(t, tasksList, 1)
	assert.Equal(t, t1.ID, tasksList[0].ID)

	var fork models.Session
	w = do(t, router, "POST", "/api/v1/sessions/"+s1.ID+"/fork", `{"task_id":"`+t1.ID+`"}`, &fork)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, s1.ID, fork.Genealogy.ForkedFromSessionID)

	var anc LineageResponse
	do(t, router, "GET", "/api/v1/sessions/"+fork.ID+"/ancestors", "", &anc)
	require.Len(t, anc.Sessions, 1)
	assert.Equal(t, s1.ID, anc.Sessions[0].ID)
	assert.Empty(t, anc.Orphaned)

	var desc LineageResponse
	do(t, router, "GET", "/api/v1/sessions/"+s1.ID+"/descendants", "", &desc)
	require.Len(t, desc.Sessions, 1)
	assert.Equal(t, fork.ID, desc.Sessions[0].ID)

	var inUse ErrorBody
	w = do(t, router, "DELETE", "/api/v1/worktrees/"+wt.ID, "", &inUse)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.KindWorktreeInUse, inUse.Kind)
	assert.Equal(t, []string{s1.ID}, inUse.Related)

	assert.Equal(t, http.StatusNoContent, do(t, router, "DELETE", "/api/v1/worktrees/"+wt.ID+"/sessions/"+s1.ID, "", nil).Code)
	assert.Equal(t, http.StatusNoContent, do(t, router, "DELETE", "/api/v1/worktrees/"+wt.ID, "", nil).Code)

	var hasKids ErrorBody
	w = do(t, router, "DELETE", "/api/v1/sessions/"+s1.ID, "", &hasKids)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errs.KindHasDescendants, hasKids.Kind)

	var violations []map[string]any
	w = do(t, router, "GET", "/api/v1/verify", "", &violations)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, violations)
}

func TestReportAPI(t *testing.T) {
	srv, eng := setupTestServer(t)
	router := srv.Router()
	ctx := context.Background()

	var s1 models.Session
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/sessions", `{"agent":"claude"}`, &s1).Code)
	var t1 models.Task
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/sessions/"+s1.ID+"/tasks", `{"description":"add login","start_index":0}`, &t1).Code)
	_, err := eng.Tasks.MarkRunning(ctx, t1.ID)
	require.NoError(t, err)

	var notTerminal ErrorBody
	w := do(t, router, "POST", "/api/v1/tasks/"+t1.ID+"/report", "", &notTerminal)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, errs.KindTaskNotTerminal, notTerminal.Kind)

	w = do(t, router, "POST", "/api/v1/tasks/"+t1.ID+"/fail", "", &t1)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.TaskStatusFailed, t1.Status)

	w = do(t, router, "POST", "/api/v1/tasks/"+t1.ID+"/report", "", &t1)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, t1.ReportRef, t1.ID+".html")

	w = do(t, router, "POST", "/api/v1/tasks/"+t1.ID+"/report", `{"ref":"https://ci.example.com/r/1"}`, &t1)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://ci.example.com/r/1", t1.ReportRef)
}

func TestSessionStatusAPI(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	var s1 models.Session
	require.Equal(t, http.StatusCreated, do(t, router, "POST", "/api/v1/sessions", `{"agent":"claude"}`, &s1).Code)

	w := do(t, router, "PUT", "/api/v1/sessions/"+s1.ID+"/status", `{"status":"completed"}`, &s1)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.SessionStatusCompleted, s1.Status)

	var list []*models.Session
	do(t, router, "GET", "/api/v1/sessions?status=completed", "", &list)
	assert.Len(t, list, 1)
	do(t, router, "GET", "/api/v1/sessions?status=idle", "", &list)
	assert.Empty(t, list)

	w = do(t, router, "GET", "/api/v1/sessions?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORS(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(t, srv.Router(), "OPTIONS", "/api/v1/sessions", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
