package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/lineage/internal/engine"
	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/sessions"
	"github.com/joescharf/lineage/internal/store"
)

// fakeEngine installs an engine backed by a temp database and a fake git
// client, and clears command flags left by earlier tests.
func fakeEngine(t *testing.T) (*engine.Engine, *gitops.Fake) {
	t.Helper()
	dir := testEnv(t)

	s, err := store.NewSQLiteStore(filepath.Join(dir, "lineage.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	git := &gitops.Fake{}
	eng = engine.New(s, git, engine.Config{WorktreesDir: filepath.Join(dir, "worktrees"), GitTimeout: time.Minute})

	repoSlug = ""
	wtRef, wtNewBranch, wtSourceBranch, wtPullLatest, wtKeepFiles = "", false, "", false, false
	sessAgent, sessRepo, sessWorktree, sessTitle = "", "", "", ""
	sessConcepts, sessGitPath, sessRef, sessBase = nil, "", "", ""
	sessStatus, sessLimit, sessFailed, sessTreeYAML = "", 0, false, false
	taskStart, taskEnd, taskDesc, taskSha, taskGitPath = 0, 0, "", "", ""
	taskDirty, taskMessage, taskModel, taskTools = false, "", "", 0
	taskRunning, taskNoSnap, taskReportRef = false, false, ""
	return eng, git
}

func sessionsCreate(agent string) sessions.CreateParams {
	return sessions.CreateParams{Agent: agent, Git: models.GitState{Ref: "main", BaseCommit: "c0", CurrentCommit: "c0"}}
}

// captureJSON runs fn with --json and decodes what it printed.
func captureJSON[T any](t *testing.T, fn func() error) T {
	t.Helper()
	testOut.Reset()
	jsonOut = true
	defer func() { jsonOut = false }()
	require.NoError(t, fn())
	var v T
	require.NoError(t, json.Unmarshal(testOut.Bytes(), &v), testOut.String())
	testOut.Reset()
	return v
}

func TestRepoCommands(t *testing.T) {
	e, _ := fakeEngine(t)
	ctx := context.Background()
	src := t.TempDir()

	repoSlug = "r1"
	require.NoError(t, repoAddRun(src))
	assert.Contains(t, testOut.String(), "Registered repository")

	repo, err := e.Repos.GetBySlug(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "main", repo.DefaultBranch)

	testOut.Reset()
	require.NoError(t, repoListRun())
	assert.Contains(t, testOut.String(), "r1")

	shown := captureJSON[map[string]any](t, func() error { return repoShowRun("r1") })
	assert.Equal(t, repo.ID, shown["id"])

	require.NoError(t, repoRemoveRun("r1"))
	_, err = e.Repos.GetBySlug(ctx, "r1")
	assert.Error(t, err)
}

func TestRepoAdd_MissingPath(t *testing.T) {
	fakeEngine(t)
	err := repoAddRun(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path not found")
}

func TestRepoAdd_DryRun(t *testing.T) {
	e, _ := fakeEngine(t)
	dryRun = true
	ui.DryRun = true

	require.NoError(t, repoAddRun(t.TempDir()))
	list, err := e.Repos.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestIsRemote(t *testing.T) {
	assert.True(t, isRemote("https://github.com/org/repo.git"))
	assert.True(t, isRemote("git@github.com:org/repo.git"))
	assert.False(t, isRemote("/home/me/repo"))
	assert.False(t, isRemote("./repo"))
}

func TestWorktreeCommands(t *testing.T) {
	e, git := fakeEngine(t)
	ctx := context.Background()
	repoSlug = "r1"
	require.NoError(t, repoAddRun(t.TempDir()))

	wtNewBranch = true
	require.NoError(t, worktreeCreateRun("r1", "feature/login"))
	assert.Equal(t, 1, git.CreatedCount())

	w, err := resolveWorktree(ctx, "r1/feature/login")
	require.NoError(t, err)
	assert.Equal(t, "feature/login", w.Ref)
	assert.DirExists(t, w.Path)

	byID, err := resolveWorktree(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.Path, byID.Path)

	testOut.Reset()
	require.NoError(t, worktreeListRun("r1"))
	assert.Contains(t, testOut.String(), "feature/login")

	sess, err := e.Sessions.Create(ctx, sessionsCreate("claude"))
	require.NoError(t, err)
	require.NoError(t, worktreeAttachRun("r1/feature/login", sess.ID))

	err = worktreeRemoveRun(w.ID)
	require.Error(t, err, "bound worktree must not be removed")

	require.NoError(t, worktreeDetachRun(w.ID, sess.ID))
	require.NoError(t, worktreeRemoveRun(w.ID))
	assert.NoDirExists(t, w.Path)
}

func TestSessionAndTaskCommands(t *testing.T) {
	e, _ := fakeEngine(t)
	ctx := context.Background()
	repoSlug = "r1"
	require.NoError(t, repoAddRun(t.TempDir()))
	wtNewBranch = true
	require.NoError(t, worktreeCreateRun("r1", "feature-x"))

	sessAgent, sessWorktree, sessBase, sessRef = "claude", "r1/feature-x", "c0", "feature-x"
	sess := captureJSON[models.Session](t, sessionNewRun)
	assert.Equal(t, "c0", sess.Git.BaseCommit)
	assert.NotEmpty(t, sess.WorktreeID)

	taskStart, taskDesc, taskSha, taskRunning = 0, "add login", "c0", true
	task := captureJSON[models.Task](t, func() error { return taskBeginRun(sess.ID) })
	assert.Equal(t, models.TaskStatusRunning, task.Status)
	assert.Equal(t, 1, task.Position)

	taskEnd, taskSha, taskTools, taskMessage = 12, "c1", 3, "login form"
	done := captureJSON[models.Task](t, func() error { return taskFinishRun(task.ID, models.TaskStatusCompleted) })
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
	require.NotNil(t, done.Range.EndIndex)
	assert.Equal(t, 12, *done.Range.EndIndex)

	got, err := e.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 13, got.MessageCount)
	assert.Equal(t, "c1", got.Git.CurrentCommit)

	// A second finish is an invalid transition.
	assert.Error(t, taskFinishRun(task.ID, models.TaskStatusFailed))

	sessWorktree, sessTitle = "", "retry"
	fork := captureJSON[models.Session](t, func() error { return sessionForkRun(sess.ID, task.ID) })
	assert.Equal(t, sess.ID, fork.Genealogy.ForkedFromSessionID)
	assert.Equal(t, "c1", fork.Git.BaseCommit)

	testOut.Reset()
	require.NoError(t, sessionLineageRun(fork.ID, true))
	assert.Contains(t, testOut.String(), sess.ID[:12])

	testOut.Reset()
	require.NoError(t, sessionTreeRun(""))
	assert.Contains(t, testOut.String(), "fork@")
	assert.Contains(t, testOut.String(), "└── ")

	testOut.Reset()
	require.NoError(t, taskListRun(sess.ID))
	assert.Contains(t, testOut.String(), "add login")

	taskReportRef = ""
	require.NoError(t, taskReportRun(task.ID))
	reported, err := e.Tasks.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.FileExists(t, reported.ReportRef)

	assert.Error(t, sessionRemoveRun(sess.ID), "sessions with descendants cannot be deleted")
	require.NoError(t, sessionRemoveRun(fork.ID))

	require.NoError(t, sessionCloseRun(sess.ID, models.SessionStatusCompleted))
	closed, err := e.Sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, closed.Status)
}

func TestSessionList_InvalidStatus(t *testing.T) {
	fakeEngine(t)
	sessStatus = "sleeping"
	err := sessionListRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid status")
}

func TestSessionRepair_Consistent(t *testing.T) {
	e, _ := fakeEngine(t)
	_, err := e.Sessions.Create(context.Background(), sessionsCreate("claude"))
	require.NoError(t, err)

	require.NoError(t, sessionRepairRun())
	assert.Contains(t, testOut.String(), "consistent")
}

func TestDoctor(t *testing.T) {
	e, _ := fakeEngine(t)
	ctx := context.Background()
	repoSlug = "r1"
	require.NoError(t, repoAddRun(t.TempDir()))
	wtNewBranch = true
	require.NoError(t, worktreeCreateRun("r1", "feature-x"))

	require.NoError(t, doctorRun())
	assert.Contains(t, testOut.String(), "No problems found")

	w, err := resolveWorktree(ctx, "r1/feature-x")
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(w.Path))

	testOut.Reset()
	err = doctorRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 problem")
	assert.Contains(t, testOut.String(), "directory is missing")

	repo, err := e.Repos.GetBySlug(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, w.RepositoryID)
}

func TestBuildTree(t *testing.T) {
	now := time.Now()
	root := &models.Session{ID: "s1", Agent: "claude", Status: models.SessionStatusIdle, TaskIDs: []string{"t1"}, CreatedAt: now}
	fork := &models.Session{ID: "s2", Agent: "claude", Status: models.SessionStatusIdle, CreatedAt: now.Add(time.Second),
		Genealogy: models.Genealogy{ForkedFromSessionID: "s1", ForkPointTaskID: "t1"}}
	spawn := &models.Session{ID: "s3", Agent: "codex", Status: models.SessionStatusRunning, CreatedAt: now.Add(2 * time.Second),
		Genealogy: models.Genealogy{ParentSessionID: "s2", SpawnPointTaskID: "t9"}}
	other := &models.Session{ID: "s4", Agent: "claude", Status: models.SessionStatusFailed, CreatedAt: now.Add(3 * time.Second)}

	forest := buildTree([]*models.Session{spawn, other, fork, root}, "")
	require.Len(t, forest, 2)
	assert.Equal(t, "s1", forest[0].ID)
	assert.Equal(t, 1, forest[0].Tasks)
	require.Len(t, forest[0].Children, 1)
	assert.Equal(t, "fork", forest[0].Children[0].Edge)
	require.Len(t, forest[0].Children[0].Children, 1)
	assert.Equal(t, "spawn", forest[0].Children[0].Children[0].Edge)
	assert.Equal(t, "t9", forest[0].Children[0].Children[0].AtTask)

	sub := buildTree([]*models.Session{fork, spawn}, "s2")
	require.Len(t, sub, 1)
	assert.Equal(t, "s2", sub[0].ID)
	assert.Len(t, sub[0].Children, 1)
}

func TestWriteTreeYAML(t *testing.T) {
	forest := []*treeNode{{ID: "s1", Agent: "claude", Status: "idle", Children: []*treeNode{
		{ID: "s2", Agent: "claude", Status: "idle", Edge: "fork", AtTask: "t1"},
	}}}
	var buf bytes.Buffer
	require.NoError(t, writeTreeYAML(&buf, forest))
	out := buf.String()
	assert.Contains(t, out, "- id: s1")
	assert.Contains(t, out, "edge: fork")
	assert.Contains(t, out, "at_task: t1")

	buf.Reset()
	require.NoError(t, writeTreeYAML(&buf, nil))
	assert.Equal(t, "[]\n", buf.String())
}

func TestRenderTree(t *testing.T) {
	forest := []*treeNode{{ID: "s1", Agent: "claude", Status: "idle", Children: []*treeNode{
		{ID: "s2", Agent: "claude", Status: "idle", Edge: "fork", AtTask: "t1"},
		{ID: "s3", Agent: "codex", Status: "idle", Edge: "spawn", AtTask: "t1"},
	}}}
	var buf bytes.Buffer
	renderTree(&buf, forest)
	out := buf.String()
	assert.Contains(t, out, "├── ")
	assert.Contains(t, out, "└── ")
	assert.Contains(t, out, "spawn@t1")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestTimeAgo(t *testing.T) {
	assert.Equal(t, "never", timeAgo(time.Time{}))
	assert.Equal(t, "just now", timeAgo(time.Now()))
	assert.Equal(t, "5m ago", timeAgo(time.Now().Add(-5*time.Minute-time.Second)))
	assert.Equal(t, "1d ago", timeAgo(time.Now().Add(-25*time.Hour)))
}
