package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/joescharf/lineage/internal/engine"
	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/notify"
	"github.com/joescharf/lineage/internal/report"
	"github.com/joescharf/lineage/internal/repos"
	"github.com/joescharf/lineage/internal/sessions"
	"github.com/joescharf/lineage/internal/store"
	"github.com/joescharf/lineage/internal/tasks"
	"github.com/joescharf/lineage/internal/worktrees"
)

// Server provides the REST API handlers.
type Server struct {
	eng     *engine.Engine
	reports *report.Generator
}

// NewServer creates a new API server.
// The report generator may be nil; report requests then only attach a
// caller-supplied reference.
func NewServer(eng *engine.Engine, reports *report.Generator) *Server {
	return &Server{eng: eng, reports: reports}
}

// Router returns an http.Handler for the API routes.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/repositories", s.listRepositories)
	mux.HandleFunc("POST /api/v1/repositories", s.registerRepository)
	mux.HandleFunc("GET /api/v1/repositories/{id}", s.getRepository)
	mux.HandleFunc("POST /api/v1/repositories/{id}/refresh", s.refreshRepository)
	mux.HandleFunc("DELETE /api/v1/repositories/{id}", s.deleteRepository)

	mux.HandleFunc("GET /api/v1/worktrees", s.listWorktrees)
	mux.HandleFunc("POST /api/v1/worktrees", s.createWorktree)
	mux.HandleFunc("GET /api/v1/worktrees/{id}", s.getWorktree)
	mux.HandleFunc("DELETE /api/v1/worktrees/{id}", s.deleteWorktree)
	mux.HandleFunc("POST /api/v1/worktrees/{id}/sessions", s.attachSession)
	mux.HandleFunc("DELETE /api/v1/worktrees/{id}/sessions/{session}", s.detachSession)

	mux.HandleFunc("GET /api/v1/sessions", s.listSessions)
	mux.HandleFunc("POST /api/v1/sessions", s.createSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", s.deleteSession)
	mux.HandleFunc("PUT /api/v1/sessions/{id}/status", s.setSessionStatus)
	mux.HandleFunc("POST /api/v1/sessions/{id}/fork", s.forkSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/spawn", s.spawnSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}/ancestors", s.ancestors)
	mux.HandleFunc("GET /api/v1/sessions/{id}/descendants", s.descendants)
	mux.HandleFunc("GET /api/v1/sessions/{id}/tasks", s.listTasks)
	mux.HandleFunc("POST /api/v1/sessions/{id}/tasks", s.beginTask)

	mux.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/running", s.markRunning)
	mux.HandleFunc("POST /api/v1/tasks/{id}/complete", s.completeTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/fail", s.failTask)
	mux.HandleFunc("POST /api/v1/tasks/{id}/report", s.reportTask)

	mux.HandleFunc("GET /api/v1/verify", s.verify)
	mux.HandleFunc("POST /api/v1/repair", s.repair)

	mux.Handle("GET /ws", notify.NewWSHandler(s.eng.Hub))

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string            `json:"error"`
	Kind    errs.Kind         `json:"kind,omitempty"`
	IDs     map[string]string `json:"ids,omitempty"`
	Related []string          `json:"related,omitempty"`
}

func errorBody(err error) ErrorBody {
	body := ErrorBody{Error: err.Error()}
	if e, ok := errs.As(err); ok {
		body.Kind = e.Kind
		body.IDs = e.IDs
		body.Related = e.Related
	}
	return body
}

// StatusFor maps an error kind to an HTTP status.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindInvalidArgument:
		return http.StatusBadRequest
	case errs.KindDuplicateWorktreeName, errs.KindDuplicatePath, errs.KindDuplicateSlug,
		errs.KindWorktreeInUse, errs.KindHasDescendants, errs.KindRepositoryInUse:
		return http.StatusConflict
	case errs.KindInvalidTransition, errs.KindNonMonotonicRange, errs.KindForkPointInFuture,
		errs.KindTaskNotTerminal, errs.KindInvalidWorktreeBinding, errs.KindOrphanedGenealogy:
		return http.StatusUnprocessableEntity
	case errs.KindExternalOperation:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("api request failed", "error", err)
	}
	writeJSON(w, status, errorBody(err))
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorBody{Error: msg, Kind: errs.KindInvalidArgument})
}

// decode reads a JSON request body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeBadRequest(w, "invalid JSON")
		return false
	}
	return true
}

// --- Repositories ---

func (s *Server) listRepositories(w http.ResponseWriter, r *http.Request) {
	list, err := s.eng.Repos.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type registerRequest struct {
	Slug      string `json:"slug"`
	RemoteURL string `json:"remote_url"`
	LocalPath string `json:"local_path"`
}

func (s *Server) registerRepository(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	repo, err := s.eng.Repos.Register(r.Context(), repos.RegisterParams(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, repo)
}

func (s *Server) getRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.eng.Repos.Resolve(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) refreshRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.eng.Repos.RefreshDefaultBranch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) deleteRepository(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Repos.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Worktrees ---

func (s *Server) listWorktrees(w http.ResponseWriter, r *http.Request) {
	list, err := s.eng.Worktrees.List(r.Context(), r.URL.Query().Get("repository"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createWorktreeRequest struct {
	RepositoryID string `json:"repository_id"`
	Name         string `json:"name"`
	Ref          string `json:"ref"`
	CreateBranch bool   `json:"create_branch"`
	SourceBranch string `json:"source_branch"`
	PullLatest   bool   `json:"pull_latest"`
}

func (s *Server) createWorktree(w http.ResponseWriter, r *http.Request) {
	var req createWorktreeRequest
	if !decode(w, r, &req) {
		return
	}
	wt, err := s.eng.Worktrees.Create(r.Context(), worktrees.CreateParams(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wt)
}

func (s *Server) getWorktree(w http.ResponseWriter, r *http.Request) {
	wt, err := s.eng.Worktrees.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

func (s *Server) deleteWorktree(w http.ResponseWriter, r *http.Request) {
	removeFS := r.URL.Query().Get("keep_files") != "true"
	if err := s.eng.Worktrees.Delete(r.Context(), r.PathValue("id"), removeFS); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) attachSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		writeBadRequest(w, "session_id is required")
		return
	}
	wt, err := s.eng.Worktrees.Attach(r.Context(), r.PathValue("id"), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wt)
}

func (s *Server) detachSession(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Worktrees.Detach(r.Context(), r.PathValue("id"), r.PathValue("session")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SessionFilter{
		RepositoryID: q.Get("repository"),
		WorktreeID:   q.Get("worktree"),
		Status:       models.SessionStatus(q.Get("status")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	list, err := s.eng.Sessions.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createSessionRequest struct {
	Agent        string          `json:"agent"`
	Git          models.GitState `json:"git"`
	RepositoryID string          `json:"repository_id"`
	WorktreeID   string          `json:"worktree_id"`
	Title        string          `json:"title"`
	Concepts     []string        `json:"concepts"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.eng.Sessions.Create(r.Context(), sessions.CreateParams(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.eng.Sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setSessionStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.SessionStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.eng.Sessions.SetStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type deriveRequest struct {
	TaskID     string `json:"task_id"`
	Agent      string `json:"agent"`
	WorktreeID string `json:"worktree_id"`
	Title      string `json:"title"`
}

func (s *Server) forkSession(w http.ResponseWriter, r *http.Request) {
	var req deriveRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.eng.Sessions.Fork(r.Context(), r.PathValue("id"), req.TaskID, sessions.DeriveParams{WorktreeID: req.WorktreeID, Title: req.Title})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) spawnSession(w http.ResponseWriter, r *http.Request) {
	var req deriveRequest
	if !decode(w, r, &req) {
		return
	}
	sess, err := s.eng.Sessions.Spawn(r.Context(), r.PathValue("id"), req.TaskID, req.Agent, sessions.DeriveParams{WorktreeID: req.WorktreeID, Title: req.Title})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// LineageResponse is the JSON shape of an ancestry query.
type LineageResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Orphaned []ErrorBody       `json:"orphaned"`
}

func lineageResponse(l *sessions.Lineage) LineageResponse {
	out := LineageResponse{Sessions: l.Sessions, Orphaned: []ErrorBody{}}
	for _, e := range l.Orphaned {
		out.Orphaned = append(out.Orphaned, errorBody(e))
	}
	return out
}

func (s *Server) ancestors(w http.ResponseWriter, r *http.Request) {
	l, err := s.eng.Sessions.Ancestors(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lineageResponse(l))
}

func (s *Server) descendants(w http.ResponseWriter, r *http.Request) {
	l, err := s.eng.Sessions.Descendants(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lineageResponse(l))
}

// --- Tasks ---

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.eng.Tasks.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type beginRequest struct {
	Description    string    `json:"description"`
	StartIndex     *int      `json:"start_index"`
	StartTimestamp time.Time `json:"start_timestamp"`
	ShaAtStart     string    `json:"sha_at_start"`
	Model          string    `json:"model"`
}

func (s *Server) beginTask(w http.ResponseWriter, r *http.Request) {
	var req beginRequest
	if !decode(w, r, &req) {
		return
	}
	if req.StartIndex == nil {
		writeBadRequest(w, "start_index is required")
		return
	}
	task, err := s.eng.Tasks.Begin(r.Context(), tasks.BeginParams{
		SessionID:      r.PathValue("id"),
		Description:    req.Description,
		StartIndex:     *req.StartIndex,
		StartTimestamp: req.StartTimestamp,
		ShaAtStart:     req.ShaAtStart,
		Model:          req.Model,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.eng.Tasks.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) markRunning(w http.ResponseWriter, r *http.Request) {
	task, err := s.eng.Tasks.MarkRunning(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type completeRequest struct {
	EndIndex      *int      `json:"end_index"`
	EndTimestamp  time.Time `json:"end_timestamp"`
	ShaAtEnd      string    `json:"sha_at_end"`
	Dirty         bool      `json:"dirty"`
	CommitMessage string    `json:"commit_message"`
	ToolCalls     int       `json:"tool_calls"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.EndIndex == nil {
		writeBadRequest(w, "end_index is required")
		return
	}
	task, err := s.eng.Tasks.Complete(r.Context(), tasks.CompleteParams{
		TaskID:        r.PathValue("id"),
		EndIndex:      *req.EndIndex,
		EndTimestamp:  req.EndTimestamp,
		ShaAtEnd:      req.ShaAtEnd,
		Dirty:         req.Dirty,
		CommitMessage: req.CommitMessage,
		ToolCalls:     req.ToolCalls,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	task, err := s.eng.Tasks.Fail(r.Context(), tasks.FailParams{
		TaskID:       r.PathValue("id"),
		EndTimestamp: req.EndTimestamp,
		ShaAtEnd:     req.ShaAtEnd,
		Dirty:        req.Dirty,
		ToolCalls:    req.ToolCalls,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// reportTask attaches a supplied reference, or generates a report when the
// body names none.
func (s *Server) reportTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ref string `json:"ref"`
	}
	if !decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if req.Ref == "" {
		if s.reports == nil {
			writeJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "report generation is not configured; pass a ref"})
			return
		}
		ref, err := s.reports.Generate(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		req.Ref = ref
	} else if _, err := s.eng.Tasks.AttachReport(r.Context(), id, req.Ref); err != nil {
		writeError(w, err)
		return
	}
	task, err := s.eng.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Maintenance ---

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	violations, err := s.eng.Sessions.Verify(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if violations == nil {
		violations = []sessions.Violation{}
	}
	writeJSON(w, http.StatusOK, violations)
}

func (s *Server) repair(w http.ResponseWriter, r *http.Request) {
	rep, err := s.eng.Sessions.RebuildChildren(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
