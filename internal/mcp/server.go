package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/joescharf/lineage/internal/engine"
	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/sessions"
	"github.com/joescharf/lineage/internal/store"
	"github.com/joescharf/lineage/internal/tasks"
)

// Server exposes the session and task engine as MCP tools.
type Server struct {
	eng     *engine.Engine
	version string
}

// NewServer creates the MCP server wrapper.
func NewServer(eng *engine.Engine, version string) *Server {
	if version == "" {
		version = "dev"
	}
	return &Server{eng: eng, version: version}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("lineage", s.version, server.WithToolCapabilities(true))

	srv.AddTool(s.listSessionsTool())
	srv.AddTool(s.forkSessionTool())
	srv.AddTool(s.spawnSessionTool())
	srv.AddTool(s.sessionAncestorsTool())
	srv.AddTool(s.beginTaskTool())
	srv.AddTool(s.completeTaskTool())
	srv.AddTool(s.failTaskTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// lineage_list_sessions
func (s *Server) listSessionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("lineage_list_sessions",
		mcp.WithDescription("List agent sessions, newest first. Returns a JSON array with id, agent, status, worktree, ancestor, task count and git position."),
		mcp.WithString("repository", mcp.Description("Filter by repository id or slug")),
		mcp.WithString("worktree_id", mcp.Description("Filter by worktree id")),
		mcp.WithString("status", mcp.Description("Filter by status: idle, running, completed, failed")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of sessions to return")),
	)
	return tool, s.handleListSessions
}

type sessionOut struct {
	ID            string          `json:"id"`
	Agent         string          `json:"agent"`
	Title         string          `json:"title,omitempty"`
	Status        string          `json:"status"`
	RepositoryID  string          `json:"repository_id,omitempty"`
	WorktreeID    string          `json:"worktree_id,omitempty"`
	AncestorID    string          `json:"ancestor_id,omitempty"`
	PointTaskID   string          `json:"point_task_id,omitempty"`
	Tasks         int             `json:"tasks"`
	MessageCount  int             `json:"message_count"`
	Git           models.GitState `json:"git"`
	ChildSessions []string        `json:"child_session_ids,omitempty"`
}

func toSessionOut(sess *models.Session) sessionOut {
	return sessionOut{
		ID:            sess.ID,
		Agent:         sess.Agent,
		Title:         sess.Title,
		Status:        string(sess.Status),
		RepositoryID:  sess.RepositoryID,
		WorktreeID:    sess.WorktreeID,
		AncestorID:    sess.Genealogy.AncestorID(),
		PointTaskID:   sess.Genealogy.PointTaskID(),
		Tasks:         sess.TaskCount(),
		MessageCount:  sess.MessageCount,
		Git:           sess.Git,
		ChildSessions: sess.Genealogy.ChildSessionIDs,
	}
}

func (s *Server) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.SessionFilter{
		WorktreeID: request.GetString("worktree_id", ""),
		Status:     models.SessionStatus(request.GetString("status", "")),
		Limit:      request.GetInt("limit", 0),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status: %s (must be idle, running, completed, or failed)", filter.Status)), nil
	}
	if ref := request.GetString("repository", ""); ref != "" {
		repo, err := s.eng.Repos.Resolve(ctx, ref)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		filter.RepositoryID = repo.ID
	}

	list, err := s.eng.Sessions.List(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list sessions: %v", err)), nil
	}
	out := make([]sessionOut, len(list))
	for i, sess := range list {
		out[i] = toSessionOut(sess)
	}
	return jsonResult(out)
}

// lineage_fork_session
func (s *Server) forkSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("lineage_fork_session",
		mcp.WithDescription("Fork a session at one of its finished tasks. The fork keeps the conversation history up to the end of that task and starts from the task's end commit."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to fork")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Finished task of the session to fork at")),
		mcp.WithString("worktree_id", mcp.Description("Worktree to bind the fork to")),
		mcp.WithString("title", mcp.Description("Title of the new session")),
	)
	return tool, s.handleForkSession
}

func (s *Server) handleForkSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	sess, err := s.eng.Sessions.Fork(ctx, sessionID, taskID, deriveParams(request))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(toSessionOut(sess))
}

// lineage_spawn_session
func (s *Server) spawnSessionTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("lineage_spawn_session",
		mcp.WithDescription("Spawn a child session with a fresh context from one of a session's finished tasks. The child starts from the task's end commit."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Parent session")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Finished task of the parent to spawn from")),
		mcp.WithString("agent", mcp.Required(), mcp.Description("Agent that runs the child session")),
		mcp.WithString("worktree_id", mcp.Description("Worktree to bind the child to")),
		mcp.WithString("title", mcp.Description("Title of the new session")),
	)
	return tool, s.handleSpawnSession
}

func (s *Server) handleSpawnSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	agent, err := request.RequireString("agent")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: agent"), nil
	}

	sess, err := s.eng.Sessions.Spawn(ctx, sessionID, taskID, agent, deriveParams(request))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(toSessionOut(sess))
}

func deriveParams(request mcp.CallToolRequest) sessions.DeriveParams {
	return sessions.DeriveParams{
		WorktreeID: request.GetString("worktree_id", ""),
		Title:      request.GetString("title", ""),
	}
}

// lineage_session_ancestors
func (s *Server) sessionAncestorsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("lineage_session_ancestors",
		mcp.WithDescription("Return the chain of sessions a session descends from, root first. Broken links are reported under orphaned."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session to trace")),
	)
	return tool, s.handleSessionAncestors
}

func (s *Server) handleSessionAncestors(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}

	lin, err := s.eng.Sessions.Ancestors(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ancestors := make([]sessionOut, len(lin.Sessions))
	for i, anc := range lin.Sessions {
		ancestors[i] = toSessionOut(anc)
	}
	result := map[string]any{
		"session_id": sessionID,
		"ancestors":  ancestors,
	}
	if len(lin.Orphaned) > 0 {
		orphaned := make([]string, len(lin.Orphaned))
		for i, o := range lin.Orphaned {
			orphaned[i] = o.Error()
		}
		result["orphaned"] = orphaned
	}
	return jsonResult(result)
}

// lineage_begin_task
func (s *Server) beginTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("lineage_begin_task",
		mcp.WithDescription("Start a task in a session at the given message index. Pass path to record the HEAD of that working directory as the starting commit."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session the task belongs to")),
		mcp.WithNumber("start_index", mcp.Required(), mcp.Description("Index of the first message of the task")),
		mcp.WithString("description", mcp.Description("What the task is about")),
		mcp.WithString("sha_at_start", mcp.Description("Commit the task starts from")),
		mcp.WithString("path", mcp.Description("Working directory to read the starting commit from")),
		mcp.WithString("model", mcp.Description("Model running the task")),
		mcp.WithBoolean("running", mcp.Description("Mark the task running immediately (default true)")),
	)
	return tool, s.handleBeginTask
}

func (s *Server) handleBeginTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	start, err := request.RequireInt("start_index")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: start_index"), nil
	}

	sha := request.GetString("sha_at_start", "")
	if path := request.GetString("path", ""); path != "" && sha == "" {
		st, err := gitops.Snapshot(path)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		sha = st.Sha
	}

	task, err := s.eng.Tasks.Begin(ctx, tasks.BeginParams{
		SessionID:   sessionID,
		Description: request.GetString("description", ""),
		StartIndex:  start,
		ShaAtStart:  sha,
		Model:       request.GetString("model", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if request.GetBool("running", true) {
		task, err = s.eng.Tasks.MarkRunning(ctx, task.ID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	return jsonResult(task)
}

// lineage_complete_task
func (s *Server) completeTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("lineage_complete_task",
		mcp.WithDescription("Complete a running task at the given message index. Pass path to record the HEAD and cleanliness of that working directory as the ending state."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to complete")),
		mcp.WithNumber("end_index", mcp.Required(), mcp.Description("Index of the last message of the task")),
		mcp.WithString("sha_at_end", mcp.Description("Commit the task ended at")),
		mcp.WithBoolean("dirty", mcp.Description("Whether the working tree had uncommitted changes")),
		mcp.WithString("path", mcp.Description("Working directory to read the ending commit from")),
		mcp.WithString("commit_message", mcp.Description("Message of the commit the task produced")),
		mcp.WithNumber("tool_calls", mcp.Description("Number of tool calls the task made")),
	)
	return tool, s.handleCompleteTask
}

func (s *Server) handleCompleteTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	end, err := request.RequireInt("end_index")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: end_index"), nil
	}
	sha, dirty, err := endState(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	task, err := s.eng.Tasks.Complete(ctx, tasks.CompleteParams{
		TaskID:        taskID,
		EndIndex:      end,
		ShaAtEnd:      sha,
		Dirty:         dirty,
		CommitMessage: request.GetString("commit_message", ""),
		ToolCalls:     request.GetInt("tool_calls", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(task)
}

// lineage_fail_task
func (s *Server) failTaskTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("lineage_fail_task",
		mcp.WithDescription("Mark a running task failed. The task keeps its start index and no end index is recorded."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Task to fail")),
		mcp.WithString("sha_at_end", mcp.Description("Commit the working tree was at when the task failed")),
		mcp.WithBoolean("dirty", mcp.Description("Whether the working tree had uncommitted changes")),
		mcp.WithString("path", mcp.Description("Working directory to read the ending commit from")),
		mcp.WithNumber("tool_calls", mcp.Description("Number of tool calls the task made")),
	)
	return tool, s.handleFailTask
}

func (s *Server) handleFailTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	sha, dirty, err := endState(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	task, err := s.eng.Tasks.Fail(ctx, tasks.FailParams{
		TaskID:    taskID,
		ShaAtEnd:  sha,
		Dirty:     dirty,
		ToolCalls: request.GetInt("tool_calls", 0),
	})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(task)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// endState returns the explicit end commit and dirty flag, or reads them from
// the working directory given as path.
func endState(request mcp.CallToolRequest) (string, bool, error) {
	sha := request.GetString("sha_at_end", "")
	dirty := request.GetBool("dirty", false)
	path := request.GetString("path", "")
	if path == "" || sha != "" {
		return sha, dirty, nil
	}
	st, err := gitops.Snapshot(path)
	if err != nil {
		return "", false, err
	}
	return st.Sha, st.Dirty, nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
