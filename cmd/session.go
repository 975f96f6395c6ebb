package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/output"
	"github.com/joescharf/lineage/internal/sessions"
	"github.com/joescharf/lineage/internal/store"
)

var (
	sessAgent    string
	sessRepo     string
	sessWorktree string
	sessTitle    string
	sessConcepts []string
	sessGitPath  string
	sessRef      string
	sessBase     string
	sessStatus   string
	sessLimit    int
	sessFailed   bool
	sessTreeYAML bool
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	Aliases: []string{"s"},
	Short:   "Manage agent sessions and their genealogy",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a root session",
	Long: `Start a session with no ancestor.

The git position comes from --ref/--base, or is read from the working
directory given with --git-from (or from the bound worktree).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionNewRun()
	},
}

var sessionForkCmd = &cobra.Command{
	Use:   "fork <session> <task>",
	Short: "Fork a session at one of its finished tasks",
	Long:  "The fork keeps the conversation up to the end of <task> and starts from the task's end commit.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionForkRun(args[0], args[1])
	},
}

var sessionSpawnCmd = &cobra.Command{
	Use:   "spawn <session> <task>",
	Short: "Spawn a fresh-context child session from a finished task",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionSpawnRun(args[0], args[1])
	},
}

var sessionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun()
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <session>",
	Short: "Show a session and its tasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionShowRun(args[0])
	},
}

var sessionAncestorsCmd = &cobra.Command{
	Use:   "ancestors <session>",
	Short: "Show the chain of sessions a session descends from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionLineageRun(args[0], true)
	},
}

var sessionDescendantsCmd = &cobra.Command{
	Use:   "descendants <session>",
	Short: "Show every session descending from a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionLineageRun(args[0], false)
	},
}

var sessionTreeCmd = &cobra.Command{
	Use:   "tree [session]",
	Short: "Print the genealogy forest, or the subtree below a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var root string
		if len(args) > 0 {
			root = args[0]
		}
		return sessionTreeRun(root)
	},
}

var sessionRemoveCmd = &cobra.Command{
	Use:     "rm <session>",
	Aliases: []string{"remove"},
	Short:   "Delete a session no other session descends from",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRemoveRun(args[0])
	},
}

var sessionCloseCmd = &cobra.Command{
	Use:   "close <session>",
	Short: "Mark a session completed (or failed with --failed)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := models.SessionStatusCompleted
		if sessFailed {
			status = models.SessionStatusFailed
		}
		return sessionCloseRun(args[0], status)
	},
}

var sessionRepairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Rebuild cached child lists from ancestor pointers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionRepairRun()
	},
}

func init() {
	sessionNewCmd.Flags().StringVar(&sessAgent, "agent", "", "Agent running the session (required)")
	sessionNewCmd.Flags().StringVar(&sessRepo, "repo", "", "Repository the session works on")
	sessionNewCmd.Flags().StringVar(&sessTitle, "title", "", "Session title")
	sessionNewCmd.Flags().StringSliceVar(&sessConcepts, "concept", nil, "Context reference (repeatable)")
	sessionNewCmd.Flags().StringVar(&sessGitPath, "git-from", "", "Working directory to read the git position from")
	sessionNewCmd.Flags().StringVar(&sessRef, "ref", "", "Branch the session works on")
	sessionNewCmd.Flags().StringVar(&sessBase, "base", "", "Commit the session starts from")
	_ = sessionNewCmd.MarkFlagRequired("agent")

	for _, c := range []*cobra.Command{sessionNewCmd, sessionForkCmd, sessionSpawnCmd} {
		c.Flags().StringVar(&sessWorktree, "worktree", "", "Worktree to bind the session to (id or repo/name)")
	}
	sessionForkCmd.Flags().StringVar(&sessTitle, "title", "", "Session title")
	sessionSpawnCmd.Flags().StringVar(&sessTitle, "title", "", "Session title")
	sessionSpawnCmd.Flags().StringVar(&sessAgent, "agent", "", "Agent running the child session (required)")
	_ = sessionSpawnCmd.MarkFlagRequired("agent")

	sessionListCmd.Flags().StringVar(&sessRepo, "repo", "", "Filter by repository")
	sessionListCmd.Flags().StringVar(&sessWorktree, "worktree", "", "Filter by worktree")
	sessionListCmd.Flags().StringVar(&sessStatus, "status", "", "Filter by status (idle, running, completed, failed)")
	sessionListCmd.Flags().IntVar(&sessLimit, "limit", 0, "Maximum number of sessions")

	sessionCloseCmd.Flags().BoolVar(&sessFailed, "failed", false, "Mark the session failed instead of completed")
	sessionTreeCmd.Flags().BoolVar(&sessTreeYAML, "yaml", false, "Print the tree as YAML")

	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionForkCmd)
	sessionCmd.AddCommand(sessionSpawnCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionAncestorsCmd)
	sessionCmd.AddCommand(sessionDescendantsCmd)
	sessionCmd.AddCommand(sessionTreeCmd)
	sessionCmd.AddCommand(sessionRemoveCmd)
	sessionCmd.AddCommand(sessionCloseCmd)
	sessionCmd.AddCommand(sessionRepairCmd)
	rootCmd.AddCommand(sessionCmd)
}

// worktreeID resolves the --worktree flag, which may be empty.
func worktreeID(ctx context.Context) (*models.Worktree, error) {
	if sessWorktree == "" {
		return nil, nil
	}
	return resolveWorktree(ctx, sessWorktree)
}

func sessionNewRun() error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	params := sessions.CreateParams{
		Agent:    sessAgent,
		Title:    sessTitle,
		Concepts: sessConcepts,
		Git:      models.GitState{Ref: sessRef, BaseCommit: sessBase, CurrentCommit: sessBase},
	}
	if sessRepo != "" {
		repo, err := e.Repos.Resolve(ctx, sessRepo)
		if err != nil {
			return err
		}
		params.RepositoryID = repo.ID
	}
	w, err := worktreeID(ctx)
	if err != nil {
		return err
	}
	gitPath := sessGitPath
	if w != nil {
		params.WorktreeID = w.ID
		if gitPath == "" && sessBase == "" {
			gitPath = w.Path
		}
	}
	if gitPath != "" {
		st, err := gitops.Snapshot(gitPath)
		if err != nil {
			return err
		}
		params.Git = models.GitState{Ref: st.Ref, BaseCommit: st.Sha, CurrentCommit: st.Sha, Dirty: st.Dirty}
		if sessRef != "" {
			params.Git.Ref = sessRef
		}
	}

	if dryRun {
		ui.DryRunMsg("Would start a %s session at %s", params.Agent, output.ShortID(params.Git.BaseCommit, 12))
		return nil
	}

	sess, err := e.Sessions.Create(ctx, params)
	if err != nil {
		return err
	}
	return printResult(sess, func() {
		ui.Success("Started session %s (%s)", output.Cyan(sess.ID), sess.Agent)
		if sess.WorktreeID != "" && w != nil {
			ui.Info("Bound to worktree %s: %s", w.Name, w.Path)
		}
	})
}

func sessionForkRun(sessionID, taskID string) error {
	return deriveRun(sessionID, taskID, func(ctx context.Context, p sessions.DeriveParams) (*models.Session, error) {
		return eng.Sessions.Fork(ctx, sessionID, taskID, p)
	}, "Forked")
}

func sessionSpawnRun(sessionID, taskID string) error {
	return deriveRun(sessionID, taskID, func(ctx context.Context, p sessions.DeriveParams) (*models.Session, error) {
		return eng.Sessions.Spawn(ctx, sessionID, taskID, sessAgent, p)
	}, "Spawned")
}

func deriveRun(sessionID, taskID string, derive func(context.Context, sessions.DeriveParams) (*models.Session, error), verb string) error {
	if _, err := getEngine(); err != nil {
		return err
	}
	ctx := context.Background()

	params := sessions.DeriveParams{Title: sessTitle}
	w, err := worktreeID(ctx)
	if err != nil {
		return err
	}
	if w != nil {
		params.WorktreeID = w.ID
	}

	if dryRun {
		ui.DryRunMsg("Would derive a session from %s at task %s", sessionID, taskID)
		return nil
	}

	child, err := derive(ctx, params)
	if err != nil {
		return err
	}
	return printResult(child, func() {
		ui.Success("%s session %s from %s at task %s", verb, output.Cyan(child.ID), output.ShortID(sessionID, 12), output.ShortID(taskID, 12))
		ui.Info("Starts at %s (%d messages)", output.ShortID(child.Git.BaseCommit, 12), child.MessageCount)
	})
}

func sessionListRun() error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.SessionFilter{Status: models.SessionStatus(sessStatus), Limit: sessLimit}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("invalid status: %s (must be idle, running, completed, or failed)", sessStatus)
	}
	if sessRepo != "" {
		repo, err := e.Repos.Resolve(ctx, sessRepo)
		if err != nil {
			return err
		}
		filter.RepositoryID = repo.ID
	}
	if w, err := worktreeID(ctx); err != nil {
		return err
	} else if w != nil {
		filter.WorktreeID = w.ID
	}

	list, err := e.Sessions.List(ctx, filter)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(list)
	}

	if len(list) == 0 {
		ui.Info("No sessions found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Agent", "Status", "Tasks", "Msgs", "From", "Commit", "Title"})
	for _, s := range list {
		_ = table.Append([]string{
			output.Cyan(output.ShortID(s.ID, 12)),
			s.Agent,
			output.StatusColor(string(s.Status)),
			fmt.Sprintf("%d", s.TaskCount()),
			fmt.Sprintf("%d", s.MessageCount),
			originLabel(s),
			output.ShortID(s.Git.CurrentCommit, 8) + output.DirtyMark(s.Git.Dirty),
			s.Title,
		})
	}
	_ = table.Render()
	return nil
}

// originLabel describes the single incoming genealogy edge of s.
func originLabel(s *models.Session) string {
	switch {
	case s.Genealogy.ForkedFromSessionID != "":
		return "fork of " + output.ShortID(s.Genealogy.ForkedFromSessionID, 12)
	case s.Genealogy.ParentSessionID != "":
		return "spawn of " + output.ShortID(s.Genealogy.ParentSessionID, 12)
	}
	return "-"
}

func sessionShowRun(id string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	s, err := e.Sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := e.Tasks.List(ctx, s.ID)
	if err != nil {
		return err
	}

	return printResult(struct {
		*models.Session
		Tasks []*models.Task `json:"tasks"`
	}{s, tasks}, func() {
		fmt.Fprintf(ui.Out, "%s\n", output.Cyan(s.ID))
		if s.Title != "" {
			fmt.Fprintf(ui.Out, "  Title:      %s\n", s.Title)
		}
		fmt.Fprintf(ui.Out, "  Agent:      %s\n", s.Agent)
		fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(s.Status)))
		fmt.Fprintf(ui.Out, "  Origin:     %s\n", originLabel(s))
		if p := s.Genealogy.PointTaskID(); p != "" {
			fmt.Fprintf(ui.Out, "  At task:    %s\n", p)
		}
		if len(s.Genealogy.ChildSessionIDs) > 0 {
			fmt.Fprintf(ui.Out, "  Children:   %s\n", strings.Join(s.Genealogy.ChildSessionIDs, ", "))
		}
		if s.WorktreeID != "" {
			fmt.Fprintf(ui.Out, "  Worktree:   %s\n", s.WorktreeID)
		}
		if s.Git.Ref != "" {
			fmt.Fprintf(ui.Out, "  Branch:     %s\n", s.Git.Ref)
		}
		fmt.Fprintf(ui.Out, "  Commits:    %s -> %s%s\n", output.ShortID(s.Git.BaseCommit, 12), output.ShortID(s.Git.CurrentCommit, 12), output.DirtyMark(s.Git.Dirty))
		fmt.Fprintf(ui.Out, "  Messages:   %d (%d tool calls)\n", s.MessageCount, s.ToolCount)
		if len(s.Concepts) > 0 {
			fmt.Fprintf(ui.Out, "  Concepts:   %s\n", strings.Join(s.Concepts, ", "))
		}
		fmt.Fprintf(ui.Out, "  Activity:   %s\n", timeAgo(s.UpdatedAt))

		if len(tasks) == 0 {
			return
		}
		fmt.Fprintln(ui.Out)
		printTaskTable(tasks)
	})
}

func sessionLineageRun(id string, ancestors bool) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var lin *sessions.Lineage
	if ancestors {
		lin, err = e.Sessions.Ancestors(ctx, id)
	} else {
		lin, err = e.Sessions.Descendants(ctx, id)
	}
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(lin)
	}

	for _, o := range lin.Orphaned {
		ui.Warning("%v", o)
	}
	if len(lin.Sessions) == 0 {
		if ancestors {
			ui.Info("%s is a root session.", id)
		} else {
			ui.Info("No sessions descend from %s.", id)
		}
		return nil
	}

	table := ui.Table([]string{"ID", "Agent", "Status", "From", "At task"})
	for _, s := range lin.Sessions {
		_ = table.Append([]string{
			output.Cyan(output.ShortID(s.ID, 12)),
			s.Agent,
			output.StatusColor(string(s.Status)),
			originLabel(s),
			output.ShortID(s.Genealogy.PointTaskID(), 12),
		})
	}
	_ = table.Render()
	return nil
}

func sessionRemoveRun(id string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would delete session %s and its tasks", id)
		return nil
	}
	if err := e.Sessions.Delete(context.Background(), id); err != nil {
		return err
	}
	ui.Success("Deleted session %s", output.Cyan(id))
	return nil
}

func sessionCloseRun(id string, status models.SessionStatus) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would mark session %s %s", id, status)
		return nil
	}
	s, err := e.Sessions.SetStatus(context.Background(), id, status)
	if err != nil {
		return err
	}
	return printResult(s, func() {
		ui.Success("Session %s is %s", output.Cyan(s.ID), output.StatusColor(string(s.Status)))
	})
}

func sessionRepairRun() error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would rebuild child lists of every session")
		return nil
	}
	rep, err := e.Sessions.RebuildChildren(context.Background())
	if err != nil {
		return err
	}
	return printResult(rep, func() {
		if len(rep.Repaired) == 0 {
			ui.Success("Checked %d session(s); child lists are consistent", rep.Checked)
			return
		}
		ui.Warning("Rebuilt child lists of %d of %d session(s)", len(rep.Repaired), rep.Checked)
		for _, id := range rep.Repaired {
			ui.VerboseLog("%s", id)
		}
	})
}

// sessionTreeRun prints the genealogy forest, or the subtree rooted at root.
func sessionTreeRun(root string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var list []*models.Session
	if root != "" {
		top, err := e.Sessions.Get(ctx, root)
		if err != nil {
			return err
		}
		lin, err := e.Sessions.Descendants(ctx, root)
		if err != nil {
			return err
		}
		list = append([]*models.Session{top}, lin.Sessions...)
	} else {
		list, err = e.Sessions.List(ctx, store.SessionFilter{RepositoryID: resolvedRepoFilter(ctx)})
		if err != nil {
			return err
		}
	}

	forest := buildTree(list, root)
	switch {
	case jsonOut:
		return ui.JSON(forest)
	case sessTreeYAML:
		return writeTreeYAML(ui.Out, forest)
	}
	if len(forest) == 0 {
		ui.Info("No sessions found.")
		return nil
	}
	renderTree(ui.Out, forest)
	return nil
}

// resolvedRepoFilter returns the repository id of --repo, or "".
func resolvedRepoFilter(ctx context.Context) string {
	if sessRepo == "" {
		return ""
	}
	repo, err := eng.Repos.Resolve(ctx, sessRepo)
	if err != nil {
		return sessRepo
	}
	return repo.ID
}
