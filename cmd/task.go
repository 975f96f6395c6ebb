package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/output"
	"github.com/joescharf/lineage/internal/tasks"
)

var (
	taskStart     int
	taskEnd       int
	taskDesc      string
	taskSha       string
	taskGitPath   string
	taskDirty     bool
	taskMessage   string
	taskModel     string
	taskTools     int
	taskRunning   bool
	taskNoSnap    bool
	taskReportRef string
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"t"},
	Short:   "Record task checkpoints of a session",
}

var taskBeginCmd = &cobra.Command{
	Use:   "begin <session>",
	Short: "Open a task at the end of a session",
	Long: `Open a task covering the conversation from --start onward.

The commit at start is taken from --sha, or read from --git-from, or from
the session's worktree when neither is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskBeginRun(args[0])
	},
}

var taskRunningCmd = &cobra.Command{
	Use:   "running <task>",
	Short: "Mark a created task running",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskRunningRun(args[0])
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task>",
	Short: "Finish a running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskFinishRun(args[0], models.TaskStatusCompleted)
	},
}

var taskFailCmd = &cobra.Command{
	Use:   "fail <task>",
	Short: "Finish a running task as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskFinishRun(args[0], models.TaskStatusFailed)
	},
}

var taskReportCmd = &cobra.Command{
	Use:   "report <task>",
	Short: "Generate the report of a finished task",
	Long:  "Render a markdown and HTML report for a finished task, or attach an existing one with --ref.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskReportRun(args[0])
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list <session>",
	Aliases: []string{"ls"},
	Short:   "List the tasks of a session",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun(args[0])
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(args[0])
	},
}

func init() {
	taskBeginCmd.Flags().IntVar(&taskStart, "start", 0, "Index of the first message of the task")
	taskBeginCmd.Flags().StringVarP(&taskDesc, "description", "d", "", "The user prompt that opened the task")
	taskBeginCmd.Flags().StringVar(&taskModel, "model", "", "Model serving the task")
	taskBeginCmd.Flags().BoolVar(&taskRunning, "running", true, "Mark the task running right away")
	_ = taskBeginCmd.MarkFlagRequired("start")

	for _, c := range []*cobra.Command{taskBeginCmd, taskCompleteCmd, taskFailCmd} {
		c.Flags().StringVar(&taskSha, "sha", "", "Commit to record instead of reading the working directory")
		c.Flags().StringVar(&taskGitPath, "git-from", "", "Working directory to read the commit from")
		c.Flags().BoolVar(&taskNoSnap, "no-git", false, "Do not read git state")
	}
	for _, c := range []*cobra.Command{taskCompleteCmd, taskFailCmd} {
		c.Flags().BoolVar(&taskDirty, "dirty", false, "Working tree had uncommitted changes (with --sha)")
		c.Flags().IntVar(&taskTools, "tools", 0, "Tool calls made during the task")
	}
	taskCompleteCmd.Flags().IntVar(&taskEnd, "end", 0, "Index of the last message of the task")
	taskCompleteCmd.Flags().StringVarP(&taskMessage, "message", "m", "", "Commit message of the work")
	_ = taskCompleteCmd.MarkFlagRequired("end")

	taskReportCmd.Flags().StringVar(&taskReportRef, "ref", "", "Attach an existing report instead of generating one")

	taskCmd.AddCommand(taskBeginCmd)
	taskCmd.AddCommand(taskRunningCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskFailCmd)
	taskCmd.AddCommand(taskReportCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	rootCmd.AddCommand(taskCmd)
}

// taskGitState returns the commit and dirtiness to record for sessionID,
// honoring --sha, --git-from and --no-git. Without flags the session's
// worktree is read; sessions without a worktree record no commit.
func taskGitState(ctx context.Context, sessionID string) (gitops.State, error) {
	switch {
	case taskSha != "":
		return gitops.State{Sha: taskSha, Dirty: taskDirty}, nil
	case taskNoSnap:
		return gitops.State{Dirty: taskDirty}, nil
	case taskGitPath != "":
		return gitops.Snapshot(taskGitPath)
	}
	sess, err := eng.Sessions.Get(ctx, sessionID)
	if err != nil {
		return gitops.State{}, err
	}
	if sess.WorktreeID == "" {
		return gitops.State{Dirty: taskDirty}, nil
	}
	w, err := eng.Worktrees.Get(ctx, sess.WorktreeID)
	if err != nil {
		return gitops.State{}, err
	}
	ui.VerboseLog("Reading git state of %s", w.Path)
	return gitops.Snapshot(w.Path)
}

func taskBeginRun(sessionID string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	st, err := taskGitState(ctx, sessionID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would begin a task on %s at message %d (%s)", sessionID, taskStart, output.ShortID(st.Sha, 12))
		return nil
	}

	task, err := e.Tasks.Begin(ctx, tasks.BeginParams{
		SessionID:   sessionID,
		Description: taskDesc,
		StartIndex:  taskStart,
		ShaAtStart:  st.Sha,
		Model:       taskModel,
	})
	if err != nil {
		return err
	}
	if taskRunning {
		if task, err = e.Tasks.MarkRunning(ctx, task.ID); err != nil {
			return err
		}
	}
	return printResult(task, func() {
		ui.Success("Began task %s (#%d) at message %d", output.Cyan(task.ID), task.Position, task.Range.StartIndex)
		ui.VerboseLog("Status: %s, commit %s", task.Status, output.ShortID(task.Git.ShaAtStart, 12))
	})
}

func taskRunningRun(id string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would mark task %s running", id)
		return nil
	}
	task, err := e.Tasks.MarkRunning(context.Background(), id)
	if err != nil {
		return err
	}
	return printResult(task, func() {
		ui.Success("Task %s is %s", output.Cyan(task.ID), output.StatusColor(string(task.Status)))
	})
}

func taskFinishRun(id string, to models.TaskStatus) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := e.Tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	st, err := taskGitState(ctx, task.SessionID)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would mark task %s %s at %s", id, to, output.ShortID(st.Sha, 12))
		return nil
	}

	if to == models.TaskStatusCompleted {
		task, err = e.Tasks.Complete(ctx, tasks.CompleteParams{
			TaskID:        id,
			EndIndex:      taskEnd,
			ShaAtEnd:      st.Sha,
			Dirty:         st.Dirty,
			CommitMessage: taskMessage,
			ToolCalls:     taskTools,
		})
	} else {
		task, err = e.Tasks.Fail(ctx, tasks.FailParams{
			TaskID:    id,
			ShaAtEnd:  st.Sha,
			Dirty:     st.Dirty,
			ToolCalls: taskTools,
		})
	}
	if err != nil {
		return err
	}
	return printResult(task, func() {
		ui.Success("Task %s %s at %s%s", output.Cyan(task.ID), output.StatusColor(string(task.Status)),
			output.ShortID(task.Git.ShaAtEnd, 12), output.DirtyMark(task.Git.Dirty))
	})
}

func taskReportRun(id string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		ui.DryRunMsg("Would write the report of task %s to %s", id, reportDir())
		return nil
	}

	var ref string
	if taskReportRef != "" {
		if _, err := e.Tasks.AttachReport(ctx, id, taskReportRef); err != nil {
			return err
		}
		ref = taskReportRef
	} else {
		ref, err = reportGenerator(e).Generate(ctx, id)
		if err != nil {
			return err
		}
	}
	return printResult(map[string]string{"task_id": id, "report_ref": ref}, func() {
		ui.Success("Report for %s: %s", output.Cyan(id), ref)
	})
}

func taskListRun(sessionID string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	list, err := e.Tasks.List(context.Background(), sessionID)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(list)
	}
	if len(list) == 0 {
		ui.Info("No tasks recorded for %s.", sessionID)
		return nil
	}
	printTaskTable(list)
	return nil
}

func printTaskTable(list []*models.Task) {
	table := ui.Table([]string{"#", "ID", "Status", "Messages", "Tools", "Commits", "Description"})
	for _, t := range list {
		span := fmt.Sprintf("%d-", t.Range.StartIndex)
		if t.Range.EndIndex != nil {
			span += fmt.Sprintf("%d", *t.Range.EndIndex)
		}
		commits := output.ShortID(t.Git.ShaAtStart, 8)
		if t.Git.ShaAtEnd != "" {
			commits += " -> " + output.ShortID(t.Git.ShaAtEnd, 8) + output.DirtyMark(t.Git.Dirty)
		}
		_ = table.Append([]string{
			fmt.Sprintf("%d", t.Position),
			output.Cyan(output.ShortID(t.ID, 12)),
			output.StatusColor(string(t.Status)),
			span,
			fmt.Sprintf("%d", t.ToolCount),
			commits,
			truncate(t.Description, 50),
		})
	}
	_ = table.Render()
}

func taskShowRun(id string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	t, err := e.Tasks.Get(context.Background(), id)
	if err != nil {
		return err
	}
	return printResult(t, func() {
		fmt.Fprintf(ui.Out, "%s\n", output.Cyan(t.ID))
		fmt.Fprintf(ui.Out, "  Session:    %s (#%d)\n", t.SessionID, t.Position)
		fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(t.Status)))
		if t.Description != "" {
			fmt.Fprintf(ui.Out, "  Prompt:     %s\n", t.Description)
		}
		end := "open"
		if t.Range.EndIndex != nil {
			end = fmt.Sprintf("%d", *t.Range.EndIndex)
		}
		fmt.Fprintf(ui.Out, "  Messages:   %d-%s\n", t.Range.StartIndex, end)
		fmt.Fprintf(ui.Out, "  Started:    %s\n", timeAgo(t.Range.StartAt))
		if t.Range.EndAt != nil {
			fmt.Fprintf(ui.Out, "  Finished:   %s\n", timeAgo(*t.Range.EndAt))
		}
		fmt.Fprintf(ui.Out, "  Commits:    %s -> %s%s\n", output.ShortID(t.Git.ShaAtStart, 12), output.ShortID(t.Git.ShaAtEnd, 12), output.DirtyMark(t.Git.Dirty))
		if t.Git.CommitMessage != "" {
			fmt.Fprintf(ui.Out, "  Message:    %s\n", t.Git.CommitMessage)
		}
		if t.Model != "" {
			fmt.Fprintf(ui.Out, "  Model:      %s\n", t.Model)
		}
		fmt.Fprintf(ui.Out, "  Tool calls: %d\n", t.ToolCount)
		if t.ReportRef != "" {
			fmt.Fprintf(ui.Out, "  Report:     %s\n", t.ReportRef)
		}
	})
}
