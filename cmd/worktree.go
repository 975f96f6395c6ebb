package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/output"
	"github.com/joescharf/lineage/internal/worktrees"
)

var (
	wtRef          string
	wtNewBranch    bool
	wtSourceBranch string
	wtPullLatest   bool
	wtKeepFiles    bool
)

var worktreeCmd = &cobra.Command{
	Use:     "worktree",
	Aliases: []string{"wt"},
	Short:   "Manage git worktrees",
	Long:    "Create, bind and retire the git worktrees sessions run in.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeListRun("")
	},
}

var worktreeListCmd = &cobra.Command{
	Use:     "list [repo]",
	Aliases: []string{"ls"},
	Short:   "List worktrees",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var repoRef string
		if len(args) > 0 {
			repoRef = args[0]
		}
		return worktreeListRun(repoRef)
	},
}

var worktreeCreateCmd = &cobra.Command{
	Use:   "create <repo> <name>",
	Short: "Create a worktree for a repository",
	Long: `Create a worktree named <name>.

With --new-branch a branch is created (named --ref, or <name> by default)
from --source (the default branch by default). Otherwise --ref is checked
out, defaulting to the repository's default branch.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeCreateRun(args[0], args[1])
	},
}

var worktreeAttachCmd = &cobra.Command{
	Use:   "attach <worktree> <session>",
	Short: "Bind a session to a worktree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeAttachRun(args[0], args[1])
	},
}

var worktreeDetachCmd = &cobra.Command{
	Use:   "detach <worktree> <session>",
	Short: "Unbind a session from a worktree",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeDetachRun(args[0], args[1])
	},
}

var worktreeRemoveCmd = &cobra.Command{
	Use:     "rm <worktree>",
	Aliases: []string{"remove"},
	Short:   "Delete a worktree no session is bound to",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return worktreeRemoveRun(args[0])
	},
}

func init() {
	worktreeCreateCmd.Flags().StringVar(&wtRef, "ref", "", "Branch to check out or create")
	worktreeCreateCmd.Flags().BoolVarP(&wtNewBranch, "new-branch", "b", false, "Create a new branch")
	worktreeCreateCmd.Flags().StringVar(&wtSourceBranch, "source", "", "Base of the new branch (default: repository default branch)")
	worktreeCreateCmd.Flags().BoolVar(&wtPullLatest, "pull", false, "Fetch the source branch from origin first")
	worktreeRemoveCmd.Flags().BoolVar(&wtKeepFiles, "keep-files", false, "Delete the record but leave the directory on disk")

	worktreeCmd.AddCommand(worktreeListCmd)
	worktreeCmd.AddCommand(worktreeCreateCmd)
	worktreeCmd.AddCommand(worktreeAttachCmd)
	worktreeCmd.AddCommand(worktreeDetachCmd)
	worktreeCmd.AddCommand(worktreeRemoveCmd)
	rootCmd.AddCommand(worktreeCmd)
}

// resolveWorktree finds a worktree by id or by "<repo>/<name>".
func resolveWorktree(ctx context.Context, ref string) (*models.Worktree, error) {
	e, err := getEngine()
	if err != nil {
		return nil, err
	}
	w, err := e.Worktrees.Get(ctx, ref)
	if err == nil {
		return w, nil
	}
	repoRef, name, ok := strings.Cut(ref, "/")
	if !ok {
		return nil, err
	}
	repo, rerr := e.Repos.Resolve(ctx, repoRef)
	if rerr != nil {
		return nil, err
	}
	return e.Worktrees.GetByName(ctx, repo.ID, name)
}

func worktreeListRun(repoRef string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	var repoID string
	if repoRef != "" {
		repo, err := e.Repos.Resolve(ctx, repoRef)
		if err != nil {
			return err
		}
		repoID = repo.ID
	}

	list, err := e.Worktrees.List(ctx, repoID)
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(list)
	}

	if len(list) == 0 {
		ui.Info("No worktrees found.")
		return nil
	}

	slugs := map[string]string{}
	table := ui.Table([]string{"Repo", "Name", "ID", "Ref", "Sessions", "Path"})
	for _, w := range list {
		slug, ok := slugs[w.RepositoryID]
		if !ok {
			slug = w.RepositoryID
			if repo, err := e.Repos.Get(ctx, w.RepositoryID); err == nil {
				slug = repo.Slug
			}
			slugs[w.RepositoryID] = slug
		}
		_ = table.Append([]string{
			output.Cyan(slug),
			w.Name,
			output.ShortID(w.ID, 12),
			w.Ref,
			fmt.Sprintf("%d", len(w.SessionIDs)),
			w.Path,
		})
	}
	_ = table.Render()
	return nil
}

func worktreeCreateRun(repoRef, name string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := e.Repos.Resolve(ctx, repoRef)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would create worktree %s at %s", name, e.Worktrees.CanonicalPath(repo, name))
		return nil
	}

	ui.VerboseLog("Creating worktree %s for %s", name, repo.Slug)
	w, err := e.Worktrees.Create(ctx, worktrees.CreateParams{
		RepositoryID: repo.ID,
		Name:         name,
		Ref:          wtRef,
		CreateBranch: wtNewBranch,
		SourceBranch: wtSourceBranch,
		PullLatest:   wtPullLatest,
	})
	if err != nil {
		return err
	}
	return printResult(w, func() {
		ui.Success("Created worktree %s on %s: %s", output.Cyan(w.Name), w.Ref, w.Path)
		ui.Info("ID: %s", w.ID)
	})
}

func worktreeAttachRun(ref, sessionID string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	w, err := resolveWorktree(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would attach session %s to worktree %s", sessionID, w.Name)
		return nil
	}
	w, err = e.Worktrees.Attach(ctx, w.ID, sessionID)
	if err != nil {
		return err
	}
	return printResult(w, func() {
		ui.Success("Attached session %s to %s", output.ShortID(sessionID, 12), output.Cyan(w.Name))
	})
}

func worktreeDetachRun(ref, sessionID string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	w, err := resolveWorktree(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would detach session %s from worktree %s", sessionID, w.Name)
		return nil
	}
	if err := e.Worktrees.Detach(ctx, w.ID, sessionID); err != nil {
		return err
	}
	ui.Success("Detached session %s from %s", output.ShortID(sessionID, 12), output.Cyan(w.Name))
	return nil
}

func worktreeRemoveRun(ref string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	w, err := resolveWorktree(ctx, ref)
	if err != nil {
		return err
	}
	if dryRun {
		ui.DryRunMsg("Would remove worktree %s (%s)", w.Name, w.Path)
		return nil
	}
	if err := e.Worktrees.Delete(ctx, w.ID, !wtKeepFiles); err != nil {
		return err
	}
	ui.Success("Removed worktree %s", output.Cyan(w.Name))
	if wtKeepFiles {
		ui.Info("Files left at %s", w.Path)
	}
	return nil
}
