package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/output"
	"github.com/joescharf/lineage/internal/repos"
)

var repoSlug string

var repoCmd = &cobra.Command{
	Use:     "repo",
	Aliases: []string{"repository"},
	Short:   "Manage registered repositories",
	Long:    "Register local or remote git repositories that sessions and worktrees work against.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoListRun()
	},
}

var repoAddCmd = &cobra.Command{
	Use:   "add <path|url>",
	Short: "Register a local repository or clone a remote one",
	Long: `Register a repository.

A local path is registered in place. A remote URL is cloned into repos_dir
first. The slug defaults to the repository's directory name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoAddRun(args[0])
	},
}

var repoListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered repositories",
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoListRun()
	},
}

var repoShowCmd = &cobra.Command{
	Use:   "show <repo>",
	Short: "Show a repository and its worktrees",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoShowRun(args[0])
	},
}

var repoRefreshCmd = &cobra.Command{
	Use:   "refresh <repo>",
	Short: "Re-read the default branch from git",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoRefreshRun(args[0])
	},
}

var repoRemoveCmd = &cobra.Command{
	Use:     "rm <repo>",
	Aliases: []string{"remove"},
	Short:   "Unregister a repository with no worktrees",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return repoRemoveRun(args[0])
	},
}

func init() {
	repoAddCmd.Flags().StringVar(&repoSlug, "slug", "", "Slug to register the repository under")

	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoShowCmd)
	repoCmd.AddCommand(repoRefreshCmd)
	repoCmd.AddCommand(repoRemoveCmd)
	rootCmd.AddCommand(repoCmd)
}

// isRemote reports whether ref looks like a clone URL rather than a path.
func isRemote(ref string) bool {
	if strings.Contains(ref, "://") {
		return true
	}
	// scp-like syntax: git@host:org/repo.git
	if i := strings.Index(ref, ":"); i > 0 && strings.Contains(ref[:i], "@") {
		return true
	}
	return false
}

func repoAddRun(ref string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}

	params := repos.RegisterParams{Slug: repoSlug}
	if isRemote(ref) {
		params.RemoteURL = ref
	} else {
		abs, err := filepath.Abs(ref)
		if err != nil {
			return fmt.Errorf("resolve path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("path not found: %s", abs)
		}
		params.LocalPath = abs
	}

	if dryRun {
		ui.DryRunMsg("Would register repository: %s", ref)
		return nil
	}

	repo, err := e.Repos.Register(context.Background(), params)
	if err != nil {
		return err
	}
	return printResult(repo, func() {
		ui.Success("Registered repository: %s (%s, default branch %s)", output.Cyan(repo.Slug), repo.LocalPath, repo.DefaultBranch)
	})
}

func repoListRun() error {
	e, err := getEngine()
	if err != nil {
		return err
	}

	list, err := e.Repos.List(context.Background())
	if err != nil {
		return err
	}
	if jsonOut {
		return ui.JSON(list)
	}

	if len(list) == 0 {
		ui.Info("No repositories registered. Use 'lineage repo add <path>' to get started.")
		return nil
	}

	table := ui.Table([]string{"Slug", "ID", "Branch", "Path"})
	for _, r := range list {
		_ = table.Append([]string{
			output.Cyan(r.Slug),
			output.ShortID(r.ID, 12),
			r.DefaultBranch,
			r.LocalPath,
		})
	}
	_ = table.Render()
	return nil
}

func repoShowRun(ref string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := e.Repos.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	wts, err := e.Worktrees.List(ctx, repo.ID)
	if err != nil {
		return err
	}

	return printResult(struct {
		*models.Repository
		Worktrees []*models.Worktree `json:"worktrees"`
	}{repo, wts}, func() {
		fmt.Fprintf(ui.Out, "%s\n", output.Cyan(repo.Slug))
		fmt.Fprintf(ui.Out, "  ID:         %s\n", repo.ID)
		fmt.Fprintf(ui.Out, "  Path:       %s\n", repo.LocalPath)
		if repo.RemoteURL != "" {
			fmt.Fprintf(ui.Out, "  Remote:     %s\n", repo.RemoteURL)
		}
		fmt.Fprintf(ui.Out, "  Branch:     %s\n", repo.DefaultBranch)
		fmt.Fprintf(ui.Out, "  Added:      %s\n", timeAgo(repo.CreatedAt))
		fmt.Fprintf(ui.Out, "  Worktrees:  %d\n", len(wts))
		for _, w := range wts {
			fmt.Fprintf(ui.Out, "              %s  %s  (%d session(s))\n", w.Name, w.Path, len(w.SessionIDs))
		}
	})
}

func repoRefreshRun(ref string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := e.Repos.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	before := repo.DefaultBranch

	if dryRun {
		ui.DryRunMsg("Would refresh default branch of %s", repo.Slug)
		return nil
	}

	repo, err = e.Repos.RefreshDefaultBranch(ctx, repo.ID)
	if err != nil {
		return err
	}
	return printResult(repo, func() {
		if repo.DefaultBranch != before {
			ui.Success("Default branch of %s: %s -> %s", output.Cyan(repo.Slug), before, repo.DefaultBranch)
		} else {
			ui.Info("No changes for repository: %s", repo.Slug)
		}
	})
}

func repoRemoveRun(ref string) error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	repo, err := e.Repos.Resolve(ctx, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would remove repository: %s", repo.Slug)
		return nil
	}

	if err := e.Repos.Delete(ctx, repo.ID); err != nil {
		return err
	}
	ui.Success("Removed repository: %s", output.Cyan(repo.Slug))
	return nil
}
