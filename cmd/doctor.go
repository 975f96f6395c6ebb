package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/joescharf/lineage/internal/engine"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/output"
	"github.com/joescharf/lineage/internal/sessions"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check stored state against its invariants and against git",
	Long: `Check the genealogy forest and every task sequence, then compare each
repository's recorded worktrees with 'git worktree list'.

Exits non-zero when a problem is found. 'lineage session repair' fixes
drifted child lists.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return doctorRun()
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// worktreeDrift is a disagreement between a worktree record and git.
type worktreeDrift struct {
	Repository string `json:"repository"`
	Worktree   string `json:"worktree,omitempty"`
	Path       string `json:"path"`
	Problem    string `json:"problem"`
}

type doctorReport struct {
	Violations []sessions.Violation `json:"violations"`
	Worktrees  []worktreeDrift      `json:"worktrees"`
	Untracked  []worktreeDrift      `json:"untracked"`
}

func doctorRun() error {
	e, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	rep := doctorReport{Violations: []sessions.Violation{}, Worktrees: []worktreeDrift{}, Untracked: []worktreeDrift{}}
	if rep.Violations, err = e.Sessions.Verify(ctx); err != nil {
		return err
	}
	if err := checkWorktrees(ctx, e, &rep); err != nil {
		return err
	}

	problems := len(rep.Violations) + len(rep.Worktrees)
	if err := printResult(rep, func() {
		for _, v := range rep.Violations {
			ui.Error("%s", v)
		}
		for _, d := range rep.Worktrees {
			ui.Error("%s/%s: %s (%s)", d.Repository, d.Worktree, d.Problem, d.Path)
		}
		for _, d := range rep.Untracked {
			ui.Warning("%s: %s (%s)", d.Repository, d.Problem, d.Path)
		}
		if problems == 0 {
			ui.Success("No problems found")
		}
	}); err != nil {
		return err
	}
	if problems > 0 {
		return fmt.Errorf("doctor found %d problem(s)", problems)
	}
	return nil
}

// checkWorktrees compares every repository's worktree records with git.
func checkWorktrees(ctx context.Context, e *engine.Engine, rep *doctorReport) error {
	repoList, err := e.Repos.List(ctx)
	if err != nil {
		return err
	}
	for _, repo := range repoList {
		ui.VerboseLog("Checking worktrees of %s", repo.Slug)
		recorded, err := e.Worktrees.List(ctx, repo.ID)
		if err != nil {
			return err
		}
		listed, err := e.Git.ListWorktrees(ctx, repo.LocalPath)
		if err != nil {
			rep.Worktrees = append(rep.Worktrees, worktreeDrift{
				Repository: repo.Slug,
				Path:       repo.LocalPath,
				Problem:    fmt.Sprintf("git worktree list failed: %v", err),
			})
			continue
		}

		inGit := make(map[string]bool, len(listed))
		for _, info := range listed {
			inGit[canonicalPath(info.Path)] = true
		}
		known := map[string]bool{canonicalPath(repo.LocalPath): true}
		for _, w := range recorded {
			p := canonicalPath(w.Path)
			known[p] = true
			if d, ok := driftOf(repo, w, p, inGit); ok {
				rep.Worktrees = append(rep.Worktrees, d)
			}
		}
		for _, info := range listed {
			if !known[canonicalPath(info.Path)] {
				rep.Untracked = append(rep.Untracked, worktreeDrift{
					Repository: repo.Slug,
					Path:       info.Path,
					Problem:    "git worktree is not recorded",
				})
			}
		}
	}
	return nil
}

func driftOf(repo *models.Repository, w *models.Worktree, path string, inGit map[string]bool) (worktreeDrift, bool) {
	d := worktreeDrift{Repository: repo.Slug, Worktree: w.Name, Path: w.Path}
	if _, err := os.Stat(w.Path); err != nil {
		d.Problem = "directory is missing"
		return d, true
	}
	if !inGit[path] {
		d.Problem = "not registered with git"
		return d, true
	}
	if len(w.SessionIDs) == 0 && w.LastUsedAt == nil {
		ui.VerboseLog("%s/%s has never been used (%s)", repo.Slug, w.Name, output.ShortID(w.ID, 12))
	}
	return d, false
}

// canonicalPath resolves symlinks so paths reported by git compare equal to
// the recorded ones.
func canonicalPath(p string) string {
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}
