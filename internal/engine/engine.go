// Package engine assembles the coordination engine from an explicit store
// handle: one coordinator and event hub shared by every manager.
package engine

import (
	"context"
	"time"

	"github.com/joescharf/lineage/internal/coord"
	"github.com/joescharf/lineage/internal/gitops"
	"github.com/joescharf/lineage/internal/notify"
	"github.com/joescharf/lineage/internal/repos"
	"github.com/joescharf/lineage/internal/sessions"
	"github.com/joescharf/lineage/internal/store"
	"github.com/joescharf/lineage/internal/tasks"
	"github.com/joescharf/lineage/internal/worktrees"
)

// Config holds the engine settings that come from configuration.
type Config struct {
	ReposDir     string
	WorktreesDir string
	GitTimeout   time.Duration
	// EventBuffer is the per-subscriber channel size of the event hub.
	EventBuffer int
}

// Engine is the handle the CLI, API and MCP server operate through.
type Engine struct {
	Store     store.Store
	Hub       *notify.Hub
	Coord     *coord.Coordinator
	Git       gitops.Client
	Repos     *repos.Registry
	Worktrees *worktrees.Manager
	Sessions  *sessions.Manager
	Tasks     *tasks.Engine
}

// New wires every manager around s and git.
func New(s store.Store, git gitops.Client, cfg Config) *Engine {
	hub := notify.NewHub(cfg.EventBuffer)
	c := coord.New(s, hub)
	return &Engine{
		Store:     s,
		Hub:       hub,
		Coord:     c,
		Git:       git,
		Repos:     repos.NewRegistry(c, git, repos.Options{ReposDir: cfg.ReposDir, GitTimeout: cfg.GitTimeout}),
		Worktrees: worktrees.NewManager(c, git, worktrees.Options{WorktreesDir: cfg.WorktreesDir, GitTimeout: cfg.GitTimeout}),
		Sessions:  sessions.NewManager(c),
		Tasks:     tasks.NewEngine(c),
	}
}

// Open opens the SQLite database at dbPath, migrates it and wires an
// engine backed by the git binary.
func Open(ctx context.Context, dbPath string, cfg Config) (*Engine, error) {
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return New(s, gitops.NewExecClient(), cfg), nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.Store.Close()
}
