package store

import (
	"context"
	"time"

	"github.com/joescharf/lineage/internal/models"
)

// SessionFilter specifies filters for listing sessions.
type SessionFilter struct {
	RepositoryID string
	WorktreeID   string
	Status       models.SessionStatus
	Limit        int
}

// Reader is the read side shared by the store and its transactions.
type Reader interface {
	// Repositories
	GetRepository(ctx context.Context, id string) (*models.Repository, error)
	GetRepositoryBySlug(ctx context.Context, slug string) (*models.Repository, error)
	ListRepositories(ctx context.Context) ([]*models.Repository, error)

	// Worktrees (every state; callers filter pending rows)
	GetWorktree(ctx context.Context, id string) (*models.Worktree, error)
	GetWorktreeByName(ctx context.Context, repositoryID, name string) (*models.Worktree, error)
	GetWorktreeByPath(ctx context.Context, path string) (*models.Worktree, error)
	ListWorktrees(ctx context.Context, repositoryID string, state models.WorktreeState) ([]*models.Worktree, error)

	// Sessions
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]*models.Session, error)
	// ListChildSessions returns the sessions whose ancestor pointer is ancestorID.
	ListChildSessions(ctx context.Context, ancestorID string) ([]*models.Session, error)

	// Tasks
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, sessionID string) ([]*models.Task, error)
}

// Writer is the write side, only reachable inside a transaction.
type Writer interface {
	CreateRepository(ctx context.Context, r *models.Repository) error
	UpdateRepository(ctx context.Context, r *models.Repository) error
	DeleteRepository(ctx context.Context, id string) error

	CreateWorktree(ctx context.Context, w *models.Worktree) error
	UpdateWorktree(ctx context.Context, w *models.Worktree) error
	DeleteWorktree(ctx context.Context, id string) error
	AttachSession(ctx context.Context, worktreeID, sessionID string, at time.Time) error
	// DetachSession reports whether a binding was removed.
	DetachSession(ctx context.Context, worktreeID, sessionID string) (bool, error)

	CreateSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	AppendChild(ctx context.Context, ancestorID, childID string) error
	RemoveChild(ctx context.Context, ancestorID, childID string) error
	SetChildren(ctx context.Context, id string, children []string) error
	// AddSessionCounters applies additive deltas to the cached counters.
	AddSessionCounters(ctx context.Context, id string, messages, tools int) error

	CreateTask(ctx context.Context, t *models.Task) error
	UpdateTask(ctx context.Context, t *models.Task) error
	DeleteSessionTasks(ctx context.Context, sessionID string) (int64, error)
}

// Tx is a unit of work: every write staged through it commits together or not at all.
type Tx interface {
	Reader
	Writer
}

// Store defines the persistence interface for lineage.
type Store interface {
	Reader

	// WithTx runs fn inside one transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
