// Package sessions manages agent sessions and the fork/spawn genealogy
// forest that relates them.
package sessions

import (
	"context"
	"errors"
	"strings"

	"github.com/joescharf/lineage/internal/coord"
	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/store"
	"github.com/joescharf/lineage/internal/worktrees"
)

// Manager creates sessions and answers genealogy queries.
type Manager struct {
	coord *coord.Coordinator
}

// NewManager creates a new sessions manager.
func NewManager(c *coord.Coordinator) *Manager {
	return &Manager{coord: c}
}

// CreateParams describes a root session.
type CreateParams struct {
	Agent        string
	Git          models.GitState
	RepositoryID string
	WorktreeID   string
	Title        string
	Concepts     []string
}

// DeriveParams are the optional parts of a fork or spawn.
type DeriveParams struct {
	WorktreeID string
	Title      string
}

// Lineage is the result of an ancestry query. Orphaned lists broken links
// found on the way; the sessions that could be resolved are still returned.
type Lineage struct {
	Sessions []*models.Session `json:"sessions"`
	Orphaned []*errs.Error     `json:"orphaned,omitempty"`
}

// IDs returns the ids of the sessions in order.
func (l *Lineage) IDs() []string {
	ids := make([]string, len(l.Sessions))
	for i, s := range l.Sessions {
		ids[i] = s.ID
	}
	return ids
}

func worktreeLock(id string) coord.Req {
	if id == "" {
		return coord.Req{}
	}
	return coord.W(coord.WorktreeKey(id))
}

// Create allocates a root session, optionally bound to a worktree. The
// session insert and the worktree attach commit together.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.Session, error) {
	if strings.TrimSpace(p.Agent) == "" {
		return nil, errs.InvalidArgument("agent is required")
	}
	sess := &models.Session{
		ID:           store.NewID(),
		Agent:        p.Agent,
		Status:       models.SessionStatusIdle,
		RepositoryID: p.RepositoryID,
		Git:          p.Git,
		Title:        p.Title,
		Concepts:     append([]string{}, p.Concepts...),
	}

	release := m.coord.Lock(coord.W(coord.SessionKey(sess.ID)), worktreeLock(p.WorktreeID))
	defer release()

	err := m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		if p.RepositoryID != "" {
			if _, err := tx.GetRepository(ctx, p.RepositoryID); err != nil {
				return err
			}
		}
		return m.insert(ctx, tx, ch, sess, p.WorktreeID)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// insert writes a new session and its optional binding.
func (m *Manager) insert(ctx context.Context, tx store.Tx, ch *coord.Changes, sess *models.Session, worktreeID string) error {
	var w *models.Worktree
	if worktreeID != "" {
		var err error
		if w, err = worktrees.CheckBinding(ctx, tx, worktreeID, sess.RepositoryID); err != nil {
			return err
		}
		sess.WorktreeID = w.ID
		sess.RepositoryID = w.RepositoryID
	}
	if err := tx.CreateSession(ctx, sess); err != nil {
		return err
	}
	ch.Add(models.EntitySession, sess.ID, models.ChangeCreated, sess)
	if w != nil {
		return worktrees.AttachTx(ctx, tx, ch, w, sess)
	}
	return nil
}

type deriveKind int

const (
	deriveFork deriveKind = iota
	deriveSpawn
)

// Fork creates a session that inherits the source's history up to and
// including atTaskID: its concepts, its ref and the commit the task ended on.
func (m *Manager) Fork(ctx context.Context, sourceID, atTaskID string, p DeriveParams) (*models.Session, error) {
	return m.derive(ctx, deriveFork, sourceID, atTaskID, "", p)
}

// Spawn creates a delegated subtask session rooted at a parent's task, with
// a fresh context and its own agent.
func (m *Manager) Spawn(ctx context.Context, parentID, atTaskID, agent string, p DeriveParams) (*models.Session, error) {
	if strings.TrimSpace(agent) == "" {
		return nil, errs.InvalidArgument("agent is required")
	}
	return m.derive(ctx, deriveSpawn, parentID, atTaskID, agent, p)
}

func (m *Manager) derive(ctx context.Context, kind deriveKind, ancestorID, atTaskID, agent string, p DeriveParams) (*models.Session, error) {
	child := &models.Session{ID: store.NewID(), Status: models.SessionStatusIdle, Title: p.Title}

	// The child's own lock plus a read lock on the ancestor and its task:
	// enough to keep the ancestor from being deleted or its task from moving
	// while we copy from it, without touching the rest of the tree.
	release := m.coord.Lock(
		coord.W(coord.SessionKey(child.ID)),
		coord.R(coord.SessionKey(ancestorID)),
		coord.R(coord.TaskKey(atTaskID)),
		worktreeLock(p.WorktreeID),
	)
	defer release()

	err := m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		src, err := tx.GetSession(ctx, ancestorID)
		if err != nil {
			return err
		}
		task, err := forkPoint(ctx, tx, src, atTaskID)
		if err != nil {
			return err
		}

		sha := task.Git.ShaAtEnd
		if sha == "" {
			sha = task.Git.ShaAtStart
		}
		child.RepositoryID = src.RepositoryID
		child.Git = models.GitState{Ref: src.Git.Ref, BaseCommit: sha, CurrentCommit: sha, Dirty: task.Git.Dirty}

		switch kind {
		case deriveFork:
			child.Agent = src.Agent
			child.Concepts = append([]string{}, src.Concepts...)
			child.MessageCount = task.EffectiveEnd() + 1
			child.Genealogy = models.Genealogy{ForkedFromSessionID: src.ID, ForkPointTaskID: task.ID}
		case deriveSpawn:
			child.Agent = agent
			child.Concepts = []string{}
			child.Genealogy = models.Genealogy{ParentSessionID: src.ID, SpawnPointTaskID: task.ID}
		}

		if err := m.insert(ctx, tx, ch, child, p.WorktreeID); err != nil {
			return err
		}
		if err := tx.AppendChild(ctx, src.ID, child.ID); err != nil {
			return err
		}
		ch.Add(models.EntitySession, src.ID, models.ChangeUpdated, map[string]string{"child_session_id": child.ID})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// forkPoint validates that taskID is a finished task of src.
func forkPoint(ctx context.Context, r store.Reader, src *models.Session, taskID string) (*models.Task, error) {
	task, err := r.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.SessionID != src.ID {
		e := errs.NotFound("task", taskID)
		e.Msg = "task does not belong to session"
		e.IDs["session"] = src.ID
		return nil, e
	}
	if task.Position > src.TaskCount() {
		return nil, errs.ForkPointInFuture(src.ID, taskID, "task is after the session's latest task")
	}
	if !task.Status.IsTerminal() {
		return nil, errs.ForkPointInFuture(src.ID, taskID, "task has not reached its boundary ("+string(task.Status)+")")
	}
	return task, nil
}

// Get returns a session.
func (m *Manager) Get(ctx context.Context, id string) (*models.Session, error) {
	return m.coord.Store().GetSession(ctx, id)
}

// List returns sessions matching filter.
func (m *Manager) List(ctx context.Context, filter store.SessionFilter) ([]*models.Session, error) {
	return m.coord.Store().ListSessions(ctx, filter)
}

// Ancestors returns the chain from the root down to the session's direct
// ancestor. A missing link ends the walk and is reported in Orphaned.
func (m *Manager) Ancestors(ctx context.Context, id string) (*Lineage, error) {
	r := m.coord.Store()
	cur, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &Lineage{Sessions: []*models.Session{}}
	seen := map[string]bool{cur.ID: true}
	for {
		ancID := cur.Genealogy.AncestorID()
		if ancID == "" {
			break
		}
		if seen[ancID] {
			out.Orphaned = append(out.Orphaned, errs.OrphanedGenealogy(cur.ID, ancID))
			break
		}
		anc, err := r.GetSession(ctx, ancID)
		if errors.Is(err, errs.ErrNotFound) {
			out.Orphaned = append(out.Orphaned, errs.OrphanedGenealogy(cur.ID, ancID))
			break
		}
		if err != nil {
			return nil, err
		}
		seen[ancID] = true
		out.Sessions = append(out.Sessions, anc)
		cur = anc
	}

	for i, j := 0, len(out.Sessions)-1; i < j; i, j = i+1, j-1 {
		out.Sessions[i], out.Sessions[j] = out.Sessions[j], out.Sessions[i]
	}
	return out, nil
}

// Descendants returns the transitive closure of children, breadth first.
// Children are found by their ancestor pointers; ids in a cached child list
// that no longer resolve are reported in Orphaned.
func (m *Manager) Descendants(ctx context.Context, id string) (*Lineage, error) {
	r := m.coord.Store()
	root, err := r.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	out := &Lineage{Sessions: []*models.Session{}}
	seen := map[string]bool{root.ID: true}
	queue := []*models.Session{root}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children, err := r.ListChildSessions(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		live := make(map[string]bool, len(children))
		for _, c := range children {
			live[c.ID] = true
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			out.Sessions = append(out.Sessions, c)
			queue = append(queue, c)
		}

		for _, cached := range cur.Genealogy.ChildSessionIDs {
			if live[cached] {
				continue
			}
			if _, err := r.GetSession(ctx, cached); errors.Is(err, errs.ErrNotFound) {
				out.Orphaned = append(out.Orphaned, errs.OrphanedGenealogy(cur.ID, cached))
			} else if err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Delete removes a session that no other session descends from, together
// with its tasks, its worktree binding and its entry in the ancestor's
// child list.
func (m *Manager) Delete(ctx context.Context, id string) error {
	releaseSession := m.coord.Lock(coord.W(coord.SessionKey(id)))
	defer releaseSession()

	// The binding only changes under the session lock, so it is stable now.
	// Session keys sort before worktree keys, keeping the global lock order.
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	releaseWorktree := m.coord.Lock(worktreeLock(sess.WorktreeID))
	defer releaseWorktree()

	return m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		children, err := tx.ListChildSessions(ctx, id)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			ids := make([]string, len(children))
			for i, c := range children {
				ids[i] = c.ID
			}
			return errs.HasDescendants(id, ids)
		}

		if _, err := tx.DeleteSessionTasks(ctx, id); err != nil {
			return err
		}
		for _, taskID := range sess.TaskIDs {
			ch.Add(models.EntityTask, taskID, models.ChangeDeleted, nil)
		}
		if sess.WorktreeID != "" {
			if _, err := worktrees.DetachTx(ctx, tx, ch, sess.WorktreeID, id); err != nil {
				return err
			}
		}
		if anc := sess.Genealogy.AncestorID(); anc != "" {
			err := tx.RemoveChild(ctx, anc, id)
			switch {
			case err == nil:
				ch.Add(models.EntitySession, anc, models.ChangeUpdated, map[string]string{"removed_child_session_id": id})
			case !errors.Is(err, errs.ErrNotFound):
				return err
			}
		}
		if err := tx.DeleteSession(ctx, id); err != nil {
			return err
		}
		ch.Add(models.EntitySession, id, models.ChangeDeleted, nil)
		return nil
	})
}

// SetStatus closes or reopens a session. Running is reserved for the task
// engine.
func (m *Manager) SetStatus(ctx context.Context, id string, status models.SessionStatus) (*models.Session, error) {
	if !status.Valid() {
		return nil, errs.InvalidArgument("unknown session status %q", status)
	}
	if status == models.SessionStatusRunning {
		return nil, errs.InvalidArgument("session %s: running is set by starting a task", id)
	}
	release := m.coord.Lock(coord.W(coord.SessionKey(id)))
	defer release()

	var out *models.Session
	err := m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		tasks, err := tx.ListTasks(ctx, id)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if t.Status == models.TaskStatusRunning {
				e := errs.InvalidTransition(t.ID, string(sess.Status), string(status))
				e.Msg = "session has a running task"
				e.IDs["session"] = id
				return e
			}
		}
		sess.Status = status
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		ch.Add(models.EntitySession, sess.ID, models.ChangeUpdated, sess)
		out = sess
		return nil
	})
	return out, err
}
