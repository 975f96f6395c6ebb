package sessions

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/joescharf/lineage/internal/coord"
	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/store"
)

// RepairReport summarizes a child-list rebuild.
type RepairReport struct {
	Checked  int      `json:"checked"`
	Repaired []string `json:"repaired"`
}

// RebuildChildren recomputes every cached child list from ancestor pointers
// and rewrites the ones that drifted.
func (m *Manager) RebuildChildren(ctx context.Context) (*RepairReport, error) {
	report := &RepairReport{Repaired: []string{}}
	err := m.coord.Commit(ctx, func(tx store.Tx, ch *coord.Changes) error {
		all, err := tx.ListSessions(ctx, store.SessionFilter{})
		if err != nil {
			return err
		}
		want := make(map[string][]string, len(all))
		for _, s := range all {
			if anc := s.Genealogy.AncestorID(); anc != "" {
				want[anc] = append(want[anc], s.ID)
			}
		}
		report.Checked = len(all)
		for _, s := range all {
			children := want[s.ID]
			if children == nil {
				children = []string{}
			}
			if sameSet(children, s.Genealogy.ChildSessionIDs) {
				continue
			}
			if err := tx.SetChildren(ctx, s.ID, children); err != nil {
				return err
			}
			ch.Add(models.EntitySession, s.ID, models.ChangeUpdated, map[string][]string{"child_session_ids": children})
			report.Repaired = append(report.Repaired, s.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// sameSet reports whether a and b hold the same ids in any order.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}

// Violation is one broken invariant found by Verify.
type Violation struct {
	Kind      errs.Kind `json:"kind"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Detail    string    `json:"detail"`
}

func (v Violation) String() string {
	if v.TaskID != "" {
		return fmt.Sprintf("%s: session %s task %s: %s", v.Kind, v.SessionID, v.TaskID, v.Detail)
	}
	return fmt.Sprintf("%s: session %s: %s", v.Kind, v.SessionID, v.Detail)
}

// Verify checks the genealogy forest and every task sequence against the
// engine invariants. It only reads.
func (m *Manager) Verify(ctx context.Context) ([]Violation, error) {
	r := m.coord.Store()
	all, err := r.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Session, len(all))
	want := make(map[string][]string)
	for _, s := range all {
		byID[s.ID] = s
		if anc := s.Genealogy.AncestorID(); anc != "" {
			want[anc] = append(want[anc], s.ID)
		}
	}

	var out []Violation
	add := func(kind errs.Kind, sessionID, taskID, format string, a ...any) {
		out = append(out, Violation{Kind: kind, SessionID: sessionID, TaskID: taskID, Detail: fmt.Sprintf(format, a...)})
	}

	for _, s := range all {
		g := s.Genealogy
		if g.ForkedFromSessionID != "" && g.ParentSessionID != "" {
			add(errs.KindInvalidArgument, s.ID, "", "both forked_from and parent are set")
		}

		if anc := g.AncestorID(); anc != "" {
			ancestor, ok := byID[anc]
			if !ok {
				add(errs.KindOrphanedGenealogy, s.ID, "", "ancestor %s does not exist", anc)
			} else {
				point := g.PointTaskID()
				task, err := r.GetTask(ctx, point)
				switch {
				case errors.Is(err, errs.ErrNotFound):
					add(errs.KindNotFound, s.ID, point, "fork/spawn point task does not exist")
				case err != nil:
					return nil, err
				case task.SessionID != ancestor.ID:
					add(errs.KindForkPointInFuture, s.ID, point, "point task belongs to %s, not ancestor %s", task.SessionID, ancestor.ID)
				case task.Position > ancestor.TaskCount():
					add(errs.KindForkPointInFuture, s.ID, point, "point task position %d beyond ancestor task count %d", task.Position, ancestor.TaskCount())
				}
			}
		}

		// Walking up must terminate without revisiting s.
		seen := map[string]bool{}
		for cur := s; cur != nil; {
			anc := cur.Genealogy.AncestorID()
			if anc == "" {
				break
			}
			if anc == s.ID {
				add(errs.KindInvalidArgument, s.ID, "", "session is its own ancestor")
				break
			}
			if seen[anc] {
				break
			}
			seen[anc] = true
			cur = byID[anc]
		}

		expected := want[s.ID]
		if expected == nil {
			expected = []string{}
		}
		if !sameSet(expected, s.Genealogy.ChildSessionIDs) {
			add(errs.KindOrphanedGenealogy, s.ID, "", "cached child list %v differs from ancestor pointers %v", s.Genealogy.ChildSessionIDs, expected)
		}

		tasks, err := r.ListTasks(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
			if t.Git.ShaAtEnd != "" && !t.Status.IsTerminal() {
				add(errs.KindInvalidTransition, s.ID, t.ID, "sha at end recorded on %s task", t.Status)
			}
			if i > 0 && tasks[i-1].EffectiveEnd() >= t.Range.StartIndex {
				add(errs.KindNonMonotonicRange, s.ID, t.ID, "starts at %d but previous task ends at %d", t.Range.StartIndex, tasks[i-1].EffectiveEnd())
			}
		}
		if !slices.Equal(ids, s.TaskIDs) {
			add(errs.KindNonMonotonicRange, s.ID, "", "task list %v differs from stored tasks %v", s.TaskIDs, ids)
		}

		if s.WorktreeID != "" {
			w, err := r.GetWorktree(ctx, s.WorktreeID)
			switch {
			case errors.Is(err, errs.ErrNotFound):
				add(errs.KindInvalidWorktreeBinding, s.ID, "", "bound worktree %s does not exist", s.WorktreeID)
			case err != nil:
				return nil, err
			case !w.HasSession(s.ID):
				add(errs.KindInvalidWorktreeBinding, s.ID, "", "worktree %s does not list the session", s.WorktreeID)
			}
		}
	}
	return out, nil
}
