package cmd

import (
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/output"
)

// treeNode is one session in the printed genealogy forest.
type treeNode struct {
	ID       string      `json:"id" yaml:"id"`
	Agent    string      `json:"agent" yaml:"agent"`
	Status   string      `json:"status" yaml:"status"`
	Title    string      `json:"title,omitempty" yaml:"title,omitempty"`
	Edge     string      `json:"edge,omitempty" yaml:"edge,omitempty"`
	AtTask   string      `json:"at_task,omitempty" yaml:"at_task,omitempty"`
	Tasks    int         `json:"tasks" yaml:"tasks"`
	Children []*treeNode `json:"children,omitempty" yaml:"children,omitempty"`
}

// buildTree arranges sessions by their ancestor pointers. With root set,
// root is the only top-level node; otherwise every session whose ancestor
// is not in the list becomes a root. Siblings are ordered by creation time.
func buildTree(list []*models.Session, root string) []*treeNode {
	sorted := make([]*models.Session, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	nodes := make(map[string]*treeNode, len(sorted))
	for _, s := range sorted {
		n := &treeNode{
			ID:     s.ID,
			Agent:  s.Agent,
			Status: string(s.Status),
			Title:  s.Title,
			AtTask: s.Genealogy.PointTaskID(),
			Tasks:  s.TaskCount(),
		}
		switch {
		case s.Genealogy.ForkedFromSessionID != "":
			n.Edge = "fork"
		case s.Genealogy.ParentSessionID != "":
			n.Edge = "spawn"
		}
		nodes[s.ID] = n
	}

	var roots []*treeNode
	for _, s := range sorted {
		n := nodes[s.ID]
		anc := s.Genealogy.AncestorID()
		parent, ok := nodes[anc]
		switch {
		case root != "" && s.ID == root:
			roots = append(roots, n)
		case anc != "" && ok:
			parent.Children = append(parent.Children, n)
		case root == "":
			roots = append(roots, n)
		}
	}
	return roots
}

// renderTree prints the forest with box-drawing connectors.
func renderTree(w io.Writer, forest []*treeNode) {
	for _, n := range forest {
		fmt.Fprintln(w, treeLabel(n))
		renderChildren(w, n.Children, "")
	}
}

func renderChildren(w io.Writer, children []*treeNode, prefix string) {
	for i, c := range children {
		branch, next := "├── ", "│   "
		if i == len(children)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintf(w, "%s%s%s\n", prefix, branch, treeLabel(c))
		renderChildren(w, c.Children, prefix+next)
	}
}

func treeLabel(n *treeNode) string {
	label := fmt.Sprintf("%s %s [%s]", output.Cyan(output.ShortID(n.ID, 12)), n.Agent, output.StatusColor(n.Status))
	if n.Edge != "" {
		label += fmt.Sprintf(" %s@%s", n.Edge, output.ShortID(n.AtTask, 12))
	}
	if n.Title != "" {
		label += " " + n.Title
	}
	return label
}

// writeTreeYAML encodes the forest as a YAML sequence.
func writeTreeYAML(w io.Writer, forest []*treeNode) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if forest == nil {
		forest = []*treeNode{}
	}
	if err := enc.Encode(forest); err != nil {
		return fmt.Errorf("encode tree: %w", err)
	}
	return enc.Close()
}
