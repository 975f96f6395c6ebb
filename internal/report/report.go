// Package report renders finished tasks as markdown and HTML reports and
// records the result on the task.
package report

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/joescharf/lineage/internal/errs"
	"github.com/joescharf/lineage/internal/llm"
	"github.com/joescharf/lineage/internal/models"
	"github.com/joescharf/lineage/internal/store"
	"github.com/joescharf/lineage/internal/tasks"
)

// Summarizer produces an optional narrative for a task.
type Summarizer interface {
	SummarizeTask(ctx context.Context, in llm.TaskInput) (*llm.TaskSummary, error)
}

// Generator writes task reports into Dir.
type Generator struct {
	store      store.Reader
	tasks      *tasks.Engine
	dir        string
	summarizer Summarizer
}

// NewGenerator creates a report Generator. summarizer may be nil.
func NewGenerator(r store.Reader, t *tasks.Engine, dir string, summarizer Summarizer) *Generator {
	return &Generator{store: r, tasks: t, dir: dir, summarizer: summarizer}
}

// Generate renders the report for a terminal task, writes it to
// <dir>/<task id>.html and attaches the path to the task.
func (g *Generator) Generate(ctx context.Context, taskID string) (string, error) {
	task, err := g.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if !task.Status.IsTerminal() {
		return "", errs.TaskNotTerminal(task.ID, string(task.Status))
	}
	sess, err := g.store.GetSession(ctx, task.SessionID)
	if err != nil {
		return "", err
	}

	var summary *llm.TaskSummary
	if g.summarizer != nil {
		summary, err = g.summarizer.SummarizeTask(ctx, Input(task))
		if err != nil {
			// The report is still useful without a summary.
			slog.Warn("task summary failed", "task", task.ID, "error", err)
		}
	}

	md := Markdown(task, sess, summary)
	page, err := RenderHTML(task.ID, md)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	ref := filepath.Join(g.dir, task.ID+".html")
	if err := os.WriteFile(ref, page, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(g.dir, task.ID+".md"), []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}

	if _, err := g.tasks.AttachReport(ctx, task.ID, ref); err != nil {
		return "", err
	}
	return ref, nil
}

// Input converts a task into the summarizer's input.
func Input(t *models.Task) llm.TaskInput {
	return llm.TaskInput{
		Description:   t.Description,
		Status:        string(t.Status),
		StartIndex:    t.Range.StartIndex,
		EndIndex:      t.EffectiveEnd(),
		ShaAtStart:    t.Git.ShaAtStart,
		ShaAtEnd:      t.Git.ShaAtEnd,
		Dirty:         t.Git.Dirty,
		CommitMessage: t.Git.CommitMessage,
		ToolCalls:     t.ToolCount,
	}
}

// Markdown builds the report body.
func Markdown(t *models.Task, sess *models.Session, summary *llm.TaskSummary) string {
	var sb strings.Builder
	title := t.Description
	if title == "" {
		title = "Task " + t.ID
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)

	fmt.Fprintln(&sb, "| Field | Value |")
	fmt.Fprintln(&sb, "|-------|-------|")
	fmt.Fprintf(&sb, "| Task | `%s` (#%d) |\n", t.ID, t.Position)
	fmt.Fprintf(&sb, "| Session | `%s` (%s) |\n", sess.ID, sess.Agent)
	fmt.Fprintf(&sb, "| Status | %s |\n", t.Status)
	fmt.Fprintf(&sb, "| Messages | %d-%d |\n", t.Range.StartIndex, t.EffectiveEnd())
	if t.Range.EndAt != nil {
		fmt.Fprintf(&sb, "| Duration | %s |\n", t.Range.EndAt.Sub(t.Range.StartAt).Round(time.Second))
	}
	if t.Model != "" {
		fmt.Fprintf(&sb, "| Model | %s |\n", t.Model)
	}
	fmt.Fprintf(&sb, "| Tool calls | %d |\n", t.ToolCount)
	if t.Git.ShaAtStart != "" {
		fmt.Fprintf(&sb, "| Start commit | `%s` |\n", t.Git.ShaAtStart)
	}
	if t.Git.ShaAtEnd != "" {
		fmt.Fprintf(&sb, "| End commit | `%s` |\n", t.Git.ShaAtEnd)
	}
	if t.Git.Dirty {
		fmt.Fprintln(&sb, "| Working tree | dirty |")
	}

	if t.Git.CommitMessage != "" {
		fmt.Fprintf(&sb, "\n## Commit\n\n```\n%s\n```\n", strings.TrimSpace(t.Git.CommitMessage))
	}

	if summary != nil {
		fmt.Fprintf(&sb, "\n## Summary\n\n%s\n", summary.Summary)
		writeList(&sb, "Changes", summary.Changes)
		writeList(&sb, "Follow-ups", summary.FollowUps)
	}
	return sb.String()
}

func writeList(sb *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n### %s\n\n", heading)
	for _, it := range items {
		fmt.Fprintf(sb, "- %s\n", it)
	}
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML converts markdown into a standalone HTML page.
func RenderHTML(title, md string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>%s</title></head>\n<body>\n", html.EscapeString(title))
	out.Write(body.Bytes())
	out.WriteString("</body></html>\n")
	return out.Bytes(), nil
}
