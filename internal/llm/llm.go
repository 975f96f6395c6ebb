// Package llm asks Anthropic models to summarize finished tasks for reports.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-sonnet-4-5"

// TaskInput is what the model sees about a task.
type TaskInput struct {
	Description   string
	Status        string
	StartIndex    int
	EndIndex      int
	ShaAtStart    string
	ShaAtEnd      string
	Dirty         bool
	CommitMessage string
	ToolCalls     int
	// Diffstat is optional `git diff --stat` output between the two shas.
	Diffstat string
}

// TaskSummary is the model's structured answer.
type TaskSummary struct {
	Summary   string   `json:"summary"`
	Changes   []string `json:"changes"`
	FollowUps []string `json:"follow_ups"`
}

// Client wraps the Anthropic API for task summaries.
type Client struct {
	api   *anthropic.Client
	model anthropic.Model
}

// NewClient creates an LLM client with the given API key and model.
func NewClient(apiKey, model string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = DefaultModel
	}
	client := anthropic.NewClient(opts...)
	return &Client{
		api:   &client,
		model: anthropic.Model(model),
	}
}

// buildSummaryPrompt constructs the system and user prompts for a task summary.
func buildSummaryPrompt(in TaskInput) (system string, user string) {
	system = `You summarize one checkpoint of an AI coding-agent session for a progress report. Return ONLY a JSON object with these fields:
- "summary": 1-3 sentences describing what the task accomplished
- "changes": a list of short phrases naming the notable code changes (may be empty)
- "follow_ups": a list of short phrases naming work left open or risks worth checking (may be empty)

Rules:
- Base the answer on the task description, commit message and diffstat only
- If the task failed, say so in the summary and name the likely blocker in follow_ups
- If the working tree was left dirty, mention uncommitted changes in follow_ups
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", in.Description)
	fmt.Fprintf(&sb, "Status: %s\n", in.Status)
	fmt.Fprintf(&sb, "Messages: %d-%d\n", in.StartIndex, in.EndIndex)
	if in.ToolCalls > 0 {
		fmt.Fprintf(&sb, "Tool calls: %d\n", in.ToolCalls)
	}
	if in.ShaAtStart != "" || in.ShaAtEnd != "" {
		fmt.Fprintf(&sb, "Commits: %s..%s\n", in.ShaAtStart, in.ShaAtEnd)
	}
	if in.Dirty {
		sb.WriteString("Working tree: dirty\n")
	}
	if in.CommitMessage != "" {
		sb.WriteString("\nCommit message:\n")
		sb.WriteString(in.CommitMessage)
		sb.WriteString("\n")
	}
	if in.Diffstat != "" {
		sb.WriteString("\nDiffstat:\n")
		sb.WriteString(in.Diffstat)
		sb.WriteString("\n")
	}
	user = sb.String()
	return
}

// SummarizeTask sends a finished task to the model and returns its summary.
func (c *Client) SummarizeTask(ctx context.Context, in TaskInput) (*TaskSummary, error) {
	systemPrompt, userPrompt := buildSummaryPrompt(in)

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	return parseSummary(text)
}

// parseSummary decodes the model's answer, tolerating markdown fencing.
func parseSummary(text string) (*TaskSummary, error) {
	text = stripFence(text)
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	var out TaskSummary
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return nil, fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("LLM response has an empty summary")
	}
	return &out, nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	return text
}
