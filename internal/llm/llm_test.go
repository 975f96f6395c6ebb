package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSummaryPrompt(t *testing.T) {
	t.Run("with all fields", func(t *testing.T) {
		system, user := buildSummaryPrompt(TaskInput{
			Description:   "add login",
			Status:        "completed",
			StartIndex:    0,
			EndIndex:      12,
			ShaAtStart:    "c0",
			ShaAtEnd:      "c1",
			Dirty:         true,
			CommitMessage: "Add login form",
			ToolCalls:     4,
			Diffstat:      " login.go | 40 +++",
		})

		assert.Contains(t, system, `"summary"`)
		assert.Contains(t, system, `"follow_ups"`)
		assert.Contains(t, system, "JSON")

		assert.Contains(t, user, "Task: add login")
		assert.Contains(t, user, "Messages: 0-12")
		assert.Contains(t, user, "Commits: c0..c1")
		assert.Contains(t, user, "Working tree: dirty")
		assert.Contains(t, user, "Add login form")
		assert.Contains(t, user, "login.go | 40")
		assert.Contains(t, user, "Tool calls: 4")
	})

	t.Run("minimal", func(t *testing.T) {
		_, user := buildSummaryPrompt(TaskInput{Description: "fix typo", Status: "failed"})
		assert.Contains(t, user, "Status: failed")
		assert.NotContains(t, user, "Commits:")
		assert.NotContains(t, user, "Diffstat")
		assert.NotContains(t, user, "dirty")
	})
}

func TestParseSummary(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		s, err := parseSummary(`{"summary":"Added login.","changes":["login form"],"follow_ups":[]}`)
		require.NoError(t, err)
		assert.Equal(t, "Added login.", s.Summary)
		assert.Equal(t, []string{"login form"}, s.Changes)
	})

	t.Run("fenced", func(t *testing.T) {
		s, err := parseSummary("```json\n{\"summary\":\"Done.\"}\n```")
		require.NoError(t, err)
		assert.Equal(t, "Done.", s.Summary)
	})

	t.Run("empty", func(t *testing.T) {
		_, err := parseSummary("  ")
		assert.Error(t, err)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := parseSummary("not json")
		assert.ErrorContains(t, err, "raw response: not json")
	})

	t.Run("empty summary", func(t *testing.T) {
		_, err := parseSummary(`{"summary":""}`)
		assert.Error(t, err)
	})
}
