package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joescharf/lineage/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

Agents use it to record their own task checkpoints and to fork or spawn
sessions. Configure in the agent with:

  {
    "mcpServers": {
      "lineage": { "command": "lineage", "args": ["mcp"] }
    }
  }

Available tools: lineage_list_sessions, lineage_fork_session,
lineage_spawn_session, lineage_session_ancestors, lineage_begin_task,
lineage_complete_task, lineage_fail_task`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e, err := getEngine()
	if err != nil {
		return err
	}
	// stdout carries the protocol; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return mcp.NewServer(e, buildVersion).ServeStdio(ctx)
}
