package cmd

import (
	"context"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/joescharf/reviewloop/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for Claude Code integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets a coding agent inspect and steer review loop sessions of the
current project. Configure in Claude Code with:

  {
    "mcpServers": {
      "reviewloop": { "command": "reviewloop", "args": ["mcp"] }
    }
  }

Available tools: reviewloop_list_sessions, reviewloop_get_session,
reviewloop_evaluate_gate, reviewloop_force_ready, reviewloop_skip_to_pr,
reviewloop_list_events`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	// Stdout carries the protocol, so events are only journaled.
	a, err := openApp(ctx, appOptions{quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	return mcp.NewServer(a.store, a.loop, a.journal).ServeStdio(ctx)
}
