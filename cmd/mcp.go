package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/remedyhq/remedy/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets coding agents create and drive remediation sessions natively.
Configure in your agent with:

  {
    "mcpServers": {
      "remedy": { "command": "remedy", "args": ["mcp"] }
    }
  }

Available tools: remedy_list_sessions, remedy_session_status,
remedy_create_session, remedy_control_session, remedy_list_checkpoints`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcpRun()
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func mcpRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	sm, err := getSessionManager()
	if err != nil {
		return err
	}
	defer sm.Shutdown()

	srv := mcp.NewServer(s, sm, sm.Workers(), buildVersion)
	return srv.ServeStdio(context.Background())
}
