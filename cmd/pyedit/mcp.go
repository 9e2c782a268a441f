package main

import (
	"fmt"

	"github.com/caffeineduck/pyedit/mcpserver"
	"github.com/caffeineduck/pyedit/output"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve a Python session as MCP tools over stdio",
	Long: `Run an MCP server on stdin/stdout exposing one persistent Python session.

Tools:
  python_run      run code and return its output events
  python_install  install a package from PyPI
  python_state    report the environment state
  python_log      read the console log

Logs go to stderr.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	ctx := cmd.Context()
	log := output.NewLog(e.cfg.LogSize())
	c := e.coordinator(log)
	defer c.Close()

	// Tools report "still loading" until the interpreter is up.
	c.Initialize(ctx)

	srv := mcpserver.NewServer(c, log)
	e.logger.Info("mcp server starting", "transport", "stdio")
	if err := srv.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("mcp: %w", err)
	}
	return nil
}
