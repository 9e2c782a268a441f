package main

import (
	"fmt"

	"github.com/caffeineduck/pyedit/coordinator"
	"github.com/caffeineduck/pyedit/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve editor sessions over HTTP",
	Long: `Start the HTTP API for a browser editor.

Each session owns one interpreter and one console log. Idle sessions are
closed after the session TTL.

Endpoints:
  GET    /health                          Health check
  POST   /api/sessions                    Create a session
  GET    /api/sessions/{id}               Session state
  DELETE /api/sessions/{id}               Close a session
  POST   /api/sessions/{id}/run           Run code
  POST   /api/sessions/{id}/packages      Install a package
  GET    /api/sessions/{id}/events        Console log (?after=seq)
  GET    /api/runs                        Run history (?session=, ?limit=)
  GET    /api/runs/{id}                   One recorded run`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default :8080)")
	serveCmd.Flags().Duration("session-ttl", 0, "Idle session lifetime (default 30m)")
	serveCmd.Flags().Int("max-sessions", 0, "Maximum concurrent sessions (default 32)")
	serveCmd.Flags().StringSlice("allow-origin", nil, "CORS allowed origin (can be repeated, * for any)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	flags := cmd.Flags()
	if flags.Changed("addr") {
		e.cfg.Server.Addr, _ = flags.GetString("addr")
	}
	if flags.Changed("session-ttl") {
		d, _ := flags.GetDuration("session-ttl")
		e.cfg.Server.RawSessionTTL = d.String()
	}
	if flags.Changed("max-sessions") {
		e.cfg.Server.MaxSessions, _ = flags.GetInt("max-sessions")
	}
	if flags.Changed("allow-origin") {
		e.cfg.Server.AllowOrigins, _ = flags.GetStringSlice("allow-origin")
	}
	if err := e.cfg.Validate(); err != nil {
		return err
	}

	store, err := e.openHistory()
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	sessions := server.NewManager(server.ManagerConfig{
		TTL:         e.cfg.SessionTTL(),
		MaxSessions: e.cfg.MaxSessions(),
		LogSize:     e.cfg.LogSize(),
		Loader: func() coordinator.Loader {
			return coordinator.FromInterp(e.loader())
		},
		Options: e.coordinatorOptions(),
		Logger:  e.logger,
	})

	srv := server.New(server.Config{
		Addr:         e.cfg.Addr(),
		AllowOrigins: e.cfg.Server.AllowOrigins,
	}, e.logger, sessions, store)

	if err := srv.Start(cmd.Context()); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}
