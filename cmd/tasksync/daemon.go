package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steveyegge/tasksync/internal/dashboard"
	"github.com/steveyegge/tasksync/internal/remote"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/ui"
)

var (
	daemonPort         int
	daemonEnsureSchema bool
	daemonNoDashboard  bool
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Keep the signed-in user's tasks in sync in the background",
	Long: `Run a long-lived sync process.

The daemon follows the session file: signing in opens that user's session
(restoring cached tasks and queued changes), signing out or switching users
saves and closes it. While a session is open, local and remote changes are
reconciled continuously and queued changes are retried with backoff.

A WebSocket dashboard streams task changes and sync status:
  ws://localhost:<port>/ws     task_update, sync_status and stats messages
  http://localhost:<port>/status
  http://localhost:<port>/health

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if daemonEnsureSchema {
			pg, ok := a.remote.(*remote.PgRemote)
			if !ok {
				return fmt.Errorf("--ensure-schema needs a reachable backend (remote.dsn)")
			}
			if err := pg.EnsureTable(ctx); err != nil {
				return err
			}
			fmt.Printf("%s Remote schema ready\n", ui.RenderPass("✓"))
		}
		if _, ok := a.remote.(remote.Offline); ok {
			fmt.Printf("%s No backend configured; changes stay queued locally\n", ui.RenderWarn("⚠"))
		}

		var (
			server  *dashboard.Server
			handler *dashboard.Handler
		)
		if !daemonNoDashboard {
			port := daemonPort
			if !cmd.Flags().Changed("port") {
				port = cfg.Dashboard.Port
			}
			srvCfg := cfg.ServerConfig(logs.Logger("dashboard"))
			srvCfg.Port = port

			server = dashboard.NewServer(srvCfg)
			handler = dashboard.NewHandler(server, logs.Logger("dashboard"))
			if err := server.Start(); err != nil {
				return fmt.Errorf("failed to start dashboard: %w", err)
			}
			if _, p, err := net.SplitHostPort(server.Addr()); err == nil {
				fmt.Printf("%s Dashboard on ws://localhost:%s/ws\n", ui.RenderAccent("→"), p)
			}
		}

		manager := session.NewManager(a.sessionOptions())
		if err := a.auth.Start(); err != nil {
			if server != nil {
				_ = server.Stop()
			}
			return err
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			err := manager.Follow(gctx, a.auth.Changes())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})

		g.Go(func() error {
			logger := logs.Logger("auth")
			for {
				select {
				case <-gctx.Done():
					return nil
				case err, ok := <-a.auth.Errors():
					if !ok {
						return nil
					}
					logger.Printf("Warning: %v", err)
				}
			}
		})

		if handler != nil {
			g.Go(func() error {
				handler.Run(gctx, cfg.Dashboard.StatusInterval, func() (dashboard.Source, bool) {
					s, err := manager.Current()
					if err != nil {
						return nil, false
					}
					return s, true
				})
				return server.Stop()
			})
		}

		fmt.Printf("%s Syncing (Ctrl+C to stop)\n", ui.RenderPass("✓"))
		<-gctx.Done()

		fmt.Println("\nShutting down...")
		if err := a.auth.Stop(); err != nil {
			logs.Logger("auth").Printf("Warning: %v", err)
		}
		runErr := g.Wait()

		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Sync.FlushTimeout+5*time.Second)
		defer cancel()
		if err := manager.TeardownSession(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to save session: %v\n", ui.RenderWarn("Warning:"), err)
		}
		return runErr
	},
}

func init() {
	daemonCmd.Flags().IntVarP(&daemonPort, "port", "p", 8080, "dashboard port (default from config)")
	daemonCmd.Flags().BoolVar(&daemonEnsureSchema, "ensure-schema", false, "create the remote todos table if missing")
	daemonCmd.Flags().BoolVar(&daemonNoDashboard, "no-dashboard", false, "do not serve the dashboard")
	rootCmd.AddCommand(daemonCmd)
}
