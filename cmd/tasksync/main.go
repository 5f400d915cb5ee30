// Command tasksync is a local-first task list that syncs with a Postgres
// backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tasksync/internal/auth"
	"github.com/steveyegge/tasksync/internal/cache"
	"github.com/steveyegge/tasksync/internal/config"
	"github.com/steveyegge/tasksync/internal/logging"
	"github.com/steveyegge/tasksync/internal/remote"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/ui"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool

	cfg  *config.Config
	logs *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "tasksync",
	Short: "Local-first task list with background sync",
	Long: `tasksync keeps your task list on this machine and syncs it with a
Postgres backend in the background.

Every command works offline: changes are committed locally right away and
queued until the backend is reachable.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logs = logging.New(cfg.LogOptions())
		if !verbose && cfg.Log.File == "" {
			logs = logging.Discard()
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.tasksync/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON instead of text")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log sync activity to stderr")

	rootCmd.AddGroup(
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
		os.Exit(1)
	}
}

// app holds the resources shared by a command's session.
type app struct {
	cache  *cache.Cache
	pool   *pgxpool.Pool
	remote remote.Remote
	auth   *auth.FileProvider
}

// openApp opens the cache and connects to the backend. An unreachable
// backend is not an error: the session runs offline and keeps its queue.
func openApp(ctx context.Context) (*app, error) {
	c, err := cache.Open(cfg.CachePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	a := &app{
		cache:  c,
		remote: remote.Offline{},
		auth:   auth.NewFileProvider(cfg.SessionFile),
	}

	if cfg.Remote.DSN != "" {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.Sync.PushTimeout)
		defer cancel()
		pool, err := remote.Connect(connectCtx, cfg.Remote.DSN)
		if err != nil {
			logs.Logger("remote").Printf("Warning: backend unreachable, working offline: %v", err)
		} else {
			a.pool = pool
			a.remote = remote.NewPgRemote(pool, logs.Logger("remote"))
		}
	}
	return a, nil
}

// sessionOptions builds session options on the app's resources.
func (a *app) sessionOptions() session.Options {
	return session.Options{
		Auth:    a.auth,
		Cache:   a.cache,
		Remote:  a.remote,
		Sync:    cfg.EngineConfig(logs.Logger("sync")),
		Persist: cfg.PersisterConfig(logs.Logger("cache")),
		Logger:  logs.Logger("session"),
	}
}

// openSession opens the signed-in user's session.
func (a *app) openSession(ctx context.Context) (*session.Session, error) {
	id, err := a.auth.Identity(ctx)
	if errors.Is(err, auth.ErrUnauthenticated) {
		return nil, fmt.Errorf("not signed in; run 'tasksync login <user-id>' first")
	}
	if err != nil {
		return nil, err
	}
	return session.Open(ctx, id.UserID, a.sessionOptions())
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.cache.Close()
}

// withSession runs fn against the signed-in user's session, then gives
// queued changes up to wait to reach the backend before closing. Whatever
// is still queued is saved and pushed by a later command or the daemon.
func withSession(cmd *cobra.Command, wait time.Duration, fn func(ctx context.Context, s *session.Session) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.openSession(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Sync.FlushTimeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to save local state: %v\n", ui.RenderWarn("Warning:"), err)
		}
	}()

	if err := fn(ctx, s); err != nil {
		return err
	}

	if wait > 0 && s.Status().Queued > 0 {
		drainCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		if err := s.Drain(drainCtx); err != nil && !jsonOutput {
			fmt.Fprintf(os.Stderr, "%s %d change(s) queued; they will sync later\n",
				ui.RenderWarn("⚠"), s.Status().Queued)
		}
	}
	return nil
}
