package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tasksync/internal/cache"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/ui"
)

var syncTimeout time.Duration

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull every remote change and push queued local changes",
	Long: `Fetch the full remote task list, merge it by last-writer-wins and push
every queued local change.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, 0, func(ctx context.Context, s *session.Session) error {
			ctx, cancel := context.WithTimeout(ctx, syncTimeout)
			defer cancel()

			if !jsonOutput {
				fmt.Println("Syncing...")
			}
			if err := s.FullSync(ctx); err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			if err := s.Drain(ctx); err != nil {
				return fmt.Errorf("sync incomplete, %d change(s) still queued: %w", s.Status().Queued, err)
			}
			if jsonOutput {
				return printJSON(s.Status())
			}
			fmt.Printf("%s Sync complete: %d task(s)\n", ui.RenderPass("✓"), len(s.ListTasks()))
			return nil
		})
	},
}

var pushCmd = &cobra.Command{
	Use:     "push",
	GroupID: "sync",
	Short:   "Retry queued local changes now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, 0, func(ctx context.Context, s *session.Session) error {
			queued := s.Status().Queued
			if queued == 0 {
				if !jsonOutput {
					fmt.Println(ui.RenderMuted("Nothing to push."))
				}
				return nil
			}

			ctx, cancel := context.WithTimeout(ctx, syncTimeout)
			defer cancel()
			s.ForceSync()
			if err := s.Drain(ctx); err != nil {
				return fmt.Errorf("push incomplete, %d change(s) still queued: %w", s.Status().Queued, err)
			}
			if jsonOutput {
				return printJSON(map[string]int{"pushed": queued})
			}
			fmt.Printf("%s Pushed %d change(s)\n", ui.RenderPass("✓"), queued)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync state and task counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, 0, func(ctx context.Context, s *session.Session) error {
			waitCtx, cancel := context.WithTimeout(ctx, cfg.Sync.InitTimeout)
			_ = s.WaitReady(waitCtx)
			cancel()

			st := s.Status()
			cached, users, err := statsFor(ctx, s.UserID())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(struct {
					session.Status
					Cache      cache.Stats `json:"cache"`
					CacheUsers []string    `json:"cache_users"`
				}{st, cached, users})
			}

			now := time.Now()
			state := ui.RenderWarn("unreachable")
			if st.Realtime || !st.LastPull.IsZero() {
				state = ui.RenderPass("reachable")
			}
			fmt.Printf("\n%s\n\n", ui.RenderBold("Sync status"))
			fmt.Print(ui.KeyValues(
				[2]string{"User", s.UserID()},
				[2]string{"Backend", state},
				[2]string{"Realtime", strconv.FormatBool(st.Realtime)},
				[2]string{"Queued", strconv.Itoa(st.Queued)},
				[2]string{"Last push", ui.Ago(st.LastPush, now)},
				[2]string{"Last pull", ui.Ago(st.LastPull, now)},
			))
			if st.LastError != "" {
				fmt.Print(ui.KeyValues([2]string{"Last error", ui.RenderFail(st.LastError)}))
			}

			fmt.Printf("\n%s\n\n", ui.RenderBold("Tasks"))
			fmt.Print(ui.KeyValues(
				[2]string{"Pending", strconv.Itoa(st.Pending)},
				[2]string{"Completed", strconv.Itoa(st.Completed)},
				[2]string{"Deleted", strconv.Itoa(st.Tombstones)},
				[2]string{"Cached", fmt.Sprintf("%d task(s), %d queued", cached.Tasks, cached.Pending)},
			))
			if len(users) > 1 {
				fmt.Print(ui.KeyValues([2]string{"Other users", fmt.Sprintf("%d with cached tasks", len(users)-1)}))
			}
			fmt.Println()
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{syncCmd, pushCmd} {
		c.Flags().DurationVar(&syncTimeout, "timeout", 30*time.Second, "give up after this long")
	}
	rootCmd.AddCommand(syncCmd, pushCmd, statusCmd)
}

// statsFor reads the cache counts for userID and the cached user ids from a
// separate handle, so they reflect what a restart would restore.
func statsFor(ctx context.Context, userID string) (cache.Stats, []string, error) {
	c, err := cache.Open(cfg.CachePath)
	if err != nil {
		return cache.Stats{}, nil, fmt.Errorf("failed to open cache: %w", err)
	}
	defer c.Close()

	st, err := c.GetStatsContext(ctx, userID)
	if err != nil {
		return st, nil, err
	}
	users, err := c.Users(ctx)
	if err != nil {
		return st, nil, err
	}
	return st, users, nil
}
