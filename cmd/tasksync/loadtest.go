package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tasksync/internal/cache"
	"github.com/steveyegge/tasksync/internal/loadtest"
	"github.com/steveyegge/tasksync/internal/ui"
)

var (
	loadWriters   int
	loadOps       int
	loadFailRate  float64
	loadSeed      int64
	loadTimeout   time.Duration
	loadCachePath string
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "advanced",
	Short:   "Stress the sync engine against a flaky in-memory backend",
	Long: `Run concurrent writers against one session whose backend rejects a share
of pushes, then check that every task converged.

Nothing touches your task list or the configured backend. Pass --cache to
also exercise snapshot persistence in a scratch database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := loadtest.DefaultOptions()
		opts.Writers = loadWriters
		opts.OpsPerWriter = loadOps
		opts.FailureRate = loadFailRate
		opts.Seed = loadSeed
		opts.DrainTimeout = loadTimeout
		opts.Logger = logs.Logger("loadtest")

		if loadCachePath != "" {
			c, err := cache.Open(loadCachePath)
			if err != nil {
				return fmt.Errorf("failed to open scratch cache: %w", err)
			}
			defer c.Close()
			opts.Cache = c
		}

		fmt.Printf("Running %d writers x %d ops, %.0f%% push failures...\n",
			opts.Writers, opts.OpsPerWriter, opts.FailureRate*100)
		res, err := loadtest.Run(cmd.Context(), opts)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(res)
		}
		fmt.Println()
		res.Latency.Fprint(os.Stdout)
		fmt.Println()
		fmt.Print(ui.KeyValues(
			[2]string{"Adds", fmt.Sprint(res.Adds)},
			[2]string{"Toggles", fmt.Sprint(res.Toggles)},
			[2]string{"Deletes", fmt.Sprint(res.Deletes)},
			[2]string{"Tasks", fmt.Sprint(res.Tasks)},
			[2]string{"Upserts", fmt.Sprint(res.Upserts)},
			[2]string{"Injected faults", fmt.Sprint(res.InjectedFaults)},
			[2]string{"Elapsed", res.Elapsed.Round(time.Millisecond).String()},
		))
		fmt.Println()

		if !res.Converged {
			for _, m := range res.Mismatches {
				fmt.Printf("  %s %s\n", ui.RenderFail("✗"), m)
			}
			return fmt.Errorf("%d task(s) did not converge", len(res.Mismatches))
		}
		fmt.Printf("%s All tasks converged\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	def := loadtest.DefaultOptions()
	loadtestCmd.Flags().IntVarP(&loadWriters, "writers", "w", def.Writers, "concurrent writers")
	loadtestCmd.Flags().IntVarP(&loadOps, "ops", "n", def.OpsPerWriter, "operations per writer")
	loadtestCmd.Flags().Float64Var(&loadFailRate, "failure-rate", def.FailureRate, "share of pushes the backend rejects, in [0, 1)")
	loadtestCmd.Flags().Int64Var(&loadSeed, "seed", def.Seed, "random seed")
	loadtestCmd.Flags().DurationVar(&loadTimeout, "timeout", def.DrainTimeout, "how long to wait for the queue to drain")
	loadtestCmd.Flags().StringVar(&loadCachePath, "cache", "", "scratch cache database (default: none)")
	rootCmd.AddCommand(loadtestCmd)
}
