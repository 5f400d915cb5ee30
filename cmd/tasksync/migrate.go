package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tasksync/internal/migrate"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/ui"
)

var (
	exportFormat string
	exportAll    bool
	importFormat string
	importWait   time.Duration
)

var exportCmd = &cobra.Command{
	Use:     "export [file]",
	GroupID: "advanced",
	Short:   "Write tasks to a JSONL, YAML or TOML file",
	Long: `Write the signed-in user's tasks to a file, or to stdout when no file is
given. The format follows the file extension unless --format is set.

Use --all to include deleted tasks, so an import on another machine also
propagates the deletions.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(exportFormat)
		if err != nil {
			return err
		}
		return withSession(cmd, 0, func(ctx context.Context, s *session.Session) error {
			recs := s.ListTasks()
			if exportAll {
				recs = s.AllTasks()
			}

			if len(args) == 0 {
				if format == "" {
					format = migrate.FormatJSONL
				}
				return migrate.Export(os.Stdout, recs, format)
			}
			if err := migrate.ExportFile(args[0], recs, format); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s Exported %d task(s) to %s\n", ui.RenderPass("✓"), len(recs), args[0])
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Merge tasks from a JSONL, YAML or TOML file",
	Long: `Merge tasks from a file into the signed-in user's list.

Each record wins only when its updated_at is not older than the local copy,
the same rule used for sync. Imported changes are queued and pushed like any
local edit.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, err := formatFlag(importFormat)
		if err != nil {
			return err
		}
		recs, err := migrate.ImportFile(args[0], format)
		if err != nil {
			return err
		}

		return withSession(cmd, importWait, func(ctx context.Context, s *session.Session) error {
			res := migrate.Apply(s, recs)
			if jsonOutput {
				return printJSON(res)
			}
			fmt.Printf("%s Imported %s: %d applied, %d unchanged\n",
				ui.RenderPass("✓"), args[0], res.Applied, res.Unchanged)
			for _, e := range res.Errors {
				fmt.Printf("  %s %s\n", ui.RenderWarn("⚠"), e)
			}
			return nil
		})
	},
}

func init() {
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "", "jsonl, yaml or toml")
	exportCmd.Flags().BoolVar(&exportAll, "all", false, "include deleted tasks")
	importCmd.Flags().StringVarP(&importFormat, "format", "f", "", "jsonl, yaml or toml")
	importCmd.Flags().DurationVar(&importWait, "wait", 3*time.Second, "how long to wait for imported changes to sync")
	rootCmd.AddCommand(exportCmd, importCmd)
}

// formatFlag parses --format. Unset means "detect from the file name".
func formatFlag(s string) (migrate.Format, error) {
	if s == "" {
		return "", nil
	}
	return migrate.ParseFormat(s)
}
