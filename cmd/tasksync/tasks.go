package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tasksync/internal/schema"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/ui"
)

var (
	addWait    time.Duration
	listAll    bool
	listSince  string
	listDone   bool
	clearYes   bool
	mutateWait time.Duration
)

var addCmd = &cobra.Command{
	Use:     "add <text>",
	GroupID: "tasks",
	Short:   "Add a task",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		return withSession(cmd, addWait, func(ctx context.Context, s *session.Session) error {
			rec, err := s.AddTask(ctx, text)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(rec)
			}
			fmt.Printf("%s Added %s\n", ui.RenderPass("✓"), ui.TaskLine(rec))
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "tasks",
	Short:   "List tasks",
	Long: `List tasks: not done first, newest first.

--since accepts natural dates such as "yesterday", "last monday" or
"3 days ago".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if listSince != "" {
			t, err := parseWhen(listSince, time.Now())
			if err != nil {
				return err
			}
			since = t
		}
		return withSession(cmd, 0, func(ctx context.Context, s *session.Session) error {
			recs := s.ListTasks()
			if listAll {
				recs = s.AllTasks()
			}
			recs = filterTasks(recs, since, listDone)

			if jsonOutput {
				return printJSON(recs)
			}
			if len(recs) == 0 {
				fmt.Println(ui.RenderMuted("No tasks."))
				return nil
			}
			for _, rec := range recs {
				fmt.Println(ui.TaskLine(rec))
			}
			if q := s.Status().Queued; q > 0 {
				fmt.Printf("\n%s\n", ui.RenderWarn(fmt.Sprintf("%d change(s) not yet synced", q)))
			}
			return nil
		})
	},
}

var toggleCmd = &cobra.Command{
	Use:     "toggle <id>",
	Aliases: []string{"done"},
	GroupID: "tasks",
	Short:   "Flip a task between pending and completed",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, mutateWait, func(ctx context.Context, s *session.Session) error {
			id, err := resolveTaskID(s, args[0])
			if err != nil {
				return err
			}
			if err := s.ToggleTaskStatus(id); err != nil {
				return err
			}
			rec, _ := s.GetTask(id)
			if jsonOutput {
				return printJSON(rec)
			}
			fmt.Printf("%s %s\n", ui.RenderPass("✓"), ui.TaskLine(rec))
			return nil
		})
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	Aliases: []string{"delete"},
	GroupID: "tasks",
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, mutateWait, func(ctx context.Context, s *session.Session) error {
			id, err := resolveTaskID(s, args[0])
			if err != nil {
				return err
			}
			if err := s.DeleteTask(id); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]string{"deleted": id})
			}
			fmt.Printf("%s Deleted %s\n", ui.RenderPass("✓"), ui.ShortID(id))
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "tasks",
	Short:   "Delete every completed task",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, mutateWait, func(ctx context.Context, s *session.Session) error {
			n := s.CompletedCount()
			if n == 0 {
				if !jsonOutput {
					fmt.Println(ui.RenderMuted("No completed tasks."))
				}
				return nil
			}
			if !clearYes {
				if !ui.IsTerminal(os.Stdin) {
					return fmt.Errorf("refusing to delete %d task(s) without --yes", n)
				}
				ok, err := confirm(fmt.Sprintf("Delete %d completed task(s)?", n))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Canceled.")
					return nil
				}
			}

			cleared, err := s.ClearCompletedTasks()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]int{"cleared": cleared})
			}
			fmt.Printf("%s Cleared %d completed task(s)\n", ui.RenderPass("✓"), cleared)
			return nil
		})
	},
}

func init() {
	addCmd.Flags().DurationVar(&addWait, "wait", 3*time.Second, "how long to wait for the change to sync")
	listCmd.Flags().BoolVar(&listAll, "all", false, "include deleted tasks")
	listCmd.Flags().BoolVar(&listDone, "done", false, "only completed tasks")
	listCmd.Flags().StringVar(&listSince, "since", "", "only tasks created since this time")
	clearCmd.Flags().BoolVarP(&clearYes, "yes", "y", false, "do not ask for confirmation")
	for _, c := range []*cobra.Command{toggleCmd, rmCmd, clearCmd} {
		c.Flags().DurationVar(&mutateWait, "wait", 3*time.Second, "how long to wait for the change to sync")
	}

	rootCmd.AddCommand(addCmd, listCmd, toggleCmd, rmCmd, clearCmd)
}

// resolveTaskID expands a unique id prefix, as printed by list.
func resolveTaskID(s *session.Session, prefix string) (string, error) {
	if _, ok := s.GetTask(prefix); ok {
		return prefix, nil
	}
	var matches []string
	for _, rec := range s.ListTasks() {
		if strings.HasPrefix(rec.ID, prefix) {
			matches = append(matches, rec.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no task matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d tasks; use more characters", prefix, len(matches))
	}
}

func filterTasks(recs []schema.TaskRecord, since time.Time, doneOnly bool) []schema.TaskRecord {
	if since.IsZero() && !doneOnly {
		return recs
	}
	out := recs[:0:0]
	for _, rec := range recs {
		if doneOnly && !rec.Done {
			continue
		}
		if !since.IsZero() && rec.CreatedAt.Before(since) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// parseWhen parses an RFC 3339 time or a natural-language expression.
func parseWhen(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, time.Local); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}

func confirm(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return ok, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
