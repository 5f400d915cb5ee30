package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/steveyegge/tasksync/internal/auth"
	"github.com/steveyegge/tasksync/internal/config"
	"github.com/steveyegge/tasksync/internal/ui"
)

var (
	configForce bool
	loginToken  string
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	// The file may not exist yet, so skip loading it.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = config.GlobalConfigPath()
		}
		if err := config.WriteDefault(path, configForce); err != nil {
			return err
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if jsonOutput {
			return printJSON(cfg)
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	},
}

var loginCmd = &cobra.Command{
	Use:     "login <user-id>",
	GroupID: "sync",
	Short:   "Sign in as a user",
	Long: `Sign in by writing the session file. A running daemon notices the change
and switches to this user's tasks.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := auth.Identity{UserID: args[0], Token: loginToken}
		if err := auth.WriteIdentityFile(cfg.SessionFile, id); err != nil {
			return err
		}
		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), ui.RenderBold(id.UserID))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Sign out",
	Long: `Sign out by removing the session file. Cached tasks and queued changes
stay on disk and are restored on the next sign-in.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := auth.RemoveIdentityFile(cfg.SessionFile); err != nil {
			return err
		}
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "access token for the backend")

	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd, loginCmd, logoutCmd)
}
