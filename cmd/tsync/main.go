// Command tsync keeps work items consistent across the tracker, the board and
// the local beads store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/steveyegge/tracksync/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "tsync",
	Short: "Sync work items between the tracker, the board and beads",
	Long: `tsync keeps work items consistent across three systems:

  tracker  the primary issue tracker, source of truth for the hierarchy
  board    the kanban board
  beads    the local task/dep file store

Settings come from .tsync/config.yaml (or --config), TSYNC_* environment
variables and flags, in increasing order of precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "inspect", Title: "Inspection Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default .tsync/config.yaml)")
	rootCmd.PersistentFlags().String("db", "", "correlation database path")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to a rotating file")
}

// loadConfig reads the config file, the environment and the bound flags.
// binds maps config keys to flags of cmd.
func loadConfig(cmd *cobra.Command, binds map[string]string) *config.Config {
	v, err := config.New(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	bindFlags(v, cmd, binds)

	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, binds map[string]string) {
	all := map[string]string{
		"database": "db",
		"log.file": "log-file",
	}
	for key, flag := range binds {
		all[key] = flag
	}
	for key, flag := range all {
		if f := cmd.Flags().Lookup(flag); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
