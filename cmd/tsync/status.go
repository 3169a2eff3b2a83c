package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show correlation store status",
	Long: `Display the correlation store and the configured projects.

Shows:
  - Database location and schema version
  - Correlated records and their links to the board and beads
  - Parent links still waiting for their target
  - Recorded conflicts`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd, nil)

		if _, err := os.Stat(cfg.Database); os.IsNotExist(err) {
			fmt.Printf("\n%s Correlation store not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'tsync sync' to create %s\n\n", cfg.Database)
			return
		}

		st, err := store.Open(cfg.Database)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx := context.Background()
		version, err := st.SchemaVersion(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading schema version: %v\n", err)
			os.Exit(1)
		}
		stats, err := st.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error getting stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Correlation store\n", ui.RenderAccent("📊"))
		fmt.Print(ui.KeyValues([][2]string{
			{"Database", cfg.Database},
			{"Schema", fmt.Sprintf("v%d", version)},
			{"Records", fmt.Sprint(stats.Records)},
			{"Board links", fmt.Sprint(stats.LinkedBoard)},
			{"Beads links", fmt.Sprint(stats.LinkedBeads)},
			{"Pending parents", fmt.Sprint(stats.PendingParents)},
			{"Deleted", fmt.Sprint(stats.Deleted)},
			{"Conflicts", conflictCount(stats.Conflicts)},
		}))

		if len(cfg.Projects) == 0 {
			fmt.Printf("\n%s No projects configured\n\n", ui.RenderWarn("⚠"))
			return
		}
		fmt.Printf("\n%s Projects\n", ui.RenderAccent("📁"))
		for _, p := range cfg.Projects {
			systems := []string{"tracker=" + p.Tracker}
			if p.Board != "" {
				systems = append(systems, "board="+p.Board)
			}
			if p.Beads != "" {
				systems = append(systems, "beads="+p.Beads)
			}
			fmt.Printf("  %s %s\n", ui.RenderBold(p.Key), ui.RenderMuted(strings.Join(systems, " ")))
		}
		fmt.Println()
	},
}

func conflictCount(n int) string {
	if n == 0 {
		return "0"
	}
	return ui.RenderWarn(fmt.Sprint(n)) + ui.RenderMuted("  (tsync conflicts)")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
