package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/tracksync/internal/store"
	"github.com/steveyegge/tracksync/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "inspect",
	Short:   "List edits that lost a conflict",
	Long: `List conflicts recorded by sync passes.

When both sides of a pair changed since the last sync, one side wins and the
other side's values are recorded here so the losing edit is never silently
lost.

Examples:
  tsync conflicts                       # last 7 days
  tsync conflicts --since "2 days ago"
  tsync conflicts --since 2026-01-15 --json`,
	Run: func(cmd *cobra.Command, args []string) {
		sinceText, _ := cmd.Flags().GetString("since")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		cfg := loadConfig(cmd, nil)

		since, err := parseSince(sinceText, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		st, err := store.Open(cfg.Database)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
			os.Exit(1)
		}
		defer st.Close()

		ctx := context.Background()
		if err := st.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		conflicts, err := st.ListConflicts(ctx, since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(conflicts)
			return
		}
		printConflicts(os.Stdout, conflicts, since)
	},
}

// parseSince accepts natural language ("2 days ago", "last week"), RFC 3339
// or a plain date. Empty means seven days before now.
func parseSince(text string, now time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return now.AddDate(0, 0, -7), nil
	}
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, text, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(text, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --since %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --since %q", text)
	}
	return r.Time, nil
}

func printConflicts(w io.Writer, conflicts []*store.Conflict, since time.Time) {
	if len(conflicts) == 0 {
		fmt.Fprintf(w, "%s No conflicts since %s\n", ui.RenderPass("✓"), since.Format(time.DateTime))
		return
	}
	fmt.Fprintf(w, "%s %d conflict(s) since %s\n\n", ui.RenderWarn("⚠"), len(conflicts), since.Format(time.DateTime))
	for _, c := range conflicts {
		fmt.Fprintf(w, "%s %s  %s wins over %s (%s)\n",
			ui.RenderMuted(c.DetectedAt.Local().Format(time.DateTime)),
			ui.RenderBold(c.CanonicalID), c.Winner, c.Loser, c.Direction)
		fmt.Fprintf(w, "   lost: title=%q status=%q priority=%q\n", c.LoserTitle, c.LoserStatus, c.LoserPriority)
	}
}

func init() {
	conflictsCmd.Flags().String("since", "", `only conflicts after this time, e.g. "2 days ago" (default 7 days)`)
	conflictsCmd.Flags().Bool("json", false, "print conflicts as JSON")
	rootCmd.AddCommand(conflictsCmd)
}
