package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/steveyegge/tracksync/internal/orchestrator"
	"github.com/steveyegge/tracksync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one sync cycle",
	Long: `Run one sync cycle for every configured project, or for --project.

Each cycle runs four passes in order:
  1. tracker -> board
  2. board -> tracker
  3. tracker -> beads
  4. beads -> tracker

followed by the beads export. A failing pass does not stop the others.`,
	Run: func(cmd *cobra.Command, args []string) {
		project, _ := cmd.Flags().GetString("project")
		jsonOutput, _ := cmd.Flags().GetBool("json")
		cfg := loadConfig(cmd, nil)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := openApp(ctx, cfg, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		var reports []*orchestrator.Report
		if project != "" {
			if _, ok := a.orch.Project(project); !ok {
				fmt.Fprintf(os.Stderr, "Error: unknown project %q\n", project)
				os.Exit(1)
			}
			if !jsonOutput {
				fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), project)
			}
			report, err := a.orch.RunCycle(ctx, project)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
				os.Exit(1)
			}
			reports = append(reports, report)
		} else {
			if !jsonOutput {
				fmt.Printf("%s Syncing %d project(s)...\n", ui.RenderAccent("🔄"), len(a.orch.Projects()))
			}
			reports, err = a.orch.RunAll(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
				os.Exit(1)
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(reports)
		} else {
			for _, r := range reports {
				printReport(os.Stdout, r)
			}
		}

		for _, r := range reports {
			if !r.Success() {
				a.Close()
				os.Exit(1)
			}
		}
	},
}

// printReport writes one cycle report.
func printReport(w io.Writer, r *orchestrator.Report) {
	mark := ui.RenderPass("✓")
	if !r.Success() {
		mark = ui.RenderFail("✗")
	}
	fmt.Fprintf(w, "\n%s %s %s in %v\n", mark, ui.RenderBold(r.Project), ui.RenderMuted(r.RunID), r.Duration.Round(time.Millisecond))

	for _, p := range r.Passes {
		if p.Error != "" {
			fmt.Fprintf(w, "   %-16s %s\n", p.Direction, ui.RenderFail(p.Error))
			continue
		}
		res := p.Result
		if res == nil {
			continue
		}
		line := fmt.Sprintf("synced %d, created %d, updated %d, skipped %d", res.Synced, res.Created, res.Updated, res.Skipped)
		if res.Conflicts > 0 {
			line += ", " + ui.RenderWarn(fmt.Sprintf("conflicts %d", res.Conflicts))
		}
		if res.Deferred > 0 {
			line += fmt.Sprintf(", deferred %d", res.Deferred)
		}
		if res.Deleted > 0 {
			line += fmt.Sprintf(", deleted %d", res.Deleted)
		}
		if len(res.Errors) > 0 {
			line += ", " + ui.RenderFail(fmt.Sprintf("errors %d", len(res.Errors)))
		}
		fmt.Fprintf(w, "   %-16s %s\n", p.Direction, line)
		for _, e := range res.Errors {
			fmt.Fprintf(w, "     %s %s: %s\n", ui.RenderWarn("⚠"), e.Item, e.Message)
		}
	}

	switch {
	case r.PublishError != "":
		fmt.Fprintf(w, "   %s export failed: %s\n", ui.RenderWarn("⚠"), r.PublishError)
	case r.Published:
		fmt.Fprintf(w, "   %s\n", ui.RenderMuted("beads exported"))
	}
}

func init() {
	syncCmd.Flags().StringP("project", "p", "", "sync only this project key")
	syncCmd.Flags().Bool("json", false, "print reports as JSON")
	rootCmd.AddCommand(syncCmd)
}
