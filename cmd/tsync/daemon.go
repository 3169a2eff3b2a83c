package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/steveyegge/tracksync/internal/config"
	"github.com/steveyegge/tracksync/internal/daemon"
	"github.com/steveyegge/tracksync/internal/ingest"
	"github.com/steveyegge/tracksync/internal/logging"
	"github.com/steveyegge/tracksync/internal/orchestrator"
	"github.com/steveyegge/tracksync/internal/telemetry"
	"github.com/steveyegge/tracksync/internal/types"
	"github.com/steveyegge/tracksync/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Sync continuously in response to changes",
	Long: `Run the sync daemon.

The daemon:
  1. Runs an initial cycle for every project
  2. Accepts webhooks at POST /webhooks/{tracker|board} (--listen)
  3. Streams board events from ingest.stream_url
  4. Watches the beads tasks/ and deps/ directories
  5. Resyncs every project every sync.resync_interval

Changes are debounced per project and cycles of one project never overlap.
Cycle reports are broadcast over the websocket at GET /feed.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd, map[string]string{
			"ingest.listen":     "listen",
			"ingest.stream_url": "stream-url",
		})
		if len(cfg.Projects) == 0 {
			fmt.Fprintf(os.Stderr, "Error: no projects configured\n")
			fmt.Fprintf(os.Stderr, "Run 'tsync init' to create a config\n")
			os.Exit(1)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var feed *ingest.Feed
		a, err := openApp(ctx, cfg, func(r *orchestrator.Report) {
			if feed != nil {
				feed.Publish(ingest.MessageCycleReport, r)
			}
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.Close()

		if cfg.Ingest.Listen != "" {
			feed = ingest.NewFeed(logging.New(a.sink, "feed"))
			defer feed.Close()
		}

		dcfg, err := daemonConfig(a, feed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		d, err := daemon.New(dcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		go func() {
			select {
			case <-d.Ready():
			case <-ctx.Done():
				return
			}
			fmt.Printf("%s Daemon started for %d project(s)\n", ui.RenderPass("✓"), len(cfg.Projects))
			if addr := d.Addr(); addr != "" {
				fmt.Printf("   Webhooks: http://%s/webhooks/{tracker,board}\n", addr)
				fmt.Printf("   Feed: ws://%s/feed\n", addr)
			}
			if a.beads != nil {
				fmt.Printf("   Watching: %s\n", a.beads.Root())
			}
			fmt.Println("\nPress Ctrl+C to stop...")
		}()

		if err := d.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			a.Close()
			os.Exit(1)
		}
		fmt.Println("Daemon stopped")
	},
}

// daemonConfig maps the loaded settings onto the daemon's sources.
func daemonConfig(a *app, feed *ingest.Feed) (daemon.Config, error) {
	cfg := a.cfg
	ingestMetrics, err := telemetry.NewIngestMetrics(otel.GetMeterProvider())
	if err != nil {
		return daemon.Config{}, fmt.Errorf("failed to create ingest metrics: %w", err)
	}

	dcfg := daemon.Config{
		Cycler: a.orch,
		Controller: daemon.ControllerConfig{
			Debounce: cfg.Sync.Debounce,
			MaxWait:  cfg.Sync.MaxWait,
			SlowRun:  cfg.Sync.SlowRun,
			Logger:   logging.New(a.sink, "controller"),
			Metrics:  a.metrics,
		},
		ResyncInterval:  cfg.Sync.ResyncInterval,
		Listen:          cfg.Ingest.Listen,
		ReplayThreshold: cfg.Ingest.ReplayThreshold,
		ServerLogger:    logging.New(a.sink, "ingest"),
		Feed:            feed,
		StreamDefaults:  streamDefaults(cfg, a),
		Logger:          logging.New(a.sink, "daemon"),
		IngestMetrics:   ingestMetrics,
	}
	if cfg.Ingest.StreamURL != "" {
		dcfg.Streams = []daemon.StreamSource{{System: types.SystemBoard, URL: cfg.Ingest.StreamURL}}
	}
	if a.beads != nil {
		dcfg.BeadsTasksDir = a.beads.TasksDir()
		dcfg.BeadsDepsDir = a.beads.DepsDir()
	}
	return dcfg, nil
}

func streamDefaults(cfg *config.Config, a *app) ingest.StreamConfig {
	return ingest.StreamConfig{
		Grace:         cfg.Ingest.Grace,
		MaxReconnects: cfg.Ingest.MaxReconnects,
		ReconnectBase: cfg.Ingest.ReconnectBase,
		ReconnectMax:  cfg.Ingest.ReconnectMax,
		Logger:        logging.New(a.sink, "stream"),
	}
}

func init() {
	daemonCmd.Flags().String("listen", "", "webhook and feed address, e.g. :8787")
	daemonCmd.Flags().String("stream-url", "", "board websocket event feed")
	rootCmd.AddCommand(daemonCmd)
}
