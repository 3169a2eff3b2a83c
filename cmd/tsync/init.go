package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/steveyegge/tracksync/internal/config"
	"github.com/steveyegge/tracksync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "setup",
	Short:   "Create a config interactively",
	Long: `Create .tsync/config.yaml (or --config) by answering a few questions.

The file can be edited afterwards; a .toml path writes TOML instead of YAML.
Tokens can be left empty and supplied as TSYNC_TRACKER_TOKEN and
TSYNC_BOARD_TOKEN instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		path := configPath
		if path == "" {
			path = filepath.Join(config.Dir, config.FileName)
		}
		if _, err := os.Stat(path); err == nil && !force {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", path)
			os.Exit(1)
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintf(os.Stderr, "Error: init needs an interactive terminal\n")
			os.Exit(1)
		}

		answers := initAnswers{BeadsRoot: config.Default().Beads.Root}
		if err := answers.form().Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println("Aborted")
				return
			}
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !answers.Confirm {
			fmt.Println("Aborted")
			return
		}

		cfg := answers.config()
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := config.Write(path, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Run 'tsync sync' for a first cycle, or 'tsync daemon' to keep syncing\n")
	},
}

// initAnswers holds the values collected by the init form.
type initAnswers struct {
	TrackerURL   string
	TrackerToken string
	BoardURL     string
	BoardToken   string
	BeadsRoot    string

	ProjectKey string
	TrackerID  string
	BoardID    string
	BeadsID    string

	Confirm bool
}

func (a *initAnswers) form() *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Tracker URL").
				Description("Base URL of the tracker API").
				Value(&a.TrackerURL).
				Validate(requireURL),
			huh.NewInput().
				Title("Tracker token").
				EchoMode(huh.EchoModePassword).
				Value(&a.TrackerToken),
			huh.NewInput().
				Title("Board URL").
				Description("Leave empty if you do not use the board").
				Value(&a.BoardURL).
				Validate(optionalURL),
			huh.NewInput().
				Title("Board token").
				EchoMode(huh.EchoModePassword).
				Value(&a.BoardToken),
			huh.NewInput().
				Title("Beads directory").
				Value(&a.BeadsRoot),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Project key").
				Description("Short name used in logs and reports, e.g. web").
				Value(&a.ProjectKey).
				Validate(requireText("project key")),
			huh.NewInput().
				Title("Tracker project id").
				Value(&a.TrackerID).
				Validate(requireText("tracker project id")),
			huh.NewInput().
				Title("Board project id").
				Description("Leave empty to skip the board").
				Value(&a.BoardID),
			huh.NewInput().
				Title("Beads project").
				Description("Leave empty to skip beads").
				Value(&a.BeadsID),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Write config?").
				Value(&a.Confirm),
		),
	)
}

// config turns the answers into a Config on top of the defaults.
func (a *initAnswers) config() *config.Config {
	cfg := config.Default()
	cfg.Tracker = config.RemoteConfig{BaseURL: strings.TrimSpace(a.TrackerURL), Token: strings.TrimSpace(a.TrackerToken)}
	cfg.Board = config.RemoteConfig{BaseURL: strings.TrimSpace(a.BoardURL), Token: strings.TrimSpace(a.BoardToken)}
	if root := strings.TrimSpace(a.BeadsRoot); root != "" {
		cfg.Beads.Root = root
	}

	p := config.ProjectConfig{
		Key:     strings.TrimSpace(a.ProjectKey),
		Tracker: strings.TrimSpace(a.TrackerID),
		Beads:   strings.TrimSpace(a.BeadsID),
	}
	if cfg.Board.BaseURL != "" {
		p.Board = strings.TrimSpace(a.BoardID)
	}
	cfg.Projects = []config.ProjectConfig{p}
	return cfg
}

func requireURL(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("required")
	}
	return optionalURL(s)
}

func optionalURL(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("must be an absolute URL, e.g. https://tracker.example.com")
	}
	return nil
}

func requireText(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

func init() {
	initCmd.Flags().Bool("force", false, "overwrite an existing config")
	rootCmd.AddCommand(initCmd)
}
