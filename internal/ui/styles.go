// Package ui renders CLI output. Colour is dropped when stdout is not a
// terminal or NO_COLOR is set.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#86C166"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B26B00", Dark: "#E6B450"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#F07178"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#59C2FF"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#757575", Dark: "#8A9199"}
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

func init() {
	if !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// ShouldUseColor follows NO_COLOR and CLICOLOR_FORCE, then falls back to
// whether stdout is a terminal.
func ShouldUseColor() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if v := os.Getenv("CLICOLOR_FORCE"); v != "" && v != "0" {
		return true
	}
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// KeyValues renders aligned "key: value" lines with muted keys.
func KeyValues(pairs [][2]string) string {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	var b strings.Builder
	for _, p := range pairs {
		key := fmt.Sprintf("%-*s", width+1, p[0]+":")
		fmt.Fprintf(&b, "  %s %s\n", RenderMuted(key), p[1])
	}
	return b.String()
}
