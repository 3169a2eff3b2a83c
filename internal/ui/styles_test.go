package ui

import (
	"os"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

func TestShouldUseColor(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	if ShouldUseColor() {
		t.Error("NO_COLOR must disable colour")
	}

	os.Unsetenv("NO_COLOR")
	t.Setenv("CLICOLOR_FORCE", "1")
	if !ShouldUseColor() {
		t.Error("CLICOLOR_FORCE must enable colour")
	}
}

func TestRenderPlainWithoutColor(t *testing.T) {
	prev := lipgloss.ColorProfile()
	lipgloss.SetColorProfile(termenv.Ascii)
	defer lipgloss.SetColorProfile(prev)

	for name, fn := range map[string]func(string) string{
		"pass":   RenderPass,
		"warn":   RenderWarn,
		"accent": RenderAccent,
		"muted":  RenderMuted,
	} {
		if got := fn("ok"); got != "ok" {
			t.Errorf("%s: got %q, want plain text", name, got)
		}
	}
}

func TestKeyValues(t *testing.T) {
	prev := lipgloss.ColorProfile()
	lipgloss.SetColorProfile(termenv.Ascii)
	defer lipgloss.SetColorProfile(prev)

	got := KeyValues([][2]string{{"records", "3"}, {"conflicts", "1"}})
	want := "  records:   3\n  conflicts: 1\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
