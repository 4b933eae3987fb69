package logger

import (
	"github.com/charmbracelet/lipgloss"
)

// User-facing styles for the interactive prompt. These live here rather
// than in main so both the prompt loop and log output share one palette.
var (
	StyleBanner  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7E9CD8"))
	StylePrompt  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#76946A"))
	StyleBlocked = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#C34043"))
	StyleWarned  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#DCA561"))
	StyleMuted   = lipgloss.NewStyle().Faint(true)
)

// Render applies a style only when colored output is enabled.
func Render(style lipgloss.Style, s string) string {
	if !Colored() {
		return s
	}
	return style.Render(s)
}
