package cmd

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/term"
)

// styles renders command output. The zero value prints plain text.
type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	good  lipgloss.Style
	warn  lipgloss.Style
	dim   lipgloss.Style
}

// stylesFor colors output only when w is a terminal.
func stylesFor(w io.Writer) styles {
	if !isTerminal(w) {
		return styles{}
	}
	return styles{
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 2),
		label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Bold(true),
		good: lipgloss.NewStyle().Foreground(lipgloss.Color("82")),
		warn: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		dim:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}
