// Package ui renders styled terminal output for the CLI.
//
// Styling degrades to plain text when stdout is not a terminal, when the
// terminal reports no color support, or when NO_COLOR is set, so command
// output stays pipe- and script-safe.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("14"))
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

var colored = detectColor()

// detectColor reports whether stdout can take ANSI color.
func detectColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.EnvColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !colored {
		return s
	}
	return style.Render(s)
}

// RenderAccent highlights informational markers.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass marks success.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn marks conditions worth a second look.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderErr marks failures.
func RenderErr(s string) string { return render(errStyle, s) }

// RenderDim de-emphasizes secondary detail.
func RenderDim(s string) string { return render(dimStyle, s) }

// RenderBold emphasizes headings.
func RenderBold(s string) string { return render(boldStyle, s) }
