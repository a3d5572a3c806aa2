// Package ui renders psync terminal output.
//
// Colors adapt to light and dark terminals and are dropped automatically
// when output is not a terminal.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/iraspa/projectsync/internal/tree"
)

// Semantic colors.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#0969DA", Dark: "#58A6FF"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#1A7F37", Dark: "#3FB950"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#9A6700", Dark: "#D29922"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#CF222E", Dark: "#F85149"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6E7781", Dark: "#8B949E"}
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
)

// RenderAccent renders headings and highlighted names.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass renders success messages.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders errors.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderMuted renders secondary details.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// DefaultWidth is used when the terminal size is unknown.
const DefaultWidth = 80

// IsTerminal reports whether f is a terminal.
func IsTerminal(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

// Width returns the column count of the terminal behind f, or DefaultWidth.
func Width(f *os.File) int {
	if !IsTerminal(f) {
		return DefaultWidth
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return DefaultWidth
	}
	return w
}

// ProgressBar renders fraction, clamped to [0,1], as a bar of width cells
// followed by a percentage.
func ProgressBar(fraction float64, width int) string {
	fraction = max(0, min(1, fraction))
	if width < 1 {
		width = 1
	}
	filled := int(fraction * float64(width))
	bar := passStyle.Render(strings.Repeat("█", filled)) + mutedStyle.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, fraction*100)
}

// TreeOptions controls RenderTree.
type TreeOptions struct {
	// Width truncates every line. Zero means no limit.
	Width int

	// HighlightMatches renders nodes that satisfied the filter in the
	// accent style.
	HighlightMatches bool

	// ShowOwner appends the owner of each node.
	ShowOwner bool
}

// RenderTree renders the visible nodes of p, one per line, indented by
// depth. Groups are marked by whether they have been expanded; leaves show
// their load state.
func RenderTree(p *tree.Projection, opts TreeOptions) string {
	var b strings.Builder
	line := lipgloss.NewStyle()
	if opts.Width > 0 {
		line = line.MaxWidth(opts.Width)
	}
	p.Walk(func(n *tree.Node, depth int) {
		var row strings.Builder
		row.WriteString(strings.Repeat("  ", depth))
		row.WriteString(marker(n))
		row.WriteString(" ")

		name := n.DisplayName
		if opts.HighlightMatches && p.Matched(n) {
			name = RenderAccent(name)
		}
		row.WriteString(name)

		if badge := stateBadge(n); badge != "" {
			row.WriteString(" ")
			row.WriteString(badge)
		}
		if opts.ShowOwner && n.Owner != "" {
			row.WriteString(" ")
			row.WriteString(RenderMuted("(" + n.Owner + ")"))
		}
		b.WriteString(line.Render(row.String()))
		b.WriteString("\n")
	})
	return b.String()
}

func marker(n *tree.Node) string {
	switch {
	case !n.IsGroup():
		return "•"
	case n.Expanded || n.ChildCount() > 0:
		return "▾"
	default:
		return "▸"
	}
}

func stateBadge(n *tree.Node) string {
	if n.IsGroup() {
		return ""
	}
	p := n.Payload()
	switch p.State {
	case tree.Loaded:
		return RenderPass("✓")
	case tree.Loading:
		return RenderWarn("…")
	case tree.Failed:
		if p.Err != nil {
			return RenderFail("✗ " + p.Err.Error())
		}
		return RenderFail("✗")
	}
	if n.RecordID() != "" {
		return RenderMuted("☁")
	}
	return ""
}
