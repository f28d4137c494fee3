// Package ui renders CLI output with lipgloss, degrading to plain text when
// stdout is not a terminal or NO_COLOR is set.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Adaptive colors pick a shade for light and dark terminals.
var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
)

var (
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	BoldStyle   = lipgloss.NewStyle().Bold(true)
)

// Status icons
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
	IconDot  = "●"
)

func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderBold(s string) string   { return BoldStyle.Render(s) }

// RenderDirty renders a dirty-record count, warning when non-zero.
func RenderDirty(n int) string {
	if n == 0 {
		return RenderPass(IconPass + " clean")
	}
	return RenderWarn(fmt.Sprintf("%s %d unsaved", IconDot, n))
}

// RenderSpan renders an event's time span compactly. Same-day spans print
// the date once.
func RenderSpan(start, end time.Time) string {
	if start.IsZero() {
		return RenderMuted("(no time)")
	}
	if end.IsZero() || end.Equal(start) {
		return start.Format("Mon Jan 2 15:04")
	}
	if sameDay(start, end) {
		return start.Format("Mon Jan 2 15:04") + "–" + end.Format("15:04")
	}
	return start.Format("Mon Jan 2 15:04") + " – " + end.Format("Mon Jan 2 15:04")
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// Table renders rows as left-aligned columns separated by two spaces. The
// header row is bold.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, bold bool) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			pad := widths[i] - lipgloss.Width(cell)
			if bold {
				cell = RenderBold(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", pad+2))
			}
		}
		b.WriteString("\n")
	}

	writeRow(header, true)
	for _, row := range rows {
		writeRow(row, false)
	}
	return b.String()
}
