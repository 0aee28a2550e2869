package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jamesainslie/minepref/pkg/daemon"
)

// cycleRing keeps the most recent cycle summaries seen in the status file.
type cycleRing struct {
	entries    []daemon.CycleSummary
	maxEntries int
}

func newCycleRing(maxEntries int) *cycleRing {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &cycleRing{
		entries:    make([]daemon.CycleSummary, 0, maxEntries),
		maxEntries: maxEntries,
	}
}

// Add appends c unless it is the cycle already at the head, evicting the
// oldest entry at capacity. It reports whether c was added.
func (r *cycleRing) Add(c daemon.CycleSummary) bool {
	if n := len(r.entries); n > 0 && r.entries[n-1].ID == c.ID {
		return false
	}
	if len(r.entries) >= r.maxEntries {
		r.entries = r.entries[1:]
	}
	r.entries = append(r.entries, c)
	return true
}

// Newest returns the entries newest first.
func (r *cycleRing) Newest() []daemon.CycleSummary {
	out := make([]daemon.CycleSummary, len(r.entries))
	for i, c := range r.entries {
		out[len(r.entries)-1-i] = c
	}
	return out
}

func (r *cycleRing) Len() int {
	return len(r.entries)
}

// clampScroll keeps offset within [0, total-visible].
func clampScroll(offset, total, visible int) int {
	if total <= visible || offset < 0 {
		return 0
	}
	if maxOffset := total - visible; offset > maxOffset {
		return maxOffset
	}
	return offset
}

func outcomeStyle(o daemon.Outcome) lipgloss.Style {
	switch o {
	case daemon.OutcomeApplied:
		return successTextStyle
	case daemon.OutcomeSuppressed, daemon.OutcomeCanceled:
		return mutedTextStyle
	default:
		return errorTextStyle
	}
}

// renderCycles renders the recent cycles pane.
func renderCycles(ring *cycleRing, offset, width, height int) string {
	if height < 3 {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(" Recent cycles "))
	b.WriteString(mutedTextStyle.Render(fmt.Sprintf("(%d)", ring.Len())))
	b.WriteString("\n")
	b.WriteString(renderDivider(width))
	b.WriteString("\n")

	rows := height - 2
	entries := ring.Newest()
	offset = clampScroll(offset, len(entries), rows)
	end := min(offset+rows, len(entries))
	for _, c := range entries[offset:end] {
		b.WriteString(renderCycle(c, width))
		b.WriteString("\n")
	}
	return b.String()
}

// renderCycle renders one cycle as "HH:MM:SS outcome change candidate".
func renderCycle(c daemon.CycleSummary, width int) string {
	detail := c.Candidate.String()
	if c.Error != "" {
		detail = c.Error
	}
	prefixWidth := 8 + 1 + 14 + 1 + 7 + 1
	if msgWidth := max(width-prefixWidth, 10); len(detail) > msgWidth {
		detail = detail[:msgWidth-3] + "..."
	}

	return fmt.Sprintf("%s %s %s %s",
		mutedTextStyle.Render(c.Finished.Local().Format("15:04:05")),
		outcomeStyle(c.Outcome).Render(fmt.Sprintf("%-14s", c.Outcome)),
		fmt.Sprintf("%6.2f%%", c.Decision.Percent()),
		detail)
}
