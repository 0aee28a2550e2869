package output

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/jamesainslie/minepref/pkg/daemon"
	"github.com/jamesainslie/minepref/pkg/minepref/history"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

const barWidth = 24

// PrettyFormatter renders boxes, weight bars and colored outcomes for a terminal.
type PrettyFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PrettyFormatter) Format(w *bytes.Buffer, r *Result) error {
	now := r.now()

	if r.Status != nil || r.Health != "" || len(r.History) == 0 && len(r.Journal) == 0 {
		w.WriteString(f.formatHeader(r, now))
		w.WriteString("\n")
	}

	if applied := r.CurrentPreference(); applied != nil {
		w.WriteString(TitleStyle.Render("Applied preference"))
		w.WriteString(MutedStyle.Render("  " + relTime(applied.AppliedAt, now)))
		w.WriteString("\n")
		w.WriteString(f.formatWeights(applied.Preference))
	}

	if r.Status != nil && r.Status.LastCycle != nil {
		w.WriteString("\n")
		w.WriteString(f.formatCycle(r.Status.LastCycle, now))
	}

	if len(r.Journal) > 0 {
		w.WriteString("\n")
		w.WriteString(f.formatJournal(r.Journal, now))
	}

	if len(r.History) > 0 {
		w.WriteString("\n")
		w.WriteString(f.formatHistory(r.History, now))
	}

	if r.Status != nil && len(r.Status.Cycles) > 0 {
		w.WriteString(f.formatFooter(r.Status))
		w.WriteString("\n")
	}

	if len(r.Warnings) > 0 {
		w.WriteString("\n")
		w.WriteString(f.formatWarnings(r.Warnings))
	}

	return nil
}

// formatHeader builds the header box with the daemon summary.
func (f *PrettyFormatter) formatHeader(r *Result, now time.Time) string {
	var lines []string

	s := r.Status
	if s == nil {
		state := "not running"
		if r.Running {
			state = "running (no status file)"
		}
		lines = append(lines, LabelStyle.Render("Daemon:")+" "+MutedStyle.Render(state))
		if r.Health != "" {
			lines = append(lines, LabelStyle.Render("Health:")+" "+outcomeStyle(r.Health).Render(r.Health))
		}
		return HeaderBox.Render(strings.Join(lines, "\n"))
	}

	status := s.Status
	if s.Status == daemon.StatusRunning && !r.Running {
		status = "dead (stale status file)"
	}
	parts := []string{
		LabelStyle.Render("Daemon:") + " " + outcomeStyle(s.Status).Render(status),
	}
	if s.PID != 0 {
		parts = append(parts, LabelStyle.Render("PID:")+" "+ValueStyle.Render(fmt.Sprintf("%d", s.PID)))
	}
	if !s.StartedAt.IsZero() {
		parts = append(parts, LabelStyle.Render("Up:")+" "+ValueStyle.Render(humanize.RelTime(s.StartedAt, now, "", "")))
	}
	if r.Health != "" {
		parts = append(parts, LabelStyle.Render("Health:")+" "+outcomeStyle(r.Health).Render(r.Health))
	}
	lines = append(lines, strings.Join(parts, "  "))

	if s.Error != "" {
		lines = append(lines, ErrorStyle.Render("Error: "+s.Error))
	}

	if s.Node != "" {
		lines = append(lines, LabelStyle.Render("Node:")+" "+ValueStyle.Render(s.Node))
	}
	if s.Policy != "" {
		lines = append(lines, LabelStyle.Render("Policy:")+" "+ValueStyle.Render(s.Policy)+"  "+
			LabelStyle.Render("Threshold:")+" "+ValueStyle.Render(fmt.Sprintf("%.2f%%", s.ThresholdPercent)))
	}
	if sub := s.Subscription; sub != nil && sub.Enabled {
		state := WarningStyle.Render("disconnected")
		if sub.Connected {
			state = SuccessStyle.Render("connected")
		}
		lines = append(lines, LabelStyle.Render("Heads:")+" "+state+
			MutedStyle.Render(fmt.Sprintf("  %d reconnects", sub.Reconnects)))
	}
	if len(s.Coinbase) > 0 {
		keys := make([]string, 0, len(s.Coinbase))
		for k := range s.Coinbase {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, LabelStyle.Render("Coinbase "+k+":")+" "+MutedStyle.Render(s.Coinbase[k]))
		}
	}
	if s.ConsecutiveFailures > 0 {
		lines = append(lines, WarningStyle.Render(fmt.Sprintf("%d consecutive failed cycles", s.ConsecutiveFailures)))
	}

	return HeaderBox.Render(strings.Join(lines, "\n"))
}

// formatWeights renders one bar per slice.
func (f *PrettyFormatter) formatWeights(p preference.Preference) string {
	var sb strings.Builder

	width := 0
	for _, id := range p.Slices() {
		width = max(width, lipgloss.Width(string(id)))
	}

	for _, id := range p.Slices() {
		wgt := p[id]
		filled := int(math.Round(wgt * barWidth))
		bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
		fmt.Fprintf(&sb, "  %s  %s %s\n",
			ValueStyle.Render(padRight(string(id), width)),
			WeightStyle.Render(bar),
			WeightStyle.Render(padLeft(percent(wgt), 7)))
	}
	return sb.String()
}

// formatCycle summarizes the last cycle.
func (f *PrettyFormatter) formatCycle(c *daemon.CycleSummary, now time.Time) string {
	var sb strings.Builder

	sb.WriteString(TitleStyle.Render("Last cycle"))
	sb.WriteString(MutedStyle.Render(fmt.Sprintf("  %s  %s", shortID(c.ID), relTime(c.Finished, now))))
	sb.WriteString("\n")

	fmt.Fprintf(&sb, "  %s %s", LabelStyle.Render("Outcome:"), outcomeStyle(string(c.Outcome)).Render(string(c.Outcome)))
	if c.Decision.Reason != "" {
		fmt.Fprintf(&sb, "  %s %s (%s)", LabelStyle.Render("Change:"),
			ValueStyle.Render(ppmPercent(c.Decision.Magnitude)), MutedStyle.Render(string(c.Decision.Reason)))
	}
	fmt.Fprintf(&sb, "  %s %s\n", LabelStyle.Render("Took:"), ValueStyle.Render(c.Duration.Round(time.Millisecond).String()))

	if len(c.Candidate) > 0 {
		fmt.Fprintf(&sb, "  %s %s\n", LabelStyle.Render("Candidate:"), ValueStyle.Render(c.Candidate.String()))
	}
	if c.Dropped > 0 || c.Gap {
		fmt.Fprintf(&sb, "  %s\n", WarningStyle.Render(fmt.Sprintf("%d head events dropped", c.Dropped)))
	}
	if c.Error != "" {
		fmt.Fprintf(&sb, "  %s\n", ErrorStyle.Render(c.Error))
	}
	return sb.String()
}

func (f *PrettyFormatter) formatJournal(states []*preference.AppliedState, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(TitleStyle.Render("Journal"))
	sb.WriteString("\n")
	for _, s := range states {
		fmt.Fprintf(&sb, "  %s  %s\n",
			MutedStyle.Render(padRight(relTime(s.AppliedAt, now), 16)),
			ValueStyle.Render(s.Preference.String()))
	}
	return sb.String()
}

// formatHistory renders history entries as a table.
func (f *PrettyFormatter) formatHistory(entries []history.Entry, now time.Time) string {
	var sb strings.Builder

	sb.WriteString(TitleStyle.Render("History"))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "  %s%s%s%s%s\n",
		TableHeaderStyle.Render(padRight("WHEN", 16)),
		TableHeaderStyle.Render(padRight("KIND", 9)),
		TableHeaderStyle.Render(padLeft("CHANGE", 8)),
		TableHeaderStyle.Render(padRight("CYCLE", 8)),
		TableHeaderStyle.Render("PREFERENCE"))

	for _, e := range entries {
		kind := SuccessStyle
		if e.Kind == history.KindConfirmed {
			kind = MutedStyle
		}
		fmt.Fprintf(&sb, "  %s%s%s%s%s\n",
			TableRowStyle.Render(MutedStyle.Render(padRight(relTime(e.Timestamp, now), 16))),
			TableRowStyle.Render(kind.Render(padRight(string(e.Kind), 9))),
			TableRowStyle.Render(WeightStyle.Render(padLeft(ppmPercent(e.Magnitude), 8))),
			TableRowStyle.Render(MutedStyle.Render(padRight(shortID(e.CycleID), 8))),
			ValueStyle.Render(e.Preference.String()))
	}
	return sb.String()
}

// formatFooter builds the footer box with cycle counters.
func (f *PrettyFormatter) formatFooter(s *daemon.StatusFile) string {
	outcomes := make([]string, 0, len(s.Cycles))
	for o := range s.Cycles {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)

	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		n := s.Cycles[daemon.Outcome(o)]
		parts = append(parts, LabelStyle.Render(o+":")+" "+outcomeStyle(o).Render(humanize.Comma(n)))
	}
	return FooterBox.Render(strings.Join(parts, "  "))
}

// formatWarnings builds a warning block.
func (f *PrettyFormatter) formatWarnings(warnings []string) string {
	var sb strings.Builder

	sb.WriteString(WarningStyle.Bold(true).Render("Warnings:"))
	sb.WriteString("\n")
	for _, warning := range warnings {
		sb.WriteString(WarningStyle.Render("  " + warning))
		sb.WriteString("\n")
	}
	return sb.String()
}

func relTime(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

// padLeft pads a string with spaces on the left to achieve the desired width.
func padLeft(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return strings.Repeat(" ", width-n) + s
	}
	return s
}

func padRight(s string, width int) string {
	if n := lipgloss.Width(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}

func init() {
	Register("pretty", func() Formatter {
		return &PrettyFormatter{}
	})
}

// Ensure PrettyFormatter implements Formatter.
var _ Formatter = (*PrettyFormatter)(nil)
