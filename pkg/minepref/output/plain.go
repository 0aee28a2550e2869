package output

import (
	"bytes"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/jamesainslie/minepref/pkg/daemon"
)

// PlainFormatter writes tab-aligned key/value lines and tables.
// No colors or styling are applied.
type PlainFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *PlainFormatter) Format(w *bytes.Buffer, r *Result) error {
	tw := tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)

	if s := r.Status; s != nil {
		fmt.Fprintf(tw, "status\t%s\n", s.Status)
		fmt.Fprintf(tw, "running\t%t\n", r.Running)
		if r.Health != "" {
			fmt.Fprintf(tw, "health\t%s\n", r.Health)
		}
		if s.PID != 0 {
			fmt.Fprintf(tw, "pid\t%d\n", s.PID)
		}
		if s.Error != "" {
			fmt.Fprintf(tw, "error\t%s\n", s.Error)
		}
		if s.Node != "" {
			fmt.Fprintf(tw, "node\t%s\n", s.Node)
		}
		if s.Policy != "" {
			fmt.Fprintf(tw, "policy\t%s\n", s.Policy)
			fmt.Fprintf(tw, "threshold\t%.2f%%\n", s.ThresholdPercent)
		}
		if c := s.LastCycle; c != nil {
			fmt.Fprintf(tw, "last_cycle\t%s %s %s\n", c.Outcome, ppmPercent(c.Decision.Magnitude), c.Finished.Format(time.RFC3339))
		}
		outcomes := make([]string, 0, len(s.Cycles))
		for o := range s.Cycles {
			outcomes = append(outcomes, string(o))
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			fmt.Fprintf(tw, "cycles.%s\t%d\n", o, s.Cycles[daemon.Outcome(o)])
		}
	} else if r.Running || r.Health != "" {
		fmt.Fprintf(tw, "running\t%t\n", r.Running)
		if r.Health != "" {
			fmt.Fprintf(tw, "health\t%s\n", r.Health)
		}
	}

	if applied := r.CurrentPreference(); applied != nil {
		fmt.Fprintf(tw, "applied_at\t%s\n", applied.AppliedAt.Format(time.RFC3339))
		for _, id := range applied.Preference.Slices() {
			fmt.Fprintf(tw, "weight.%s\t%.6f\n", id, applied.Preference[id])
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(r.Journal) > 0 {
		tw = tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
		fmt.Fprint(tw, "APPLIED_AT\tPREFERENCE\n")
		for _, s := range r.Journal {
			fmt.Fprintf(tw, "%s\t%s\n", s.AppliedAt.Format(time.RFC3339), s.Preference)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(r.History) > 0 {
		tw = tabwriter.NewWriter(w, 0, 0, 1, ' ', 0)
		fmt.Fprint(tw, "ID\tTIME\tKIND\tCHANGE\tPREFERENCE\n")
		for _, e := range r.History {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.Timestamp.Format(time.RFC3339), e.Kind, ppmPercent(e.Magnitude), e.Preference)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return nil
}

func init() {
	Register("plain", func() Formatter {
		return &PlainFormatter{}
	})
}

// Ensure PlainFormatter implements Formatter.
var _ Formatter = (*PlainFormatter)(nil)
