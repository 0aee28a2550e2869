package output

import (
	"bytes"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// yamlOutput represents the full YAML output structure.
type yamlOutput struct {
	Daemon    *yamlDaemon      `yaml:"daemon,omitempty"`
	Applied   *yamlApplied     `yaml:"applied,omitempty"`
	LastCycle *yamlCycle       `yaml:"last_cycle,omitempty"`
	Journal   []yamlApplied    `yaml:"journal,omitempty"`
	History   []yamlHistory    `yaml:"history,omitempty"`
	Cycles    map[string]int64 `yaml:"cycles,omitempty"`
	Warnings  []string         `yaml:"warnings,omitempty"`
}

type yamlDaemon struct {
	Status              string            `yaml:"status"`
	Running             bool              `yaml:"running"`
	Health              string            `yaml:"health,omitempty"`
	PID                 int               `yaml:"pid,omitempty"`
	Error               string            `yaml:"error,omitempty"`
	StartedAt           time.Time         `yaml:"started_at,omitempty"`
	Node                string            `yaml:"node,omitempty"`
	Policy              string            `yaml:"policy,omitempty"`
	ThresholdPercent    float64           `yaml:"threshold_percent"`
	Coinbase            map[string]string `yaml:"coinbase,omitempty"`
	ConsecutiveFailures int64             `yaml:"consecutive_failures"`
}

type yamlApplied struct {
	Weights   map[string]float64 `yaml:"weights"`
	AppliedAt time.Time          `yaml:"applied_at"`
}

type yamlCycle struct {
	ID        string             `yaml:"id"`
	Finished  time.Time          `yaml:"finished"`
	Duration  string             `yaml:"duration"`
	Outcome   string             `yaml:"outcome"`
	Reason    string             `yaml:"reason,omitempty"`
	Change    string             `yaml:"change"`
	Candidate map[string]float64 `yaml:"candidate,omitempty"`
	Error     string             `yaml:"error,omitempty"`
}

type yamlHistory struct {
	ID         string             `yaml:"id"`
	Timestamp  time.Time          `yaml:"timestamp"`
	Kind       string             `yaml:"kind"`
	Change     string             `yaml:"change"`
	Preference map[string]float64 `yaml:"preference"`
	Method     string             `yaml:"method,omitempty"`
}

// YAMLFormatter formats output as YAML.
type YAMLFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *YAMLFormatter) Format(w *bytes.Buffer, r *Result) error {
	output := f.buildOutput(r)

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(output); err != nil {
		return err
	}
	return encoder.Close()
}

// buildOutput converts Result to the YAML output structure.
func (f *YAMLFormatter) buildOutput(r *Result) yamlOutput {
	var out yamlOutput

	if s := r.Status; s != nil {
		out.Daemon = &yamlDaemon{
			Status:              s.Status,
			Running:             r.Running,
			Health:              r.Health,
			PID:                 s.PID,
			Error:               s.Error,
			StartedAt:           s.StartedAt,
			Node:                s.Node,
			Policy:              s.Policy,
			ThresholdPercent:    s.ThresholdPercent,
			Coinbase:            s.Coinbase,
			ConsecutiveFailures: s.ConsecutiveFailures,
		}
		if c := s.LastCycle; c != nil {
			out.LastCycle = &yamlCycle{
				ID:        c.ID,
				Finished:  c.Finished,
				Duration:  c.Duration.String(),
				Outcome:   string(c.Outcome),
				Reason:    string(c.Decision.Reason),
				Change:    ppmPercent(c.Decision.Magnitude),
				Candidate: weights(c.Candidate),
				Error:     c.Error,
			}
		}
		if len(s.Cycles) > 0 {
			out.Cycles = make(map[string]int64, len(s.Cycles))
			for o, n := range s.Cycles {
				out.Cycles[string(o)] = n
			}
		}
	} else if r.Running || r.Health != "" {
		out.Daemon = &yamlDaemon{Running: r.Running, Health: r.Health}
	}

	if applied := r.CurrentPreference(); applied != nil {
		out.Applied = &yamlApplied{Weights: weights(applied.Preference), AppliedAt: applied.AppliedAt}
	}
	for _, s := range r.Journal {
		out.Journal = append(out.Journal, yamlApplied{Weights: weights(s.Preference), AppliedAt: s.AppliedAt})
	}
	for _, e := range r.History {
		out.History = append(out.History, yamlHistory{
			ID:         e.ID,
			Timestamp:  e.Timestamp,
			Kind:       string(e.Kind),
			Change:     ppmPercent(e.Magnitude),
			Preference: weights(e.Preference),
			Method:     e.Method,
		})
	}
	out.Warnings = r.Warnings

	return out
}

func weights(p preference.Preference) map[string]float64 {
	if len(p) == 0 {
		return nil
	}
	m := make(map[string]float64, len(p))
	for id, w := range p {
		m[string(id)] = w
	}
	return m
}

func init() {
	Register("yaml", func() Formatter {
		return &YAMLFormatter{}
	})
}

// Ensure YAMLFormatter implements Formatter.
var _ Formatter = (*YAMLFormatter)(nil)
