package output

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// jsonOutput is the Result plus the fields callers usually want first.
type jsonOutput struct {
	*Result
	Current     *preference.AppliedState `json:"current,omitempty"`
	GeneratedAt time.Time                `json:"generated_at"`
}

// JSONFormatter formats output as a single indented JSON object.
type JSONFormatter struct{}

// Format writes the formatted output to the buffer.
func (f *JSONFormatter) Format(w *bytes.Buffer, r *Result) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(jsonOutput{
		Result:      r,
		Current:     r.CurrentPreference(),
		GeneratedAt: r.now().UTC(),
	})
}

func init() {
	Register("json", func() Formatter {
		return &JSONFormatter{}
	})
}

// Ensure JSONFormatter implements Formatter.
var _ Formatter = (*JSONFormatter)(nil)
