// Package history keeps a browsable record of preference changes pushed to the node.
package history

import (
	"time"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// Kind describes what happened to the node.
type Kind string

const (
	// KindApplied means the set call was issued and succeeded.
	KindApplied Kind = "applied"
	// KindConfirmed means the node already reported the preference; no set call was made.
	KindConfirmed Kind = "confirmed"
)

// Entry represents a single history entry.
type Entry struct {
	ID         string                `json:"id"`
	Timestamp  time.Time             `json:"timestamp"`
	Kind       Kind                  `json:"kind"`
	CycleID    string                `json:"cycle_id,omitempty"`
	Preference preference.Preference `json:"preference"`
	Previous   preference.Preference `json:"previous,omitempty"`
	Magnitude  int64                 `json:"magnitude_ppm"` // L1 distance from Previous
	Reason     string                `json:"reason,omitempty"`
	Method     string                `json:"method"`
	Params     []any                 `json:"params"`
}
