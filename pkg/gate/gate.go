// Package gate implements the hysteresis gate that suppresses preference
// changes too small to be worth a node reconfiguration.
package gate

import (
	"fmt"
	"math"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// Reason explains a gate decision.
type Reason string

const (
	ReasonFirstRun        Reason = "first-run"
	ReasonAboveThreshold  Reason = "above-threshold"
	ReasonWithinThreshold Reason = "within-threshold"
	// ReasonTopology is an applied change whose slice set differs from the
	// applied one. Slices that appear or disappear count with their full weight.
	ReasonTopology Reason = "topology"
)

// Decision is the outcome of comparing a candidate against the applied state.
type Decision struct {
	Apply bool `json:"apply"`
	// Magnitude is the L1 distance in parts per million.
	Magnitude int64  `json:"magnitude_ppm"`
	Reason    Reason `json:"reason"`
}

// Percent returns Magnitude as a percentage.
func (d Decision) Percent() float64 {
	return float64(d.Magnitude) * 100 / float64(preference.Scale)
}

// Gate compares candidate preferences with the last applied one.
type Gate struct {
	threshold int64
}

// New creates a gate that applies only changes strictly greater than
// thresholdPercent (1.0 means 1%).
func New(thresholdPercent float64) (*Gate, error) {
	if thresholdPercent < 0 || thresholdPercent > 200 || math.IsNaN(thresholdPercent) {
		return nil, fmt.Errorf("threshold %v%% out of range [0, 200]", thresholdPercent)
	}
	return &Gate{
		threshold: int64(math.Round(thresholdPercent * float64(preference.Scale) / 100)),
	}, nil
}

// Threshold returns the configured threshold in parts per million.
func (g *Gate) Threshold() int64 {
	return g.threshold
}

// Decide reports whether candidate should be applied given the applied state.
func (g *Gate) Decide(candidate preference.Preference, applied *preference.AppliedState) Decision {
	if applied == nil || applied.Preference == nil {
		return Decision{
			Apply:     true,
			Magnitude: preference.Distance(candidate, nil),
			Reason:    ReasonFirstRun,
		}
	}

	mag := preference.Distance(candidate, applied.Preference)
	if mag > g.threshold {
		reason := ReasonAboveThreshold
		if !sameSlices(candidate, applied.Preference) {
			reason = ReasonTopology
		}
		return Decision{Apply: true, Magnitude: mag, Reason: reason}
	}
	return Decision{Apply: false, Magnitude: mag, Reason: ReasonWithinThreshold}
}

// ShouldApply is the boolean form of Decide.
func (g *Gate) ShouldApply(candidate preference.Preference, applied *preference.AppliedState) bool {
	return g.Decide(candidate, applied).Apply
}

func sameSlices(a, b preference.Preference) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
