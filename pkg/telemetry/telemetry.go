// Package telemetry samples network conditions from the node and turns them
// into per-slice readings for the preference calculator.
package telemetry

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

var (
	// ErrNoSlices is returned when no slice produced a usable reading.
	ErrNoSlices = errors.New("no slices available")

	// ErrMalformed is returned when a block or head lacks required fields.
	ErrMalformed = errors.New("malformed telemetry")
)

// Reading is the observation for one slice. Reward is the expected reward in
// wei for mining the slice; Heads counts subscription heads folded in.
type Reading struct {
	Number     uint64   `json:"number"`
	Difficulty *big.Int `json:"difficulty"`
	Reward     *big.Int `json:"reward"`
	Heads      int      `json:"heads"`
}

// Metrics is an immutable snapshot of one sampling pass. The key set of
// Slices is the current topology.
type Metrics struct {
	CapturedAt time.Time                      `json:"captured_at"`
	Slices     map[preference.SliceID]Reading `json:"slices"`
	Heads      int                            `json:"heads"`
	Dropped    int                            `json:"dropped"`
	Gap        bool                           `json:"gap"`
}

// SliceIDs returns the topology in lexical order.
func (m Metrics) SliceIDs() []preference.SliceID {
	p := make(preference.Preference, len(m.Slices))
	for id := range m.Slices {
		p[id] = 0
	}
	return p.Slices()
}

// Has reports whether id is part of the topology.
func (m Metrics) Has(id preference.SliceID) bool {
	_, ok := m.Slices[id]
	return ok
}

// SampleError means a cycle could not observe the network.
type SampleError struct {
	Slice preference.SliceID
	Err   error
}

func (e *SampleError) Error() string {
	if e.Slice == "" {
		return fmt.Sprintf("sample: %v", e.Err)
	}
	return fmt.Sprintf("sample %s: %v", e.Slice, e.Err)
}

func (e *SampleError) Unwrap() error { return e.Err }

func cloneReading(r Reading) Reading {
	out := r
	if r.Difficulty != nil {
		out.Difficulty = new(big.Int).Set(r.Difficulty)
	}
	if r.Reward != nil {
		out.Reward = new(big.Int).Set(r.Reward)
	}
	return out
}
