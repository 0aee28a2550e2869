// Package preference defines the mining preference domain types shared by the
// sampler, the calculator policies, the hysteresis gate and the applier.
//
// A Preference is a weight vector over mining slices. Weights are compared at
// parts-per-million resolution so that threshold decisions are exact.
package preference

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Scale is the fixed-point resolution of a weight (parts per million).
const Scale int64 = 1_000_000

// SliceID identifies a mining target, e.g. "qi", "quai" or a zone such as "0-0".
type SliceID string

// Errors returned by Validate and Normalize.
var (
	ErrEmpty         = errors.New("preference has no slices")
	ErrNegativeScore = errors.New("negative score")
	ErrOutOfRange    = errors.New("weight out of range")
	ErrNotNormalized = errors.New("weights do not sum to 1")
	ErrUnknownSlice  = errors.New("unknown slice")
)

// Preference maps each slice to its weight. Weights lie in [0, 1] and sum to 1.
type Preference map[SliceID]float64

// AppliedState is the durable record of what the node was last told.
type AppliedState struct {
	Preference Preference `json:"preference"`
	AppliedAt  time.Time  `json:"applied_at"`
}

// Clone returns a deep copy of the state.
func (s *AppliedState) Clone() *AppliedState {
	if s == nil {
		return nil
	}
	return &AppliedState{Preference: s.Preference.Clone(), AppliedAt: s.AppliedAt}
}

// PPM converts a weight to parts per million, rounding to nearest.
func PPM(w float64) int64 {
	return int64(math.Round(w * float64(Scale)))
}

// Normalize turns non-negative scores into a Preference. When every score is
// zero the weight is split evenly. Rounding residue goes to the largest weight
// so the result sums to exactly Scale parts per million.
func Normalize(scores map[SliceID]float64) (Preference, error) {
	if len(scores) == 0 {
		return nil, ErrEmpty
	}

	ids := sortedIDs(scores)
	var total float64
	for _, id := range ids {
		s := scores[id]
		if s < 0 || math.IsNaN(s) || math.IsInf(s, 0) {
			return nil, fmt.Errorf("%w: %s=%v", ErrNegativeScore, id, s)
		}
		total += s
	}

	ppm := make(map[SliceID]int64, len(ids))
	var sum int64
	for _, id := range ids {
		var w float64
		if total == 0 {
			w = 1 / float64(len(ids))
		} else {
			w = scores[id] / total
		}
		ppm[id] = PPM(w)
		sum += ppm[id]
	}

	// Residue from rounding, at most a few ppm.
	if residue := Scale - sum; residue != 0 {
		top := ids[0]
		for _, id := range ids[1:] {
			if ppm[id] > ppm[top] {
				top = id
			}
		}
		ppm[top] += residue
	}

	p := make(Preference, len(ids))
	for id, v := range ppm {
		p[id] = float64(v) / float64(Scale)
	}
	return p, nil
}

// OneHot returns a preference assigning the full weight to id.
func OneHot(id SliceID) Preference {
	return Preference{id: 1}
}

// Validate checks the normalization invariant. When known is non-nil every
// slice in the preference must be present in it.
func (p Preference) Validate(known func(SliceID) bool) error {
	if len(p) == 0 {
		return ErrEmpty
	}
	var sum int64
	for id, w := range p {
		if w < 0 || w > 1 || math.IsNaN(w) {
			return fmt.Errorf("%w: %s=%v", ErrOutOfRange, id, w)
		}
		if known != nil && !known(id) {
			return fmt.Errorf("%w: %s", ErrUnknownSlice, id)
		}
		sum += PPM(w)
	}
	// Each weight may carry half a ppm of rounding error.
	if tolerance := int64(len(p)); sum < Scale-tolerance || sum > Scale+tolerance {
		return fmt.Errorf("%w: sum=%d ppm", ErrNotNormalized, sum)
	}
	return nil
}

// Slices returns the slice IDs in lexical order.
func (p Preference) Slices() []SliceID {
	return sortedIDs(p)
}

// Weight returns the weight of id, zero when absent.
func (p Preference) Weight(id SliceID) float64 {
	return p[id]
}

// Dominant returns the slice with the largest weight. Ties resolve to the
// lexically smallest SliceID.
func (p Preference) Dominant() (SliceID, float64) {
	var (
		best  SliceID
		bestW = -1.0
	)
	for _, id := range p.Slices() {
		if w := p[id]; w > bestW {
			best, bestW = id, w
		}
	}
	return best, bestW
}

// Distance is the sum of absolute per-slice weight differences over the union
// of both slice sets, in parts per million.
func Distance(a, b Preference) int64 {
	var d int64
	for id, w := range a {
		d += abs(PPM(w) - PPM(b[id]))
	}
	for id, w := range b {
		if _, ok := a[id]; !ok {
			d += abs(PPM(w))
		}
	}
	return d
}

// Equal reports whether both preferences are identical at ppm resolution.
func (p Preference) Equal(other Preference) bool {
	return Distance(p, other) == 0
}

// Clone returns a copy of the preference.
func (p Preference) Clone() Preference {
	if p == nil {
		return nil
	}
	out := make(Preference, len(p))
	for id, w := range p {
		out[id] = w
	}
	return out
}

// String renders the preference as "a=60.00% b=40.00%".
func (p Preference) String() string {
	parts := make([]string, 0, len(p))
	for _, id := range p.Slices() {
		parts = append(parts, fmt.Sprintf("%s=%.2f%%", id, p[id]*100))
	}
	return strings.Join(parts, " ")
}

func sortedIDs[V any](m map[SliceID]V) []SliceID {
	ids := make([]SliceID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
