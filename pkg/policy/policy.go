// Package policy computes candidate preferences from telemetry. Policies are
// deterministic and side-effect free; they only see slices present in the
// metrics they are given.
package policy

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/telemetry"
)

// ErrNoSlices is returned for metrics with an empty topology.
var ErrNoSlices = errors.New("metrics contain no slices")

// ErrUnknownPolicy is returned by New for unregistered names.
var ErrUnknownPolicy = errors.New("unknown policy")

// Calculator computes a candidate preference.
type Calculator interface {
	Compute(m telemetry.Metrics, applied *preference.AppliedState) (preference.Preference, error)
}

// CalculatorFunc adapts a function to Calculator.
type CalculatorFunc func(telemetry.Metrics, *preference.AppliedState) (preference.Preference, error)

func (f CalculatorFunc) Compute(m telemetry.Metrics, applied *preference.AppliedState) (preference.Preference, error) {
	return f(m, applied)
}

// Policy names.
const (
	Proportional      = "proportional"
	InverseDifficulty = "inverse-difficulty"
	Dominant          = "dominant"
)

var registry = map[string]Calculator{
	Proportional:      CalculatorFunc(proportional),
	InverseDifficulty: CalculatorFunc(inverseDifficulty),
	Dominant:          CalculatorFunc(dominant),
}

// New returns the named policy.
func New(name string) (Calculator, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (have %v)", ErrUnknownPolicy, name, Names())
	}
	return c, nil
}

// Names lists registered policies.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// proportional weights each slice by its expected reward. With two lanes
// this is the classic pref = qi / (qi + quai).
func proportional(m telemetry.Metrics, _ *preference.AppliedState) (preference.Preference, error) {
	return weigh(m, func(r telemetry.Reading) *big.Rat {
		if r.Reward == nil || r.Reward.Sign() <= 0 {
			return new(big.Rat)
		}
		return new(big.Rat).SetInt(r.Reward)
	})
}

// inverseDifficulty favours the easiest slice. Unknown or zero difficulty
// scores zero.
func inverseDifficulty(m telemetry.Metrics, _ *preference.AppliedState) (preference.Preference, error) {
	return weigh(m, func(r telemetry.Reading) *big.Rat {
		if r.Difficulty == nil || r.Difficulty.Sign() <= 0 {
			return new(big.Rat)
		}
		return new(big.Rat).SetFrac(big.NewInt(1), r.Difficulty)
	})
}

// dominant puts the whole weight on the highest-reward slice. Ties keep the
// previously dominant slice when it is still present, else the lowest ID.
func dominant(m telemetry.Metrics, applied *preference.AppliedState) (preference.Preference, error) {
	ids := m.SliceIDs()
	if len(ids) == 0 {
		return nil, ErrNoSlices
	}

	var prev preference.SliceID
	if applied != nil && len(applied.Preference) > 0 {
		prev, _ = applied.Preference.Dominant()
	}

	best := ids[0]
	for _, id := range ids[1:] {
		if reward(m.Slices[id]).Cmp(reward(m.Slices[best])) > 0 {
			best = id
		}
	}
	if prev != best && m.Has(prev) && reward(m.Slices[prev]).Cmp(reward(m.Slices[best])) == 0 {
		best = prev
	}
	return preference.OneHot(best), nil
}

func reward(r telemetry.Reading) *big.Int {
	if r.Reward == nil {
		return new(big.Int)
	}
	return r.Reward
}

// weigh normalizes exact rational scores to ppm weights. Scores are reduced
// to ratios of the total before conversion so huge wei values keep precision.
func weigh(m telemetry.Metrics, score func(telemetry.Reading) *big.Rat) (preference.Preference, error) {
	ids := m.SliceIDs()
	if len(ids) == 0 {
		return nil, ErrNoSlices
	}

	scores := make(map[preference.SliceID]*big.Rat, len(ids))
	total := new(big.Rat)
	for _, id := range ids {
		s := score(m.Slices[id])
		scores[id] = s
		total.Add(total, s)
	}

	ratios := make(map[preference.SliceID]float64, len(ids))
	for _, id := range ids {
		if total.Sign() == 0 {
			ratios[id] = 0
			continue
		}
		f, _ := new(big.Rat).Quo(scores[id], total).Float64()
		ratios[id] = f
	}

	return preference.Normalize(ratios)
}
