package telemetry

import (
	"math/big"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
)

// smooth records the readings and, when a window is configured, replaces
// difficulty and reward with the mean over the last Window samples. Slices
// that left the topology lose their history.
func (s *Sampler) smooth(slices map[preference.SliceID]Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range s.history {
		if _, ok := slices[id]; !ok {
			delete(s.history, id)
		}
	}

	if s.cfg.Window < 2 {
		return
	}

	for id, r := range slices {
		h := append(s.history[id], cloneReading(r))
		if len(h) > s.cfg.Window {
			h = h[len(h)-s.cfg.Window:]
		}
		s.history[id] = h

		r.Difficulty = mean(h, func(r Reading) *big.Int { return r.Difficulty })
		r.Reward = mean(h, func(r Reading) *big.Int { return r.Reward })
		slices[id] = r
	}
}

func mean(h []Reading, field func(Reading) *big.Int) *big.Int {
	sum := new(big.Int)
	for _, r := range h {
		sum.Add(sum, field(r))
	}
	return sum.Quo(sum, big.NewInt(int64(len(h))))
}
