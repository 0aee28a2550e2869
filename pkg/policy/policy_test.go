package policy

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/telemetry"
)

func wei(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad integer " + s)
	}
	return v
}

func metrics(readings map[preference.SliceID]telemetry.Reading) telemetry.Metrics {
	return telemetry.Metrics{CapturedAt: time.Unix(1700000000, 0), Slices: readings}
}

func TestNew(t *testing.T) {
	for _, name := range Names() {
		c, err := New(name)
		require.NoError(t, err, name)
		assert.NotNil(t, c)
	}

	_, err := New("random")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
	assert.Equal(t, []string{Dominant, InverseDifficulty, Proportional}, Names())
}

func TestProportional_TokenLanes(t *testing.T) {
	// direct quai = 2e18, qi converted = 2.5e18 -> qi weight 2.5/4.5.
	m := metrics(map[preference.SliceID]telemetry.Reading{
		"qi":   {Reward: wei("2500000000000000000")},
		"quai": {Reward: wei("2000000000000000000")},
	})

	p, err := New(Proportional)
	require.NoError(t, err)

	got, err := p.Compute(m, nil)
	require.NoError(t, err)
	require.NoError(t, got.Validate(m.Has))
	assert.Equal(t, int64(555556), preference.PPM(got["qi"]))
	assert.Equal(t, int64(444444), preference.PPM(got["quai"]))
}

func TestProportional_AllZeroIsNeutral(t *testing.T) {
	m := metrics(map[preference.SliceID]telemetry.Reading{
		"qi":   {Reward: new(big.Int)},
		"quai": {},
	})

	got, err := CalculatorFunc(proportional).Compute(m, nil)
	require.NoError(t, err)
	assert.Equal(t, 0.5, got["qi"])
	assert.Equal(t, 0.5, got["quai"])
}

func TestProportional_HugeValuesKeepPrecision(t *testing.T) {
	m := metrics(map[preference.SliceID]telemetry.Reading{
		"a": {Reward: wei("300000000000000000000000000000000000000001")},
		"b": {Reward: wei("700000000000000000000000000000000000000000")},
	})

	got, err := CalculatorFunc(proportional).Compute(m, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(300000), preference.PPM(got["a"]))
	assert.Equal(t, int64(700000), preference.PPM(got["b"]))
}

func TestInverseDifficulty(t *testing.T) {
	m := metrics(map[preference.SliceID]telemetry.Reading{
		"0-0": {Difficulty: big.NewInt(100)},
		"0-1": {Difficulty: big.NewInt(300)},
		"0-2": {},
	})

	got, err := CalculatorFunc(inverseDifficulty).Compute(m, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(750000), preference.PPM(got["0-0"]))
	assert.Equal(t, int64(250000), preference.PPM(got["0-1"]))
	assert.Equal(t, 0.0, got["0-2"])
}

func TestDominant(t *testing.T) {
	m := metrics(map[preference.SliceID]telemetry.Reading{
		"a": {Reward: big.NewInt(5)},
		"b": {Reward: big.NewInt(9)},
		"c": {Reward: big.NewInt(9)},
	})

	t.Run("tie without history picks lowest id", func(t *testing.T) {
		got, err := CalculatorFunc(dominant).Compute(m, nil)
		require.NoError(t, err)
		assert.Equal(t, preference.Preference{"b": 1}, got)
	})

	t.Run("tie keeps previous dominant", func(t *testing.T) {
		applied := &preference.AppliedState{Preference: preference.Preference{"c": 1}}
		got, err := CalculatorFunc(dominant).Compute(m, applied)
		require.NoError(t, err)
		assert.Equal(t, preference.Preference{"c": 1}, got)
	})

	t.Run("previous dominant that left the topology is ignored", func(t *testing.T) {
		applied := &preference.AppliedState{Preference: preference.Preference{"z": 1}}
		got, err := CalculatorFunc(dominant).Compute(m, applied)
		require.NoError(t, err)
		assert.Equal(t, preference.Preference{"b": 1}, got)
	})

	t.Run("strictly better slice wins over history", func(t *testing.T) {
		applied := &preference.AppliedState{Preference: preference.Preference{"a": 1}}
		got, err := CalculatorFunc(dominant).Compute(m, applied)
		require.NoError(t, err)
		assert.Equal(t, preference.Preference{"b": 1}, got)
	})
}

func TestCompute_EmptyMetrics(t *testing.T) {
	for _, name := range Names() {
		c, err := New(name)
		require.NoError(t, err)

		_, err = c.Compute(telemetry.Metrics{}, nil)
		assert.ErrorIs(t, err, ErrNoSlices, name)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	m := metrics(map[preference.SliceID]telemetry.Reading{
		"0-0": {Reward: big.NewInt(7), Difficulty: big.NewInt(11)},
		"0-1": {Reward: big.NewInt(13), Difficulty: big.NewInt(17)},
		"0-2": {Reward: big.NewInt(19), Difficulty: big.NewInt(23)},
		"1-0": {Reward: big.NewInt(29), Difficulty: big.NewInt(31)},
	})
	applied := &preference.AppliedState{Preference: preference.Preference{"0-1": 1}}

	for _, name := range Names() {
		c, err := New(name)
		require.NoError(t, err)

		first, err := c.Compute(m, applied)
		require.NoError(t, err)
		require.NoError(t, first.Validate(m.Has), name)

		for i := 0; i < 50; i++ {
			again, err := c.Compute(m, applied)
			require.NoError(t, err)
			assert.Equal(t, first, again, name)
		}
	}
}
