package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/minepref/pkg/daemon/store"
	"github.com/jamesainslie/minepref/pkg/gate"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/policy"
	"github.com/jamesainslie/minepref/pkg/rpc"
	"github.com/jamesainslie/minepref/pkg/telemetry"
)

func newTestController(t *testing.T, sampler Sampler, applier *Applier, mutate ...func(*ControllerConfig)) *Controller {
	t.Helper()

	calc, err := policy.New(policy.Proportional)
	require.NoError(t, err)
	g, err := gate.New(1.0)
	require.NoError(t, err)

	cfg := ControllerConfig{
		Sampler:    sampler,
		Calculator: calc,
		Gate:       g,
		Applier:    applier,
		Interval:   time.Hour,
		Trigger:    TriggerInterval,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	c, err := NewController(cfg)
	require.NoError(t, err)
	return c
}

func constant(r map[preference.SliceID]int64) func(context.Context, int) (telemetry.Metrics, error) {
	return func(context.Context, int) (telemetry.Metrics, error) {
		return rewards(r), nil
	}
}

func TestNewControllerValidation(t *testing.T) {
	a, _, _ := newTestApplier(t, ApplierConfig{})
	calc, _ := policy.New(policy.Proportional)
	g, _ := gate.New(1)
	sampler := &fakeSampler{}

	tests := []struct {
		name string
		cfg  ControllerConfig
	}{
		{"missing sampler", ControllerConfig{Calculator: calc, Gate: g, Applier: a, Interval: time.Second}},
		{"zero interval", ControllerConfig{Sampler: sampler, Calculator: calc, Gate: g, Applier: a}},
		{"events without source", ControllerConfig{Sampler: sampler, Calculator: calc, Gate: g, Applier: a, Trigger: TriggerEvents}},
		{"unknown trigger", ControllerConfig{Sampler: sampler, Calculator: calc, Gate: g, Applier: a, Interval: time.Second, Trigger: "cron"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewController(tt.cfg)
			assert.Error(t, err)
		})
	}

	c, err := NewController(ControllerConfig{Sampler: sampler, Calculator: calc, Gate: g, Applier: a, Interval: time.Second})
	require.NoError(t, err)
	assert.Equal(t, StateStopped, c.State())
}

func TestFirstCycleApplies(t *testing.T) {
	a, caller, mem := newTestApplier(t, ApplierConfig{})
	c := newTestController(t, &fakeSampler{next: constant(map[preference.SliceID]int64{"qi": 600, "quai": 400})}, a)

	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, gate.ReasonFirstRun, result.Decision.Reason)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, []preference.SliceID{"qi", "quai"}, result.Slices)
	require.NotNil(t, result.Applied)
	assert.True(t, result.Applied.Preference.Equal(sixtyForty))

	assert.Len(t, caller.Calls("setMinerPreference"), 1)
	assert.Equal(t, 1, mem.Saves())
}

func TestSteadyStateIsSuppressed(t *testing.T) {
	a, caller, mem := newTestApplier(t, ApplierConfig{})
	c := newTestController(t, &fakeSampler{next: constant(map[preference.SliceID]int64{"qi": 600, "quai": 400})}, a)

	for i := 0; i < 5; i++ {
		_, err := c.RunCycle(context.Background())
		require.NoError(t, err)
	}

	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, result.Outcome)
	assert.Equal(t, int64(0), result.Decision.Magnitude)

	assert.Len(t, caller.Calls("setMinerPreference"), 1)
	assert.Equal(t, 1, mem.Saves())
}

func TestHysteresisScenario(t *testing.T) {
	a, caller, _ := newTestApplier(t, ApplierConfig{})
	sampler := &fakeSampler{next: constant(map[preference.SliceID]int64{"qi": 600, "quai": 400})}
	c := newTestController(t, sampler, a)

	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)

	// A 1% total move equals the threshold and is not applied.
	sampler.set(constant(map[preference.SliceID]int64{"qi": 605, "quai": 395}))
	result, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, result.Outcome)
	assert.Equal(t, int64(10_000), result.Decision.Magnitude)
	assert.True(t, a.Applied().Preference.Equal(sixtyForty))

	sampler.set(constant(map[preference.SliceID]int64{"qi": 615, "quai": 385}))
	result, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, gate.ReasonAboveThreshold, result.Decision.Reason)
	assert.Equal(t, int64(30_000), result.Decision.Magnitude)

	want := preference.Preference{"qi": 0.615, "quai": 0.385}
	assert.True(t, a.Applied().Preference.Equal(want))

	calls := caller.Calls("setMinerPreference")
	require.Len(t, calls, 2)
	assert.Equal(t, []any{0.615}, calls[1].Params)
}

func TestRestartResumesWithoutReapplying(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	metrics := constant(map[preference.SliceID]int64{"qi": 600, "quai": 400})

	fs, err := store.OpenFile(path)
	require.NoError(t, err)
	first := &fakeCaller{}
	a, err := NewApplier(ApplierConfig{Caller: first, Store: fs, Target: "qi"})
	require.NoError(t, err)
	require.NoError(t, a.Load())

	result, err := newTestController(t, &fakeSampler{next: metrics}, a).RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)
	require.Len(t, first.Calls("setMinerPreference"), 1)
	require.NoError(t, fs.Close())

	// Simulated crash: a fresh process reopens the same state file.
	fs, err = store.OpenFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })

	second := &fakeCaller{}
	a2, err := NewApplier(ApplierConfig{Caller: second, Store: fs, Target: "qi"})
	require.NoError(t, err)

	c := newTestController(t, &fakeSampler{next: metrics}, a2)
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan CycleResult, 1)
	c.OnCycle(CycleObserverFunc(func(r CycleResult) {
		select {
		case results <- r:
		default:
		}
	}))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case r := <-results:
		assert.Equal(t, OutcomeSuppressed, r.Outcome)
		assert.Equal(t, gate.ReasonWithinThreshold, r.Decision.Reason)
	case <-time.After(5 * time.Second):
		t.Fatal("startup cycle did not run")
	}
	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, second.Calls("setMinerPreference"))
}

func TestUnavailableNodeNeverApplies(t *testing.T) {
	mem := store.NewMemory()
	seed := &preference.AppliedState{Preference: sixtyForty, AppliedAt: time.Now().UTC()}
	require.NoError(t, mem.Save(seed))

	a, caller, _ := newTestApplier(t, ApplierConfig{Store: mem})
	sampler := &fakeSampler{next: func(context.Context, int) (telemetry.Metrics, error) {
		return telemetry.Metrics{}, &telemetry.SampleError{
			Slice: "zone",
			Err:   &rpc.ConnectionError{Endpoint: "http://127.0.0.1:9200", Method: "quai_getBlockByNumber", Attempts: 4, Err: errors.New("connection refused")},
		}
	}}
	c := newTestController(t, sampler, a)

	for i := 1; i <= 5; i++ {
		result, err := c.RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, OutcomeSampleFailed, result.Outcome)
		assert.ErrorIs(t, result.Err, rpc.ErrUnavailable)
		assert.Equal(t, int64(i), c.ConsecutiveFailures())
		assert.Equal(t, int64(i), result.ConsecutiveFailures)
	}

	assert.Empty(t, caller.Calls("setMinerPreference"))
	assert.Equal(t, 1, mem.Saves())
	assert.True(t, a.Applied().Preference.Equal(sixtyForty))
	assert.Equal(t, seed.AppliedAt, a.Applied().AppliedAt)

	sampler.set(constant(map[preference.SliceID]int64{"qi": 600, "quai": 400}))
	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuppressed, result.Outcome)
	assert.Equal(t, int64(0), c.ConsecutiveFailures())
	assert.Zero(t, result.ConsecutiveFailures)
}

func TestApplyFailureRetriesNextCycle(t *testing.T) {
	a, caller, _ := newTestApplier(t, ApplierConfig{})
	c := newTestController(t, &fakeSampler{next: constant(map[preference.SliceID]int64{"qi": 600, "quai": 400})}, a)

	caller.handler = func(string, any, []any) error {
		return &rpc.Error{Code: -32000, Message: "busy"}
	}
	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplyFailed, result.Outcome)
	assert.Nil(t, a.Applied())
	assert.Nil(t, result.Applied)

	caller.handler = nil
	result, err = c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, gate.ReasonFirstRun, result.Decision.Reason)
	assert.Len(t, caller.Calls("setMinerPreference"), 2)
}

func TestComputeFailure(t *testing.T) {
	a, caller, _ := newTestApplier(t, ApplierConfig{})
	c := newTestController(t, &fakeSampler{next: constant(map[preference.SliceID]int64{"qi": 1})}, a,
		func(cfg *ControllerConfig) {
			cfg.Calculator = policy.CalculatorFunc(func(telemetry.Metrics, *preference.AppliedState) (preference.Preference, error) {
				return nil, errors.New("no reward data")
			})
		})

	result, err := c.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeComputeFailed, result.Outcome)
	assert.Empty(t, caller.Calls("setMinerPreference"))
	assert.Equal(t, int64(1), c.ConsecutiveFailures())
}

func TestCancelBeforeApply(t *testing.T) {
	a, caller, mem := newTestApplier(t, ApplierConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	sampler := &fakeSampler{next: func(context.Context, int) (telemetry.Metrics, error) {
		cancel()
		return rewards(map[preference.SliceID]int64{"qi": 600, "quai": 400}), nil
	}}
	c := newTestController(t, sampler, a)

	result, err := c.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanceled, result.Outcome)
	assert.ErrorIs(t, result.Err, context.Canceled)
	assert.Empty(t, caller.Calls("setMinerPreference"))
	assert.Equal(t, 0, mem.Saves())
	assert.Equal(t, int64(0), c.ConsecutiveFailures())
}

func TestCycleInProgress(t *testing.T) {
	a, _, _ := newTestApplier(t, ApplierConfig{})

	entered := make(chan struct{})
	release := make(chan struct{})
	sampler := &fakeSampler{next: func(context.Context, int) (telemetry.Metrics, error) {
		close(entered)
		<-release
		return rewards(map[preference.SliceID]int64{"qi": 600, "quai": 400}), nil
	}}
	c := newTestController(t, sampler, a)

	done := make(chan CycleResult, 1)
	go func() {
		r, _ := c.RunCycle(context.Background())
		done <- r
	}()

	<-entered
	_, err := c.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleInProgress)

	close(release)
	r := <-done
	assert.Equal(t, OutcomeApplied, r.Outcome)
	assert.Equal(t, 1, sampler.Count())
}

func TestRunOnInterval(t *testing.T) {
	a, _, _ := newTestApplier(t, ApplierConfig{})
	sampler := &fakeSampler{next: constant(map[preference.SliceID]int64{"qi": 600, "quai": 400})}
	c := newTestController(t, sampler, a, func(cfg *ControllerConfig) {
		cfg.Interval = 10 * time.Millisecond
	})

	var mu sync.Mutex
	outcomes := map[Outcome]int{}
	c.OnCycle(CycleObserverFunc(func(r CycleResult) {
		mu.Lock()
		outcomes[r.Outcome]++
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return sampler.Count() >= 4 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, c.State())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, c.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, outcomes[OutcomeApplied])
	assert.GreaterOrEqual(t, outcomes[OutcomeSuppressed], 2)
}

func TestRunOnEvents(t *testing.T) {
	a, _, _ := newTestApplier(t, ApplierConfig{})
	sampler := &fakeSampler{next: constant(map[preference.SliceID]int64{"qi": 600, "quai": 400})}
	wake := make(chan struct{}, 1)
	c := newTestController(t, sampler, a, func(cfg *ControllerConfig) {
		cfg.Trigger = TriggerEvents
		cfg.Interval = 0
		cfg.Wake = wake
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return sampler.Count() == 1 }, 5*time.Second, 5*time.Millisecond)

	wake <- struct{}{}
	require.Eventually(t, func() bool { return sampler.Count() == 2 }, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRunFailsWhenStateUnreadable(t *testing.T) {
	mem := store.NewMemory()
	a, _, _ := newTestApplier(t, ApplierConfig{Store: mem})
	mem.LoadErr = errors.New("permission denied")

	sampler := &fakeSampler{next: constant(map[preference.SliceID]int64{"qi": 1})}
	c := newTestController(t, sampler, a)

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateStopped, c.State())
	assert.Equal(t, 0, sampler.Count())
}
