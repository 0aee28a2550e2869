package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jamesainslie/minepref/pkg/gate"
	"github.com/jamesainslie/minepref/pkg/minepref/logging"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/policy"
	"github.com/jamesainslie/minepref/pkg/telemetry"
)

// ErrCycleInProgress is returned by RunCycle when another cycle is running.
var ErrCycleInProgress = errors.New("cycle already in progress")

// State is the controller lifecycle state.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateShuttingDown:
		return "shutting-down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Trigger selects what starts a cycle.
type Trigger string

const (
	TriggerInterval Trigger = "interval"
	TriggerEvents   Trigger = "events"
	TriggerBoth     Trigger = "both"
)

// Outcome summarizes a cycle.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeSuppressed    Outcome = "suppressed"
	OutcomeSampleFailed  Outcome = "sample-failed"
	OutcomeComputeFailed Outcome = "compute-failed"
	OutcomeApplyFailed   Outcome = "apply-failed"
	OutcomeCanceled      Outcome = "canceled"
)

// CycleResult describes one pass through sample, compute, gate and apply.
type CycleResult struct {
	ID        string                   `json:"id"`
	Started   time.Time                `json:"started"`
	Finished  time.Time                `json:"finished"`
	Outcome   Outcome                  `json:"outcome"`
	Decision  gate.Decision            `json:"decision"`
	Candidate preference.Preference    `json:"candidate,omitempty"`
	Applied   *preference.AppliedState `json:"applied,omitempty"`
	Slices    []preference.SliceID     `json:"slices,omitempty"`
	Dropped   int                      `json:"dropped,omitempty"`
	Gap       bool                     `json:"gap,omitempty"`
	Err       error                    `json:"-"`

	// ConsecutiveFailures is the controller's failure streak after this cycle.
	ConsecutiveFailures int64 `json:"consecutive_failures"`
}

// Error returns the cycle error text, empty on success.
func (r CycleResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Sampler produces telemetry snapshots.
type Sampler interface {
	Sample(ctx context.Context) (telemetry.Metrics, error)
}

// CycleObserver is notified after every cycle.
type CycleObserver interface {
	CycleDone(result CycleResult)
}

// CycleObserverFunc adapts a function to CycleObserver.
type CycleObserverFunc func(CycleResult)

func (f CycleObserverFunc) CycleDone(r CycleResult) { f(r) }

// ControllerConfig wires the control loop.
type ControllerConfig struct {
	Sampler    Sampler
	Calculator policy.Calculator
	Gate       *gate.Gate
	Applier    *Applier

	Interval time.Duration
	Trigger  Trigger
	// Wake signals that new subscription events are buffered.
	Wake <-chan struct{}

	Observers []CycleObserver
}

// Controller runs the preference control loop.
type Controller struct {
	cfg   ControllerConfig
	log   *logging.Logger
	now   func() time.Time
	state atomic.Int32

	cycle               sync.Mutex
	consecutiveFailures atomic.Int64

	obsMu     sync.RWMutex
	observers []CycleObserver
}

// NewController validates cfg and creates a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Sampler == nil || cfg.Calculator == nil || cfg.Gate == nil || cfg.Applier == nil {
		return nil, errors.New("controller needs a sampler, calculator, gate and applier")
	}
	if cfg.Trigger == "" {
		cfg.Trigger = TriggerInterval
	}

	switch cfg.Trigger {
	case TriggerInterval, TriggerBoth:
		if cfg.Interval <= 0 {
			return nil, fmt.Errorf("trigger %q needs a positive interval", cfg.Trigger)
		}
	case TriggerEvents:
	default:
		return nil, fmt.Errorf("unknown trigger %q", cfg.Trigger)
	}
	if cfg.Trigger != TriggerInterval && cfg.Wake == nil {
		return nil, fmt.Errorf("trigger %q needs an event source", cfg.Trigger)
	}

	c := &Controller{
		cfg:       cfg,
		log:       logging.Get("controller"),
		now:       time.Now,
		observers: append([]CycleObserver(nil), cfg.Observers...),
	}
	c.state.Store(int32(StateStopped))
	return c, nil
}

// OnCycle registers an observer for subsequent cycles.
func (c *Controller) OnCycle(o CycleObserver) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("controller state", "state", s.String())
}

// ConsecutiveFailures counts failed cycles since the last successful one.
func (c *Controller) ConsecutiveFailures() int64 {
	return c.consecutiveFailures.Load()
}

// Run reloads the applied state and runs cycles until ctx is done. It returns
// an error only when startup fails.
func (c *Controller) Run(ctx context.Context) error {
	c.setState(StateStarting)
	if err := c.cfg.Applier.Load(); err != nil {
		c.setState(StateStopped)
		return err
	}
	c.setState(StateRunning)
	defer c.setState(StateStopped)

	var tick <-chan time.Time
	if c.cfg.Trigger != TriggerEvents {
		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	var wake <-chan struct{}
	if c.cfg.Trigger != TriggerInterval {
		wake = c.cfg.Wake
	}

	c.log.Info("control loop started", "trigger", c.cfg.Trigger, "interval", c.cfg.Interval, "threshold_ppm", c.cfg.Gate.Threshold())

	c.runTriggered(ctx, "startup")
	for {
		select {
		case <-ctx.Done():
			c.setState(StateShuttingDown)
			c.log.Info("control loop stopping")
			return nil
		case <-tick:
			c.runTriggered(ctx, "interval")
		case <-wake:
			c.runTriggered(ctx, "events")
		}

		// Triggers that arrived while the cycle ran are dropped, not queued.
		select {
		case <-tick:
		default:
		}
	}
}

func (c *Controller) runTriggered(ctx context.Context, trigger string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := c.RunCycle(ctx); errors.Is(err, ErrCycleInProgress) {
		c.log.Debug("trigger skipped, cycle in progress", "trigger", trigger)
	}
}

// RunCycle performs one sample, compute, gate and apply pass. It returns
// ErrCycleInProgress without doing anything when a cycle is already running;
// every other failure is reported in the result.
func (c *Controller) RunCycle(ctx context.Context) (CycleResult, error) {
	if !c.cycle.TryLock() {
		return CycleResult{}, ErrCycleInProgress
	}
	defer c.cycle.Unlock()

	result := CycleResult{ID: uuid.NewString(), Started: c.now()}
	ctx = withCycleID(ctx, result.ID)
	log := c.log.With("cycle", result.ID)

	c.cycleOnce(ctx, log, &result)

	result.Finished = c.now()
	if result.Applied == nil {
		result.Applied = c.cfg.Applier.Applied()
	}

	switch result.Outcome {
	case OutcomeApplied, OutcomeSuppressed:
		c.consecutiveFailures.Store(0)
	case OutcomeCanceled:
	default:
		n := c.consecutiveFailures.Add(1)
		log.Warn("cycle failed", "outcome", result.Outcome, "consecutive", n, "error", result.Err)
	}
	result.ConsecutiveFailures = c.ConsecutiveFailures()

	c.obsMu.RLock()
	observers := c.observers
	c.obsMu.RUnlock()
	for _, o := range observers {
		o.CycleDone(result)
	}
	return result, nil
}

func (c *Controller) cycleOnce(ctx context.Context, log *logging.Logger, result *CycleResult) {
	metrics, err := c.cfg.Sampler.Sample(ctx)
	if err != nil {
		result.Outcome, result.Err = OutcomeSampleFailed, err
		if ctx.Err() != nil {
			result.Outcome = OutcomeCanceled
		}
		return
	}
	result.Slices = metrics.SliceIDs()
	result.Dropped = metrics.Dropped
	result.Gap = metrics.Gap
	if metrics.Gap || metrics.Dropped > 0 {
		log.Warn("subscription events were lost", "dropped", metrics.Dropped, "gap", metrics.Gap)
	}
	if err := ctx.Err(); err != nil {
		result.Outcome, result.Err = OutcomeCanceled, err
		return
	}

	applied := c.cfg.Applier.Applied()
	candidate, err := c.cfg.Calculator.Compute(metrics, applied)
	if err != nil {
		result.Outcome, result.Err = OutcomeComputeFailed, err
		return
	}
	result.Candidate = candidate
	if err := ctx.Err(); err != nil {
		result.Outcome, result.Err = OutcomeCanceled, err
		return
	}

	decision := c.cfg.Gate.Decide(candidate, applied)
	result.Decision = decision
	if !decision.Apply {
		result.Outcome = OutcomeSuppressed
		log.Debug("change suppressed", "candidate", candidate.String(), "magnitude_percent", decision.Percent())
		return
	}

	if err := ctx.Err(); err != nil {
		result.Outcome, result.Err = OutcomeCanceled, err
		return
	}

	state, err := c.cfg.Applier.Apply(ctx, candidate)
	if err != nil {
		result.Outcome, result.Err = OutcomeApplyFailed, err
		result.Applied = state
		return
	}
	result.Outcome = OutcomeApplied
	result.Applied = state
	log.Info("preference changed",
		"reason", decision.Reason,
		"magnitude_percent", decision.Percent(),
		"preference", candidate.String(),
	)
}
