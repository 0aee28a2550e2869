package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jamesainslie/minepref/pkg/daemon/store"
	"github.com/jamesainslie/minepref/pkg/minepref/history"
	"github.com/jamesainslie/minepref/pkg/minepref/logging"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/rpc"
)

// Encoding selects how a preference is passed to the node.
type Encoding string

const (
	// EncodingWeight sends the weight of a single target slice: [0.5123].
	EncodingWeight Encoding = "weight"
	// EncodingWeights sends every weight: [{"0-0": 0.7, "0-1": 0.3}].
	EncodingWeights Encoding = "weights"
	// EncodingDominant sends the heaviest slice: ["0-0"].
	EncodingDominant Encoding = "dominant"
)

var (
	// ErrRateLimited is returned when apply.min_interval has not elapsed.
	ErrRateLimited = errors.New("preference changed too recently")

	// ErrPersist is returned when the node accepted a preference that could not be stored.
	ErrPersist = errors.New("persisting applied state")
)

// ApplyError reports a preference that was not (fully) applied.
type ApplyError struct {
	Preference preference.Preference
	// Sent is true when the node accepted the update and only persistence failed.
	Sent bool
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("applying %s: %v", e.Preference, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Recorder receives an entry for every preference pushed to the node.
type Recorder interface {
	Append(entry history.Entry) (*history.Entry, error)
}

// ApplierConfig configures an Applier.
type ApplierConfig struct {
	Caller   rpc.Caller
	Store    store.Store
	Method   string
	Encoding Encoding
	// Target is the slice whose weight is sent with EncodingWeight.
	Target preference.SliceID
	// ReadMethod, when set, is queried first and a matching value skips the update.
	ReadMethod  string
	MinInterval time.Duration
	History     Recorder
}

// Applier pushes preferences to the node and owns the AppliedState.
type Applier struct {
	cfg     ApplierConfig
	log     *logging.Logger
	now     func() time.Time
	limiter *rate.Limiter

	mu      sync.Mutex
	applied *preference.AppliedState
}

// NewApplier validates cfg and creates an Applier. Call Load before Apply.
func NewApplier(cfg ApplierConfig) (*Applier, error) {
	if cfg.Caller == nil {
		return nil, errors.New("applier needs a caller")
	}
	if cfg.Store == nil {
		return nil, errors.New("applier needs a store")
	}
	if cfg.Method == "" {
		cfg.Method = "setMinerPreference"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = EncodingWeight
	}

	switch cfg.Encoding {
	case EncodingWeight:
		if cfg.Target == "" {
			return nil, errors.New("weight encoding needs a target slice")
		}
	case EncodingWeights, EncodingDominant:
		if cfg.ReadMethod != "" {
			return nil, fmt.Errorf("read-back is not supported with the %s encoding", cfg.Encoding)
		}
	default:
		return nil, fmt.Errorf("unknown apply encoding %q", cfg.Encoding)
	}

	a := &Applier{
		cfg: cfg,
		log: logging.Get("applier"),
		now: time.Now,
	}
	if cfg.MinInterval > 0 {
		a.limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	return a, nil
}

// Load reads the last applied state from the store.
func (a *Applier) Load() error {
	state, err := a.cfg.Store.Load()
	if err != nil {
		return fmt.Errorf("loading applied state: %w", err)
	}

	a.mu.Lock()
	a.applied = state
	a.mu.Unlock()

	if state != nil {
		a.log.Info("resumed applied preference", "preference", state.Preference.String(), "applied_at", state.AppliedAt)
	}
	return nil
}

// Applied returns a copy of the current AppliedState, nil if nothing was applied.
func (a *Applier) Applied() *preference.AppliedState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied.Clone()
}

// Params encodes p the way the node expects it.
func (a *Applier) Params(p preference.Preference) ([]any, error) {
	switch a.cfg.Encoding {
	case EncodingWeight:
		return []any{roundPPM(p.Weight(a.cfg.Target))}, nil
	case EncodingWeights:
		weights := make(map[string]float64, len(p))
		for id, w := range p {
			weights[string(id)] = roundPPM(w)
		}
		return []any{weights}, nil
	case EncodingDominant:
		id, _ := p.Dominant()
		return []any{string(id)}, nil
	default:
		return nil, fmt.Errorf("unknown apply encoding %q", a.cfg.Encoding)
	}
}

// Apply sends p to the node and, once the node accepted it, replaces the
// AppliedState in memory and in the store. On failure the state is unchanged.
func (a *Applier) Apply(ctx context.Context, p preference.Preference) (*preference.AppliedState, error) {
	if err := p.Validate(nil); err != nil {
		return nil, &ApplyError{Preference: p, Err: err}
	}

	params, err := a.Params(p)
	if err != nil {
		return nil, &ApplyError{Preference: p, Err: err}
	}

	now := a.now()
	var reservation *rate.Reservation
	if a.limiter != nil {
		reservation = a.limiter.ReserveN(now, 1)
		if delay := reservation.DelayFrom(now); delay > 0 {
			reservation.CancelAt(now)
			return nil, &ApplyError{Preference: p, Err: fmt.Errorf("%w: retry in %s", ErrRateLimited, delay.Round(time.Second))}
		}
	}

	log := a.log.With("cycle", cycleIDFrom(ctx))
	kind := history.KindApplied

	if a.confirmed(ctx, log, params) {
		kind = history.KindConfirmed
	} else {
		// Setters commonly answer null; only errors count as rejection.
		err := a.cfg.Caller.Call(ctx, a.cfg.Method, nil, params...)
		if err != nil && !errors.Is(err, rpc.ErrNullResult) {
			if reservation != nil {
				reservation.CancelAt(now)
			}
			return nil, &ApplyError{Preference: p, Err: err}
		}
	}

	state := &preference.AppliedState{Preference: p.Clone(), AppliedAt: a.now().UTC()}

	a.mu.Lock()
	previous := a.applied
	a.applied = state
	a.mu.Unlock()

	a.record(ctx, log, kind, state, previous, params)

	if err := a.cfg.Store.Save(state); err != nil {
		return state.Clone(), &ApplyError{Preference: p, Sent: true, Err: fmt.Errorf("%w: %w", ErrPersist, err)}
	}

	log.Info("preference applied", "kind", kind, "method", a.cfg.Method, "params", params, "preference", p.String())
	return state.Clone(), nil
}

// confirmed reports whether the node already holds the value in params.
func (a *Applier) confirmed(ctx context.Context, log *logging.Logger, params []any) bool {
	if a.cfg.ReadMethod == "" || a.cfg.Encoding != EncodingWeight {
		return false
	}

	var current float64
	if err := a.cfg.Caller.Call(ctx, a.cfg.ReadMethod, &current); err != nil {
		log.Warn("read-back failed, sending update", "method", a.cfg.ReadMethod, "error", err)
		return false
	}

	want, _ := params[0].(float64)
	return preference.PPM(current) == preference.PPM(want)
}

func (a *Applier) record(ctx context.Context, log *logging.Logger, kind history.Kind, state, previous *preference.AppliedState, params []any) {
	if a.cfg.History == nil {
		return
	}

	entry := history.Entry{
		Timestamp:  state.AppliedAt,
		Kind:       kind,
		CycleID:    cycleIDFrom(ctx),
		Preference: state.Preference,
		Method:     a.cfg.Method,
		Params:     params,
	}
	if previous != nil {
		entry.Previous = previous.Preference
		entry.Magnitude = preference.Distance(state.Preference, previous.Preference)
	} else {
		entry.Magnitude = preference.Scale
		entry.Reason = "first-run"
	}

	if _, err := a.cfg.History.Append(entry); err != nil {
		log.Warn("failed to record history entry", "error", err)
	}
}

func roundPPM(w float64) float64 {
	return float64(preference.PPM(w)) / float64(preference.Scale)
}

type cycleIDKey struct{}

// withCycleID tags ctx with the id of the cycle it belongs to.
func withCycleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleIDKey{}, id)
}

func cycleIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(cycleIDKey{}).(string)
	return id
}
