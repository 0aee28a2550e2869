package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jamesainslie/minepref/pkg/daemon/broadcaster"
	"github.com/jamesainslie/minepref/pkg/minepref/logging"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/rpc"
)

// Mode selects how probe results become slice readings.
type Mode string

const (
	// ModeToken turns one zone probe into the qi and quai reward lanes.
	ModeToken Mode = "token"
	// ModeZone produces one reading per probed zone.
	ModeZone Mode = "zone"
)

// DefaultQiDivisor is the linear Qi constant: one Qi wei per 8e9 difficulty.
var DefaultQiDivisor = big.NewInt(8_000_000_000)

var weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// EventSource yields buffered subscription heads.
type EventSource interface {
	Drain() broadcaster.Batch
}

// Probe is a point-in-time read target.
type Probe struct {
	Slice  preference.SliceID
	Caller rpc.Caller
}

// Config configures a Sampler.
type Config struct {
	Mode   Mode
	Method string
	Params []any
	Probes []Probe

	// QiSlice and QuaiSlice name the lanes in token mode.
	QiSlice   preference.SliceID
	QuaiSlice preference.SliceID
	QiDivisor *big.Int

	// Window averages the last N readings per slice. Values below 2 disable it.
	Window int

	// Events and EventSlice fold subscription heads into one probe.
	Events     EventSource
	EventSlice preference.SliceID
}

// Sampler produces Metrics snapshots.
type Sampler struct {
	cfg Config
	log *logging.Logger
	now func() time.Time

	mu      sync.Mutex
	history map[preference.SliceID][]Reading
	// pending holds events drained by a sample that failed.
	pending broadcaster.Batch
}

// NewSampler validates cfg and creates a Sampler.
func NewSampler(cfg Config) (*Sampler, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeToken
	}
	if cfg.Method == "" {
		cfg.Method = "quai_getBlockByNumber"
	}
	if cfg.Params == nil {
		cfg.Params = []any{"latest", false}
	}
	if cfg.QiSlice == "" {
		cfg.QiSlice = "qi"
	}
	if cfg.QuaiSlice == "" {
		cfg.QuaiSlice = "quai"
	}
	if cfg.QiDivisor == nil || cfg.QiDivisor.Sign() <= 0 {
		cfg.QiDivisor = DefaultQiDivisor
	}

	switch cfg.Mode {
	case ModeToken:
		if len(cfg.Probes) != 1 {
			return nil, fmt.Errorf("token mode needs exactly one probe, got %d", len(cfg.Probes))
		}
		if cfg.QiSlice == cfg.QuaiSlice {
			return nil, fmt.Errorf("qi and quai slices must differ (%q)", cfg.QiSlice)
		}
		if cfg.EventSlice == "" {
			cfg.EventSlice = cfg.Probes[0].Slice
		}
	case ModeZone:
		if len(cfg.Probes) == 0 {
			return nil, errors.New("zone mode needs at least one probe")
		}
	default:
		return nil, fmt.Errorf("unknown telemetry mode %q", cfg.Mode)
	}

	seen := make(map[preference.SliceID]bool, len(cfg.Probes))
	for _, p := range cfg.Probes {
		if p.Caller == nil {
			return nil, fmt.Errorf("probe %q has no caller", p.Slice)
		}
		if seen[p.Slice] {
			return nil, fmt.Errorf("duplicate probe %q", p.Slice)
		}
		seen[p.Slice] = true
	}

	return &Sampler{
		cfg:     cfg,
		log:     logging.Get("sampler"),
		now:     time.Now,
		history: make(map[preference.SliceID][]Reading),
	}, nil
}

// Slices returns the slice IDs the sampler can report.
func (s *Sampler) Slices() []preference.SliceID {
	if s.cfg.Mode == ModeToken {
		return []preference.SliceID{s.cfg.QiSlice, s.cfg.QuaiSlice}
	}
	ids := make([]preference.SliceID, 0, len(s.cfg.Probes))
	for _, p := range s.cfg.Probes {
		ids = append(ids, p.Slice)
	}
	return ids
}

type probeResult struct {
	probe   Probe
	info    blockInfo
	skipped bool
}

// Sample drains buffered heads, reads every probe and builds a snapshot. It
// returns a *SampleError when the node cannot be observed. Events drained by a
// failed sample are carried into the next one.
func (s *Sampler) Sample(ctx context.Context) (_ Metrics, err error) {
	batch := s.drain()
	defer func() {
		if err != nil {
			s.requeue(batch)
		}
	}()
	head, heads := s.newestHead(batch.Events)

	results := make([]probeResult, len(s.cfg.Probes))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range s.cfg.Probes {
		g.Go(func() error {
			res, err := s.read(gctx, p)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Metrics{}, err
	}

	m := Metrics{
		CapturedAt: s.now(),
		Slices:     make(map[preference.SliceID]Reading),
		Heads:      len(batch.Events),
		Dropped:    batch.Dropped,
		Gap:        batch.Gap,
	}

	for _, res := range results {
		if res.skipped {
			continue
		}
		info := res.info
		folded := 0
		if res.probe.Slice == s.cfg.EventSlice && head != nil {
			folded = heads
			if !info.HasNumber || head.Number >= info.Number {
				info.Number, info.HasNumber = head.Number, head.HasNumber
				if head.Difficulty != nil {
					info.Difficulty = head.Difficulty
				}
			}
		}
		if info.Difficulty == nil {
			return Metrics{}, &SampleError{Slice: res.probe.Slice, Err: fmt.Errorf("%w: no difficulty", ErrMalformed)}
		}

		for id, r := range s.readings(res.probe.Slice, info) {
			r.Heads = folded
			m.Slices[id] = r
		}
	}

	if len(m.Slices) == 0 {
		return Metrics{}, &SampleError{Err: ErrNoSlices}
	}

	s.smooth(m.Slices)
	return m, nil
}

// drain returns the carried-over batch merged with whatever the event source
// buffered since.
func (s *Sampler) drain() broadcaster.Batch {
	s.mu.Lock()
	batch := s.pending
	s.pending = broadcaster.Batch{}
	s.mu.Unlock()

	if s.cfg.Events == nil {
		return batch
	}
	fresh := s.cfg.Events.Drain()
	if fresh.Dropped > 0 {
		s.log.Warn("subscription buffer overflowed", "dropped", fresh.Dropped)
	}
	return mergeBatch(batch, fresh)
}

// requeue keeps batch for the next sample. Only the newest maxPending events
// are kept; older ones count as dropped.
func (s *Sampler) requeue(batch broadcaster.Batch) {
	if n := len(batch.Events) - maxPending; n > 0 {
		batch.Events = append([]rpc.Notification(nil), batch.Events[n:]...)
		batch.Dropped += n
	}
	s.mu.Lock()
	s.pending = mergeBatch(batch, s.pending)
	s.mu.Unlock()
}

const maxPending = broadcaster.DefaultBuffer

func mergeBatch(older, newer broadcaster.Batch) broadcaster.Batch {
	out := broadcaster.Batch{
		Events:  append(older.Events, newer.Events...),
		Dropped: older.Dropped + newer.Dropped,
		Gap:     older.Gap || newer.Gap,
		GapErr:  older.GapErr,
	}
	if newer.GapErr != nil {
		out.GapErr = newer.GapErr
	}
	return out
}

// read performs one probe call. A JSON-RPC error or null result removes the
// slice from this snapshot; everything else fails the sample.
func (s *Sampler) read(ctx context.Context, p Probe) (probeResult, error) {
	res := probeResult{probe: p}

	var raw json.RawMessage
	err := p.Caller.Call(ctx, s.cfg.Method, &raw, s.cfg.Params...)
	var rpcErr *rpc.Error
	switch {
	case err == nil:
	case errors.As(err, &rpcErr), errors.Is(err, rpc.ErrNullResult):
		s.log.Warn("slice dropped from topology", "slice", p.Slice, "method", s.cfg.Method, "err", err)
		res.skipped = true
		return res, nil
	default:
		return res, &SampleError{Slice: p.Slice, Err: err}
	}

	info, err := parseBlock(raw)
	if err != nil {
		return res, &SampleError{Slice: p.Slice, Err: err}
	}
	res.info = info
	return res, nil
}

// newestHead returns the highest decodable head and the number of heads seen.
func (s *Sampler) newestHead(events []rpc.Notification) (*blockInfo, int) {
	var newest *blockInfo
	for _, ev := range events {
		info, err := parseBlock(ev.Result)
		if err != nil || !info.HasNumber {
			s.log.Debug("ignoring undecodable head", "err", err)
			continue
		}
		if newest == nil || info.Number >= newest.Number {
			newest = &info
		}
	}
	return newest, len(events)
}

func (s *Sampler) readings(slice preference.SliceID, info blockInfo) map[preference.SliceID]Reading {
	qiWei := new(big.Int).Mul(info.Difficulty, weiPerUnit)
	qiWei.Quo(qiWei, s.cfg.QiDivisor)

	rate := zeroIfNil(info.ExchangeRate)

	if s.cfg.Mode == ModeZone {
		return map[preference.SliceID]Reading{
			slice: {
				Number:     info.Number,
				Difficulty: new(big.Int).Set(info.Difficulty),
				Reward:     scale(qiWei, rate),
			},
		}
	}

	effective := new(big.Int).Add(rate, zeroIfNil(info.Discount))
	return map[preference.SliceID]Reading{
		s.cfg.QuaiSlice: {
			Number:     info.Number,
			Difficulty: new(big.Int).Set(info.Difficulty),
			Reward:     scale(qiWei, rate),
		},
		s.cfg.QiSlice: {
			Number:     info.Number,
			Difficulty: new(big.Int).Set(info.Difficulty),
			Reward:     scale(qiWei, effective),
		},
	}
}

// scale returns qiWei*rate/1e18.
func scale(qiWei, rate *big.Int) *big.Int {
	v := new(big.Int).Mul(qiWei, rate)
	return v.Quo(v, weiPerUnit)
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
