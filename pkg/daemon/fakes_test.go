package daemon

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/jamesainslie/minepref/pkg/minepref/history"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/rpc"
	"github.com/jamesainslie/minepref/pkg/telemetry"
)

type call struct {
	Method string
	Params []any
}

// fakeCaller records calls. Without a handler every call answers null, like
// the node's setter.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []call
	handler func(method string, result any, params []any) error
}

func (f *fakeCaller) Call(_ context.Context, method string, result any, params ...any) error {
	f.mu.Lock()
	f.calls = append(f.calls, call{Method: method, Params: params})
	h := f.handler
	f.mu.Unlock()

	if h == nil {
		return rpc.ErrNullResult
	}
	return h(method, result, params)
}

func (f *fakeCaller) Calls(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []call
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// fakeSampler returns whatever next produces.
type fakeSampler struct {
	mu    sync.Mutex
	count int
	next  func(ctx context.Context, n int) (telemetry.Metrics, error)
}

func (f *fakeSampler) Sample(ctx context.Context) (telemetry.Metrics, error) {
	f.mu.Lock()
	f.count++
	n := f.count
	next := f.next
	f.mu.Unlock()
	return next(ctx, n)
}

func (f *fakeSampler) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeSampler) set(next func(ctx context.Context, n int) (telemetry.Metrics, error)) {
	f.mu.Lock()
	f.next = next
	f.mu.Unlock()
}

// rewards builds metrics whose proportional preference is rewards/sum.
func rewards(r map[preference.SliceID]int64) telemetry.Metrics {
	m := telemetry.Metrics{
		CapturedAt: time.Now(),
		Slices:     make(map[preference.SliceID]telemetry.Reading, len(r)),
	}
	for id, v := range r {
		m.Slices[id] = telemetry.Reading{
			Number:     1,
			Difficulty: big.NewInt(1000),
			Reward:     big.NewInt(v),
		}
	}
	return m
}

// fakeRecorder keeps history entries in memory.
type fakeRecorder struct {
	mu      sync.Mutex
	entries []history.Entry
}

func (f *fakeRecorder) Append(e history.Entry) (*history.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return &e, nil
}

func (f *fakeRecorder) Entries() []history.Entry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]history.Entry(nil), f.entries...)
}
