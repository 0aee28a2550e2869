package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/minepref/pkg/daemon/broadcaster"
	"github.com/jamesainslie/minepref/pkg/minepref/preference"
	"github.com/jamesainslie/minepref/pkg/rpc"
)

// fakeCaller answers every call with a fixed block or error.
type fakeCaller struct {
	block string
	err   error
	calls int
}

func (f *fakeCaller) Call(_ context.Context, _ string, result any, _ ...any) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return json.Unmarshal([]byte(f.block), result)
}

type staticEvents struct {
	batch broadcaster.Batch
}

func (s *staticEvents) Drain() broadcaster.Batch {
	b := s.batch
	s.batch = broadcaster.Batch{}
	return b
}

func zoneBlock(number, difficulty, rate, discount uint64) string {
	return fmt.Sprintf(`{
		"woHeader": {"number": "%#x"},
		"woBody": {"header": {"minerDifficulty": "%#x"}},
		"header": {"exchangeRate": "%#x", "kQuaiDiscount": "%#x"}
	}`, number, difficulty, rate, discount)
}

func headNotification(number, difficulty uint64) rpc.Notification {
	return rpc.Notification{
		Subscription: "0x1",
		Result: json.RawMessage(fmt.Sprintf(
			`{"woHeader": {"number": "%#x"}, "woBody": {"header": {"minerDifficulty": "%#x"}}}`,
			number, difficulty)),
		Received: time.Now(),
	}
}

func TestSample_TokenMode(t *testing.T) {
	// difficulty 8e9 gives exactly 1e18 qi wei.
	caller := &fakeCaller{block: zoneBlock(100, 8_000_000_000, 2_000_000_000_000_000_000, 500_000_000_000_000_000)}

	s, err := NewSampler(Config{Probes: []Probe{{Slice: "zone", Caller: caller}}})
	require.NoError(t, err)

	m, err := s.Sample(context.Background())
	require.NoError(t, err)

	require.Len(t, m.Slices, 2)
	assert.Equal(t, []preference.SliceID{"qi", "quai"}, m.SliceIDs())

	quai := m.Slices["quai"]
	qi := m.Slices["qi"]
	assert.Equal(t, uint64(100), quai.Number)
	assert.Equal(t, "2000000000000000000", quai.Reward.String())
	assert.Equal(t, "2500000000000000000", qi.Reward.String())
	assert.Equal(t, "8000000000", qi.Difficulty.String())
	assert.False(t, m.CapturedAt.IsZero())
}

func TestSample_FoldsNewerHead(t *testing.T) {
	caller := &fakeCaller{block: zoneBlock(100, 8_000_000_000, 1_000_000_000_000_000_000, 0)}
	events := &staticEvents{batch: broadcaster.Batch{
		Events: []rpc.Notification{
			headNotification(101, 16_000_000_000),
			headNotification(102, 24_000_000_000),
			{Result: json.RawMessage(`{"garbage": true}`)},
		},
		Dropped: 2,
		Gap:     true,
	}}

	s, err := NewSampler(Config{
		Probes: []Probe{{Slice: "zone", Caller: caller}},
		Events: events,
	})
	require.NoError(t, err)

	m, err := s.Sample(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, m.Heads)
	assert.Equal(t, 2, m.Dropped)
	assert.True(t, m.Gap)

	quai := m.Slices["quai"]
	assert.Equal(t, uint64(102), quai.Number)
	assert.Equal(t, "24000000000", quai.Difficulty.String())
	assert.Equal(t, "3000000000000000000", quai.Reward.String())
	assert.Equal(t, 3, quai.Heads)
}

func TestSample_IgnoresStaleHead(t *testing.T) {
	caller := &fakeCaller{block: zoneBlock(200, 8_000_000_000, 1, 0)}
	events := &staticEvents{batch: broadcaster.Batch{
		Events: []rpc.Notification{headNotification(150, 99_000_000_000)},
	}}

	s, err := NewSampler(Config{Probes: []Probe{{Slice: "zone", Caller: caller}}, Events: events})
	require.NoError(t, err)

	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(200), m.Slices["qi"].Number)
	assert.Equal(t, "8000000000", m.Slices["qi"].Difficulty.String())
}

func TestSample_ZoneMode(t *testing.T) {
	s, err := NewSampler(Config{
		Mode: ModeZone,
		Probes: []Probe{
			{Slice: "0-0", Caller: &fakeCaller{block: zoneBlock(10, 8_000_000_000, 3, 0)}},
			{Slice: "0-1", Caller: &fakeCaller{block: zoneBlock(11, 16_000_000_000, 3, 0)}},
		},
	})
	require.NoError(t, err)

	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	require.Len(t, m.Slices, 2)
	assert.Equal(t, "3", m.Slices["0-0"].Reward.String())
	assert.Equal(t, "6", m.Slices["0-1"].Reward.String())
}

func TestSample_UnavailableIsSampleError(t *testing.T) {
	unavailable := &rpc.ConnectionError{Endpoint: "http://node", Method: "quai_getBlockByNumber", Attempts: 4, Err: errors.New("refused")}
	s, err := NewSampler(Config{Probes: []Probe{{Slice: "zone", Caller: &fakeCaller{err: unavailable}}}})
	require.NoError(t, err)

	m, err := s.Sample(context.Background())
	require.Error(t, err)

	var sampleErr *SampleError
	require.ErrorAs(t, err, &sampleErr)
	assert.ErrorIs(t, err, rpc.ErrUnavailable)
	assert.Nil(t, m.Slices, "no metrics are manufactured")
}

func TestSample_FailedSampleKeepsBufferedEvents(t *testing.T) {
	unavailable := &rpc.ConnectionError{Endpoint: "http://node", Method: "quai_getBlockByNumber", Attempts: 4, Err: errors.New("refused")}
	caller := &fakeCaller{err: unavailable}
	events := &staticEvents{batch: broadcaster.Batch{
		Events:  []rpc.Notification{headNotification(101, 16_000_000_000)},
		Dropped: 3,
		Gap:     true,
	}}

	s, err := NewSampler(Config{Probes: []Probe{{Slice: "zone", Caller: caller}}, Events: events})
	require.NoError(t, err)

	_, err = s.Sample(context.Background())
	require.ErrorIs(t, err, rpc.ErrUnavailable)

	// Recovered node; one more head arrived meanwhile.
	caller.err = nil
	caller.block = zoneBlock(100, 8_000_000_000, 1_000_000_000_000_000_000, 0)
	events.batch = broadcaster.Batch{
		Events:  []rpc.Notification{headNotification(99, 4_000_000_000)},
		Dropped: 1,
	}

	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Gap)
	assert.Equal(t, 4, m.Dropped)
	assert.Equal(t, 2, m.Heads)
	assert.Equal(t, uint64(101), m.Slices["quai"].Number)
	assert.Equal(t, "16000000000", m.Slices["quai"].Difficulty.String())

	// Nothing is replayed once a sample succeeded.
	m, err = s.Sample(context.Background())
	require.NoError(t, err)
	assert.False(t, m.Gap)
	assert.Zero(t, m.Dropped)
	assert.Zero(t, m.Heads)
	assert.Equal(t, uint64(100), m.Slices["quai"].Number)
}

func TestSample_PendingEventsAreBounded(t *testing.T) {
	caller := &fakeCaller{err: &rpc.ConnectionError{Endpoint: "http://node", Err: errors.New("refused")}}
	events := &staticEvents{}

	s, err := NewSampler(Config{Probes: []Probe{{Slice: "zone", Caller: caller}}, Events: events})
	require.NoError(t, err)

	for i := range maxPending + 5 {
		events.batch = broadcaster.Batch{Events: []rpc.Notification{headNotification(uint64(i+1), 8_000_000_000)}}
		_, err = s.Sample(context.Background())
		require.Error(t, err)
	}

	caller.err = nil
	caller.block = zoneBlock(1, 8_000_000_000, 1, 0)
	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, maxPending, m.Heads)
	assert.Equal(t, 5, m.Dropped)
	assert.Equal(t, uint64(maxPending+5), m.Slices["quai"].Number)
}

func TestSample_RPCErrorDropsSlice(t *testing.T) {
	s, err := NewSampler(Config{
		Mode: ModeZone,
		Probes: []Probe{
			{Slice: "0-0", Caller: &fakeCaller{block: zoneBlock(10, 8_000_000_000, 3, 0)}},
			{Slice: "0-1", Caller: &fakeCaller{err: &rpc.Error{Code: -32000, Message: "zone not running"}}},
			{Slice: "0-2", Caller: &fakeCaller{err: rpc.ErrNullResult}},
		},
	})
	require.NoError(t, err)

	m, err := s.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []preference.SliceID{"0-0"}, m.SliceIDs())
}

func TestSample_NoSlicesLeft(t *testing.T) {
	s, err := NewSampler(Config{Probes: []Probe{{Slice: "zone", Caller: &fakeCaller{err: rpc.ErrNullResult}}}})
	require.NoError(t, err)

	_, err = s.Sample(context.Background())
	assert.ErrorIs(t, err, ErrNoSlices)
}

func TestSample_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		block string
	}{
		{"not json", `[1,2`},
		{"bad hex", `{"woHeader": {"number": "0x1"}, "woBody": {"header": {"minerDifficulty": "zz"}}}`},
		{"no difficulty", `{"woHeader": {"number": "0x1"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSampler(Config{Probes: []Probe{{Slice: "zone", Caller: &fakeCaller{block: tt.block}}}})
			require.NoError(t, err)

			_, err = s.Sample(context.Background())
			var sampleErr *SampleError
			require.ErrorAs(t, err, &sampleErr)
			if tt.name != "not json" {
				assert.ErrorIs(t, err, ErrMalformed)
			}
		})
	}
}

func TestSample_Window(t *testing.T) {
	caller := &fakeCaller{block: zoneBlock(1, 8_000_000_000, 2, 0)}
	s, err := NewSampler(Config{Mode: ModeZone, Window: 2, Probes: []Probe{{Slice: "0-0", Caller: caller}}})
	require.NoError(t, err)

	_, err = s.Sample(context.Background())
	require.NoError(t, err)

	caller.block = zoneBlock(2, 24_000_000_000, 2, 0)
	m, err := s.Sample(context.Background())
	require.NoError(t, err)

	r := m.Slices["0-0"]
	assert.Equal(t, uint64(2), r.Number)
	assert.Equal(t, "16000000000", r.Difficulty.String())
	assert.Equal(t, "4", r.Reward.String())
}

func TestNewSampler_Validation(t *testing.T) {
	c := &fakeCaller{}

	_, err := NewSampler(Config{})
	assert.Error(t, err, "token mode without probe")

	_, err = NewSampler(Config{Mode: "weird", Probes: []Probe{{Slice: "a", Caller: c}}})
	assert.Error(t, err)

	_, err = NewSampler(Config{Mode: ModeZone, Probes: []Probe{{Slice: "a", Caller: c}, {Slice: "a", Caller: c}}})
	assert.Error(t, err)

	_, err = NewSampler(Config{Probes: []Probe{{Slice: "zone"}}})
	assert.Error(t, err)

	_, err = NewSampler(Config{QiSlice: "x", QuaiSlice: "x", Probes: []Probe{{Slice: "zone", Caller: c}}})
	assert.Error(t, err)

	s, err := NewSampler(Config{QiDivisor: big.NewInt(0), Probes: []Probe{{Slice: "zone", Caller: c}}})
	require.NoError(t, err)
	assert.Equal(t, []preference.SliceID{"qi", "quai"}, s.Slices())
}
