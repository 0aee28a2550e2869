package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu            sync.Mutex
	notifications []Notification
	gaps          []error
}

func (s *recordingSink) Publish(n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
}

func (s *recordingSink) Unavailable(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gaps = append(s.gaps, err)
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications), len(s.gaps)
}

// wsNode serves eth_subscribe, pushes heads notifications and then hangs up.
func wsNode(t *testing.T, heads int) (*httptest.Server, *atomic.Int32) {
	t.Helper()

	var sessions atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := sessions.Add(1)

		var req request
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Method != "eth_subscribe" || len(req.Params) != 1 || req.Params[0] != "newHeads" {
			_ = conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0", "id": req.ID,
				"error": map[string]any{"code": -32602, "message": "bad params"},
			})
			return
		}

		subID := fmt.Sprintf("0xsub%d", n)
		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": subID})

		for i := 0; i < heads; i++ {
			_ = conn.WriteJSON(map[string]any{
				"jsonrpc": "2.0",
				"method":  "eth_subscription",
				"params": map[string]any{
					"subscription": subID,
					"result":       map[string]any{"number": fmt.Sprintf("0x%x", i+1)},
				},
			})
		}
		// Notifications for other subscriptions are ignored.
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "eth_subscription",
			"params":  map[string]any{"subscription": "0xother", "result": map[string]any{}},
		})
		time.Sleep(20 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)
	return srv, &sessions
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscription_ForwardsNotificationsAndReconnects(t *testing.T) {
	srv, sessions := wsNode(t, 2)

	sink := &recordingSink{}
	obs := &recordingObserver{}
	sub, err := NewSubscription(SubscriptionConfig{
		Endpoint:       wsURL(srv),
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Observer:       obs,
	}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		published, gaps := sink.counts()
		return published >= 4 && gaps >= 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.GreaterOrEqual(t, sessions.Load(), int32(2))
	assert.GreaterOrEqual(t, sub.Reconnects(), int64(2))
	assert.GreaterOrEqual(t, obs.reconnects.Load(), int32(2))
	assert.False(t, sub.Available())

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, n := range sink.notifications {
		assert.True(t, strings.HasPrefix(n.Subscription, "0xsub"))
		var head map[string]string
		require.NoError(t, json.Unmarshal(n.Result, &head))
		assert.NotEmpty(t, head["number"])
		assert.False(t, n.Received.IsZero())
	}
}

func TestSubscription_RejectedSubscribeIsReported(t *testing.T) {
	srv, _ := wsNode(t, 0)

	sink := &recordingSink{}
	sub, err := NewSubscription(SubscriptionConfig{
		Endpoint:       wsURL(srv),
		Params:         []any{"pendingTransactions"},
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, gaps := sink.counts()
		return gaps >= 1
	}, 5*time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	var rpcErr *Error
	require.ErrorAs(t, sink.gaps[0], &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
	assert.Empty(t, sink.notifications)
}

func TestSubscription_UnreachableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := wsURL(srv)
	srv.Close()

	sink := &recordingSink{}
	sub, err := NewSubscription(SubscriptionConfig{
		Endpoint:       endpoint,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go func() { _ = sub.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, gaps := sink.counts()
		return gaps >= 3
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, sub.Available())
}

func TestNewSubscription_Defaults(t *testing.T) {
	sub, err := NewSubscription(SubscriptionConfig{Endpoint: "ws://127.0.0.1:8001"}, &recordingSink{})
	require.NoError(t, err)
	assert.Equal(t, "eth_subscribe", sub.cfg.Method)
	assert.Equal(t, []any{"newHeads"}, sub.cfg.Params)
	assert.Equal(t, time.Second, sub.cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, sub.cfg.MaxBackoff)

	_, err = NewSubscription(SubscriptionConfig{Endpoint: "ws://x"}, nil)
	assert.Error(t, err)
}
