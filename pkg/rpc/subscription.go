package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/jamesainslie/minepref/pkg/minepref/logging"
)

// Notification is a single subscription push from the node.
type Notification struct {
	Subscription string
	Result       json.RawMessage
	Received     time.Time
}

// Sink receives notifications and connectivity gaps from a Subscription.
// Implementations must not block.
type Sink interface {
	Publish(Notification)
	Unavailable(err error)
}

// SubscriptionConfig configures a WebSocket subscription.
type SubscriptionConfig struct {
	Endpoint string

	// Method is the subscribe method, usually eth_subscribe.
	Method string
	// Params are the subscribe params, e.g. ["newHeads"].
	Params []any

	// InitialBackoff and MaxBackoff bound the reconnect delay.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// HandshakeTimeout bounds the dial and the wait for the subscribe ack.
	HandshakeTimeout time.Duration

	Dialer   *websocket.Dialer
	Observer Observer
}

// Subscription keeps a WebSocket subscription alive, forwarding pushes to a Sink.
type Subscription struct {
	cfg        SubscriptionConfig
	sink       Sink
	log        *logging.Logger
	available  atomic.Bool
	reconnects atomic.Int64
}

type notificationParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// NewSubscription creates a subscription. Nothing is dialed until Run.
func NewSubscription(cfg SubscriptionConfig, sink Sink) (*Subscription, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("rpc: subscription endpoint is required")
	}
	if sink == nil {
		return nil, errors.New("rpc: subscription sink is required")
	}
	if cfg.Method == "" {
		cfg.Method = "eth_subscribe"
	}
	if len(cfg.Params) == 0 {
		cfg.Params = []any{"newHeads"}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = 30 * time.Second
		if cfg.MaxBackoff < cfg.InitialBackoff {
			cfg.MaxBackoff = cfg.InitialBackoff
		}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}

	return &Subscription{
		cfg:  cfg,
		sink: sink,
		log:  logging.Get("subscription"),
	}, nil
}

// Available reports whether the subscription is currently acknowledged.
func (s *Subscription) Available() bool {
	return s.available.Load()
}

// Reconnects returns the number of reconnect attempts so far.
func (s *Subscription) Reconnects() int64 {
	return s.reconnects.Load()
}

// Run maintains the subscription until ctx is done. Every disconnect is
// reported to the sink before reconnecting with exponential backoff.
func (s *Subscription) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		acked, err := s.session(ctx)
		s.setAvailable(false)

		if ctx.Err() != nil {
			return nil
		}

		if acked {
			b.Reset()
		}
		s.sink.Unavailable(err)

		wait := b.NextBackOff()
		s.reconnects.Add(1)
		s.cfg.Observer.Reconnect()
		s.log.Warn("subscription lost, reconnecting", "endpoint", s.cfg.Endpoint, "err", err, "in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Subscription) setAvailable(v bool) {
	if s.available.Swap(v) != v {
		s.cfg.Observer.Connected(v)
	}
}

// session runs one connection. acked reports whether the subscribe call was
// acknowledged before the connection ended.
func (s *Subscription) session(ctx context.Context) (acked bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	conn, _, err := s.cfg.Dialer.DialContext(dialCtx, s.cfg.Endpoint, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", s.cfg.Endpoint, err)
	}
	defer conn.Close()

	// Unblocks ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	const subscribeID = 1
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := conn.WriteJSON(request{
		JSONRPC: "2.0",
		ID:      subscribeID,
		Method:  s.cfg.Method,
		Params:  s.cfg.Params,
	}); err != nil {
		return false, fmt.Errorf("sending %s: %w", s.cfg.Method, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	subID, err := s.awaitAck(conn, subscribeID)
	if err != nil {
		return false, err
	}

	s.setAvailable(true)
	s.log.Info("subscribed", "endpoint", s.cfg.Endpoint, "method", s.cfg.Method, "params", s.cfg.Params, "id", subID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("reading subscription: %w", err)
		}

		var msg response
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Warn("ignoring undecodable message", "err", err)
			continue
		}
		if msg.Method != "eth_subscription" && msg.Method != s.cfg.Method {
			continue
		}

		var params notificationParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.log.Warn("ignoring undecodable notification", "err", err)
			continue
		}
		if params.Subscription != "" && params.Subscription != subID {
			continue
		}

		s.sink.Publish(Notification{
			Subscription: params.Subscription,
			Result:       params.Result,
			Received:     time.Now(),
		})
	}
}

func (s *Subscription) awaitAck(conn *websocket.Conn, id uint64) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	want := fmt.Sprint(id)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("awaiting %s ack: %w", s.cfg.Method, err)
		}

		var msg response
		if err := json.Unmarshal(data, &msg); err != nil {
			return "", fmt.Errorf("%w: ack: %v", ErrDecode, err)
		}
		if string(msg.ID) != want {
			continue
		}
		if msg.Error != nil {
			return "", msg.Error
		}

		var subID string
		if err := json.Unmarshal(msg.Result, &subID); err != nil {
			return "", fmt.Errorf("%w: subscription id: %v", ErrDecode, err)
		}
		return subID, nil
	}
}
