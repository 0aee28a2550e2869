// Package broadcaster fans subscription notifications out to bounded
// per-consumer buffers that are drained without blocking.
package broadcaster

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jamesainslie/minepref/pkg/rpc"
)

// DefaultBuffer is the per-subscriber capacity used when none is given.
const DefaultBuffer = 100

// Batch is everything a subscriber accumulated since its last Drain.
type Batch struct {
	Events []rpc.Notification
	// Dropped counts events lost because the buffer was full.
	Dropped int
	// Gap is set when the upstream subscription was unavailable at some point.
	Gap bool
	// GapErr is the most recent upstream error behind Gap.
	GapErr error
}

// Subscriber is a bounded consumer of notifications.
type Subscriber struct {
	ID     string
	Events chan rpc.Notification

	wake    chan struct{}
	dropped atomic.Int64
	mu      sync.Mutex
	gap     bool
	gapErr  error
}

// Wake fires at most once per burst of notifications.
func (s *Subscriber) Wake() <-chan struct{} {
	return s.wake
}

// Drain empties the buffer without blocking and resets the counters.
func (s *Subscriber) Drain() Batch {
	var b Batch
	for {
		select {
		case ev, ok := <-s.Events:
			if !ok {
				return s.finish(b)
			}
			b.Events = append(b.Events, ev)
		default:
			return s.finish(b)
		}
	}
}

func (s *Subscriber) finish(b Batch) Batch {
	b.Dropped = int(s.dropped.Swap(0))
	s.mu.Lock()
	b.Gap, b.GapErr = s.gap, s.gapErr
	s.gap, s.gapErr = false, nil
	s.mu.Unlock()
	return b
}

func (s *Subscriber) markGap(err error) {
	s.mu.Lock()
	s.gap = true
	s.gapErr = err
	s.mu.Unlock()
}

func (s *Subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Broadcaster distributes notifications to subscribers. It implements rpc.Sink.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	published   atomic.Int64
}

var _ rpc.Sink = (*Broadcaster)(nil)

// New creates a new Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a consumer with the given buffer capacity.
func (b *Broadcaster) Subscribe(buffer int) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	sub := &Subscriber{
		ID:     uuid.New().String(),
		Events: make(chan rpc.Notification, buffer),
		wake:   make(chan struct{}, 1),
	}
	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Publish delivers n to every subscriber, dropping it for those whose buffer is full.
func (b *Broadcaster) Publish(n rpc.Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)

	for _, sub := range b.subscribers {
		select {
		case sub.Events <- n:
		default:
			sub.dropped.Add(1)
		}
		sub.signal()
	}
}

// Unavailable flags a gap on every subscriber.
func (b *Broadcaster) Unavailable(err error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		sub.markGap(err)
	}
}

// Published returns the number of notifications received so far.
func (b *Broadcaster) Published() int64 {
	return b.published.Load()
}

// Close closes the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Events)
	}
	b.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
