package broadcaster

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jamesainslie/minepref/pkg/rpc"
)

func head(n int) rpc.Notification {
	raw, _ := json.Marshal(map[string]int{"number": n})
	return rpc.Notification{Subscription: "0x1", Result: raw, Received: time.Now()}
}

func TestBroadcaster_Subscribe(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(8)
	require.NotNil(t, sub)
	assert.NotEmpty(t, sub.ID)
	assert.Equal(t, 8, cap(sub.Events))
	assert.Equal(t, 1, b.SubscriberCount())

	assert.Equal(t, DefaultBuffer, cap(b.Subscribe(0).Events))
}

func TestBroadcaster_PublishAndDrain(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(4)
	b.Publish(head(1))
	b.Publish(head(2))

	select {
	case <-sub.Wake():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected wake-up")
	}

	batch := sub.Drain()
	require.Len(t, batch.Events, 2)
	assert.Zero(t, batch.Dropped)
	assert.False(t, batch.Gap)
	assert.Equal(t, int64(2), b.Published())

	// Drain never blocks on an empty buffer.
	assert.Empty(t, sub.Drain().Events)
}

func TestBroadcaster_OverflowCountsDrops(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(2)
	for i := 0; i < 5; i++ {
		b.Publish(head(i))
	}

	batch := sub.Drain()
	assert.Len(t, batch.Events, 2)
	assert.Equal(t, 3, batch.Dropped)

	// Counters reset after a drain.
	assert.Zero(t, sub.Drain().Dropped)
}

func TestBroadcaster_UnavailableMarksGap(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(2)
	cause := errors.New("connection reset")
	b.Unavailable(cause)

	batch := sub.Drain()
	assert.True(t, batch.Gap)
	assert.Equal(t, cause, batch.GapErr)
	assert.False(t, sub.Drain().Gap)
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe(2)
	b.Unsubscribe(sub.ID)

	_, ok := <-sub.Events
	assert.False(t, ok, "events channel should be closed")
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestBroadcaster_Close(t *testing.T) {
	b := New()
	sub := b.Subscribe(2)
	b.Close()
	b.Close()

	assert.Nil(t, b.Subscribe(2))
	b.Publish(head(1))
	assert.Empty(t, sub.Drain().Events)
}
