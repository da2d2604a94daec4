package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/tinyinbox/pkg/events"
)

func TestEventBus_InboundRoundTrip(t *testing.T) {
	eb := NewEventBus()
	defer eb.Close()

	ev := events.TypingEvent{ConversationID: "c1", Started: true}
	require.NoError(t, eb.PublishInbound(context.Background(), ev))

	got, ok := eb.ConsumeInbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, ev, got)
}

func TestEventBus_OutboundRoundTrip(t *testing.T) {
	eb := NewEventBus()
	defer eb.Close()

	act := events.Action{Name: events.ActionJoin, ConversationID: "c1"}
	require.NoError(t, eb.PublishOutbound(context.Background(), act))

	got, ok := eb.ConsumeOutbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, act, got)
}

func TestEventBus_PublishAfterClose(t *testing.T) {
	eb := NewEventBus()
	eb.Close()

	err := eb.PublishInbound(context.Background(), events.TypingEvent{ConversationID: "c1"})
	assert.ErrorIs(t, err, ErrBusClosed)

	err = eb.PublishOutbound(context.Background(), events.Action{Name: events.ActionLeave})
	assert.ErrorIs(t, err, ErrBusClosed)

	// Close is idempotent.
	eb.Close()
}

func TestEventBus_ConsumeUnblocksOnClose(t *testing.T) {
	eb := NewEventBus()

	done := make(chan bool, 1)
	go func() {
		_, ok := eb.ConsumeInbound(context.Background())
		done <- ok
	}()

	eb.Close()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("consume did not unblock on close")
	}
}

func TestEventBus_ConsumeHonorsContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := eb.ConsumeInbound(ctx)
	assert.False(t, ok)
}
