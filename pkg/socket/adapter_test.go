package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/tinyinbox/pkg/bus"
	"github.com/tinyland-inc/tinyinbox/pkg/events"
)

// wsTestServer upgrades one connection, pushes the given frames, then relays
// every client frame into received.
func wsTestServer(t *testing.T, frames []string, received chan []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- data
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAdapter_InboundFrameDecodedAndPublished(t *testing.T) {
	received := make(chan []byte, 1)
	srv := wsTestServer(t, []string{
		`{"event":"new_message","data":{"conversation_id":"c1","content":"hi"}}`,
		`{"event":"bogus_kind"}`, // dropped, must not kill the loop
		`{"event":"typing_start","data":{"conversation_id":"c1"}}`,
	}, received)

	eb := bus.NewEventBus()
	a := NewAdapter(Config{URL: wsURL(srv)}, eb)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	ev, ok := eb.ConsumeInbound(ctx)
	require.True(t, ok)
	msg, isMsg := ev.(events.NewMessageEvent)
	require.True(t, isMsg)
	assert.Equal(t, "c1", msg.ConversationID)

	ev, ok = eb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, events.TypingEvent{ConversationID: "c1", Started: true}, ev)
}

func TestAdapter_OutboundActionWritten(t *testing.T) {
	received := make(chan []byte, 1)
	srv := wsTestServer(t, nil, received)

	eb := bus.NewEventBus()
	a := NewAdapter(Config{URL: wsURL(srv)}, eb)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop()

	// Wait for the connection so the write happens on the first attempt.
	require.Eventually(t, func() bool {
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.conn != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eb.PublishOutbound(ctx, events.Action{
		Name:           events.ActionJoin,
		ConversationID: "c1",
	}))

	select {
	case data := <-received:
		var act events.Action
		require.NoError(t, json.Unmarshal(data, &act))
		assert.Equal(t, events.ActionJoin, act.Name)
		assert.Equal(t, "c1", act.ConversationID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for action frame")
	}
}

func TestAdapter_StartTwice(t *testing.T) {
	eb := bus.NewEventBus()
	a := NewAdapter(Config{URL: "ws://127.0.0.1:0"}, eb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	defer a.Stop()
	assert.Error(t, a.Start(ctx))
}

func TestReconnectDelay(t *testing.T) {
	base := time.Second
	assert.Equal(t, time.Second, reconnectDelay(base, 0))
	assert.Equal(t, 4*time.Second, reconnectDelay(base, 2))
	assert.Equal(t, maxReconnectDelay, reconnectDelay(base, 10))
	assert.Equal(t, maxReconnectDelay, reconnectDelay(base, 63))
}
