// Package socket wraps the bidirectional push channel. It owns the websocket
// connection, decodes inbound frames into typed events at the boundary, and
// writes outbound room/typing actions. Reconnection is automatic; per-room
// delivery ordering is the server's responsibility.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinyland-inc/tinyinbox/pkg/bus"
	"github.com/tinyland-inc/tinyinbox/pkg/events"
	"github.com/tinyland-inc/tinyinbox/pkg/logger"
)

// ErrNotConnected is returned when an action is written while the socket is
// down and the action cannot be buffered.
var ErrNotConnected = errors.New("socket not connected")

const maxReconnectDelay = 30 * time.Second

// Config holds adapter settings.
type Config struct {
	URL           string
	Header        http.Header
	ReconnectBase time.Duration
}

// Adapter is the event channel adapter. Inbound frames are decoded and
// published to the bus; outbound actions are consumed from the bus and
// written to the socket.
type Adapter struct {
	cfg    Config
	bus    *bus.EventBus
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAdapter creates an adapter publishing into the given bus.
func NewAdapter(cfg Config, eb *bus.EventBus) *Adapter {
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	return &Adapter{
		cfg:    cfg,
		bus:    eb,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Start launches the read and write loops. It returns immediately; the first
// dial happens asynchronously so a dead backend does not block startup (the
// periodic snapshot refresh covers the gap).
func (a *Adapter) Start(ctx context.Context) error {
	if a.running.Swap(true) {
		return errors.New("adapter already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go a.readLoop(runCtx)
	go a.writeLoop(runCtx)
	return nil
}

// Stop tears the connection down and waits for the loops to exit.
func (a *Adapter) Stop() {
	if !a.running.Swap(false) {
		return
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// IsRunning reports whether the adapter loops are active.
func (a *Adapter) IsRunning() bool {
	return a.running.Load()
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()

	attempt := 0
	for ctx.Err() == nil {
		conn, _, err := a.dialer.DialContext(ctx, a.cfg.URL, a.cfg.Header)
		if err != nil {
			delay := reconnectDelay(a.cfg.ReconnectBase, attempt)
			attempt++
			logger.WarnCF("socket", "Dial failed, retrying", map[string]any{
				"error": err.Error(),
				"delay": delay.String(),
			})
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		a.mu.Lock()
		a.conn = conn
		a.mu.Unlock()
		logger.InfoC("socket", "Connected to push channel")

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					logger.WarnCF("socket", "Read failed, reconnecting", map[string]any{
						"error": err.Error(),
					})
				}
				break
			}
			a.handleFrame(ctx, data)
		}

		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
		conn.Close()
	}
}

// handleFrame decodes one raw frame and publishes the typed event. Malformed
// frames are logged and dropped, never fatal.
func (a *Adapter) handleFrame(ctx context.Context, data []byte) {
	ev, err := events.Decode(data)
	if err != nil {
		logger.WarnCF("socket", "Dropping undecodable frame", map[string]any{
			"error": err.Error(),
		})
		return
	}
	if err := a.bus.PublishInbound(ctx, ev); err != nil {
		logger.DebugCF("socket", "Inbound publish failed", map[string]any{
			"error": err.Error(),
		})
	}
}

func (a *Adapter) writeLoop(ctx context.Context) {
	defer a.wg.Done()

	for {
		act, ok := a.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		if err := a.writeWithWait(ctx, act); err != nil {
			logger.DebugCF("socket", "Action dropped", map[string]any{
				"action":          string(act.Name),
				"conversation_id": act.ConversationID,
				"error":           err.Error(),
			})
		}
	}
}

// writeWithWait rides out a short reconnect window before giving up on an
// action, so joins issued while the dial is still in flight are not lost.
func (a *Adapter) writeWithWait(ctx context.Context, act events.Action) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := a.writeAction(act)
		if !errors.Is(err, ErrNotConnected) || time.Now().After(deadline) {
			return err
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (a *Adapter) writeAction(act events.Action) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(act)
	if err != nil {
		return err
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func reconnectDelay(base time.Duration, attempt int) time.Duration {
	delay := base << attempt
	if delay > maxReconnectDelay || delay <= 0 {
		return maxReconnectDelay
	}
	return delay
}
