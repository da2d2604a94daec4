// Package bus decouples the socket read loop from the sync engine. Decoded
// events flow inbound, room/typing actions flow outbound.
package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/tinyland-inc/tinyinbox/pkg/events"
)

// ErrBusClosed is returned when publishing to a closed EventBus.
var ErrBusClosed = errors.New("event bus closed")

type EventBus struct {
	inbound  chan events.Event
	outbound chan events.Action
	done     chan struct{}
	closed   atomic.Bool
}

func NewEventBus() *EventBus {
	return &EventBus{
		inbound:  make(chan events.Event, 100),
		outbound: make(chan events.Action, 100),
		done:     make(chan struct{}),
	}
}

func (eb *EventBus) PublishInbound(ctx context.Context, ev events.Event) error {
	if eb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case eb.inbound <- ev:
		return nil
	case <-eb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *EventBus) ConsumeInbound(ctx context.Context) (events.Event, bool) {
	select {
	case ev, ok := <-eb.inbound:
		return ev, ok
	case <-eb.done:
		return nil, false
	case <-ctx.Done():
		return nil, false
	}
}

func (eb *EventBus) PublishOutbound(ctx context.Context, act events.Action) error {
	if eb.closed.Load() {
		return ErrBusClosed
	}
	select {
	case eb.outbound <- act:
		return nil
	case <-eb.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (eb *EventBus) ConsumeOutbound(ctx context.Context) (events.Action, bool) {
	select {
	case act, ok := <-eb.outbound:
		return act, ok
	case <-eb.done:
		return events.Action{}, false
	case <-ctx.Done():
		return events.Action{}, false
	}
}

func (eb *EventBus) Close() {
	if eb.closed.CompareAndSwap(false, true) {
		close(eb.done)
	}
}
