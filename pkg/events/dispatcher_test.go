package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDispatcher_RoutesByKind(t *testing.T) {
	d := NewDispatcher()
	var messages, typings int
	d.Subscribe(KindNewMessage, func(Event) { messages++ })
	d.Subscribe(KindTypingStart, func(Event) { typings++ })

	d.Dispatch(NewMessageEvent{ConversationID: "c1"})
	d.Dispatch(TypingEvent{ConversationID: "c1", Started: true})
	d.Dispatch(TypingEvent{ConversationID: "c1"}) // typing_stop: no handler

	assert.Equal(t, 1, messages)
	assert.Equal(t, 1, typings)
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	unsub := d.Subscribe(KindNewMessage, func(Event) { calls++ })

	d.Dispatch(NewMessageEvent{ConversationID: "c1"})
	unsub()
	d.Dispatch(NewMessageEvent{ConversationID: "c1"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, d.HandlerCount(KindNewMessage))
}

func TestDispatcher_MultipleHandlers(t *testing.T) {
	d := NewDispatcher()
	a, b := 0, 0
	d.Subscribe(KindNewConversation, func(Event) { a++ })
	d.Subscribe(KindNewConversation, func(Event) { b++ })

	d.Dispatch(NewConversationEvent{})

	assert.Equal(t, 1, a)
	assert.Equal(t, 1, b)
}
