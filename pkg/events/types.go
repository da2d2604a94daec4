// Package events defines the typed event union delivered by the push
// channel, the outbound action set, and the websocket adapter that decodes
// raw frames at the boundary so the rest of the engine only ever sees
// well-typed, defaulted records.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/tinyinbox/pkg/inbox"
)

// Kind discriminates the event union.
type Kind string

const (
	KindNewMessage          Kind = "new_message"
	KindNewConversation     Kind = "new_conversation"
	KindConversationUpdated Kind = "conversation_updated"
	KindTypingStart         Kind = "typing_start"
	KindTypingStop          Kind = "typing_stop"
	KindNewSocialMessage    Kind = "new_social_message"
	KindRefreshInstagram    Kind = "refresh_instagram_chat"
	KindRefreshFacebook     Kind = "refresh_facebook_chat"
)

// ErrUnknownEvent is returned by Decode for an unrecognized event kind.
var ErrUnknownEvent = errors.New("unknown event kind")

// ErrMissingConversation is returned when a payload has no conversation id
// to attach to.
var ErrMissingConversation = errors.New("event payload missing conversation id")

// Event is one decoded push-channel delta.
type Event interface {
	EventKind() Kind
}

// NewMessageEvent carries one incoming message. Social deliveries
// (new_social_message) share the shape and set Social.
type NewMessageEvent struct {
	ConversationID string
	MessageID      string
	Sender         inbox.Sender
	Content        string
	SentAt         time.Time
	Platform       inbox.Platform
	CorrelationID  string
	Social         bool
}

func (e NewMessageEvent) EventKind() Kind {
	if e.Social {
		return KindNewSocialMessage
	}
	return KindNewMessage
}

// NewConversationEvent carries a full summary for a newly opened conversation.
type NewConversationEvent struct {
	Summary inbox.ConversationSummary
}

func (NewConversationEvent) EventKind() Kind { return KindNewConversation }

// ConversationUpdatedEvent carries a partial field patch.
type ConversationUpdatedEvent struct {
	ConversationID string
	Patch          inbox.SummaryPatch
}

func (ConversationUpdatedEvent) EventKind() Kind { return KindConversationUpdated }

// TypingEvent signals a remote typing indicator change.
type TypingEvent struct {
	ConversationID string
	Started        bool
}

func (e TypingEvent) EventKind() Kind {
	if e.Started {
		return KindTypingStart
	}
	return KindTypingStop
}

// RefreshEvent signals "re-fetch this platform's snapshot" instead of
// carrying a delta.
type RefreshEvent struct {
	Platform inbox.Platform
}

func (e RefreshEvent) EventKind() Kind {
	if e.Platform == inbox.PlatformFacebook {
		return KindRefreshFacebook
	}
	return KindRefreshInstagram
}

// ActionName identifies an outbound action on the push channel.
type ActionName string

const (
	ActionJoin        ActionName = "join"
	ActionLeave       ActionName = "leave"
	ActionTypingStart ActionName = "typing_start"
	ActionTypingStop  ActionName = "typing_stop"
)

// Action is one outbound frame (join/leave a conversation room, typing).
type Action struct {
	Name           ActionName `json:"action"`
	ConversationID string     `json:"conversation_id"`
}

type envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type messagePayload struct {
	ConversationID string         `json:"conversation_id"`
	MessageID      string         `json:"message_id"`
	Sender         inbox.Sender   `json:"sender"`
	Content        string         `json:"content"`
	SentAt         time.Time      `json:"sent_at"`
	Platform       inbox.Platform `json:"platform"`
	CorrelationID  string         `json:"correlation_id"`
}

type updatePayload struct {
	ConversationID string `json:"conversation_id"`
	inbox.SummaryPatch
}

type typingPayload struct {
	ConversationID string `json:"conversation_id"`
}

// Decode validates and defaults one raw frame into a typed event. Partial
// payloads are defaulted rather than rejected; only an unusable payload
// (no conversation to attach to) or an unknown kind is an error.
func Decode(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding event frame: %w", err)
	}

	switch env.Event {
	case KindNewMessage, KindNewSocialMessage:
		var p messagePayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("decoding %s payload: %w", env.Event, err)
			}
		}
		if p.ConversationID == "" {
			return nil, ErrMissingConversation
		}
		ev := NewMessageEvent{
			ConversationID: p.ConversationID,
			MessageID:      p.MessageID,
			Sender:         p.Sender,
			Content:        p.Content,
			SentAt:         p.SentAt,
			Platform:       p.Platform,
			CorrelationID:  p.CorrelationID,
			Social:         env.Event == KindNewSocialMessage,
		}
		if ev.MessageID == "" {
			ev.MessageID = uuid.New().String()
		}
		if ev.Sender == "" {
			ev.Sender = inbox.SenderCustomer
		}
		if ev.SentAt.IsZero() {
			ev.SentAt = time.Now().UTC()
		}
		if ev.Platform == "" {
			ev.Platform = inbox.PlatformDefault
		}
		return ev, nil

	case KindNewConversation:
		var s inbox.ConversationSummary
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &s); err != nil {
				return nil, fmt.Errorf("decoding new_conversation payload: %w", err)
			}
		}
		if s.ID == "" {
			return nil, ErrMissingConversation
		}
		if s.LastActivityTime.IsZero() {
			s.LastActivityTime = time.Now().UTC()
		}
		return NewConversationEvent{Summary: s}, nil

	case KindConversationUpdated:
		var p updatePayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("decoding conversation_updated payload: %w", err)
			}
		}
		if p.ConversationID == "" {
			return nil, ErrMissingConversation
		}
		return ConversationUpdatedEvent{ConversationID: p.ConversationID, Patch: p.SummaryPatch}, nil

	case KindTypingStart, KindTypingStop:
		var p typingPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("decoding typing payload: %w", err)
			}
		}
		if p.ConversationID == "" {
			return nil, ErrMissingConversation
		}
		return TypingEvent{ConversationID: p.ConversationID, Started: env.Event == KindTypingStart}, nil

	case KindRefreshInstagram:
		return RefreshEvent{Platform: inbox.PlatformInstagram}, nil
	case KindRefreshFacebook:
		return RefreshEvent{Platform: inbox.PlatformFacebook}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
}
