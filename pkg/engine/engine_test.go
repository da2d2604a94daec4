package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyland-inc/tinyinbox/pkg/events"
	"github.com/tinyland-inc/tinyinbox/pkg/inbox"
)

type fakeBackend struct {
	mu            sync.Mutex
	snapshot      []inbox.ConversationSummary
	complete      bool
	snapshotErr   error
	snapshotCalls int
	singles       map[string]inbox.ConversationSummary
	singleCalls   int
	messages      map[string][]inbox.Message
	sent          []inbox.Message
	markedRead    []string
	statuses      map[string]inbox.Status
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		complete: true,
		singles:  make(map[string]inbox.ConversationSummary),
		messages: make(map[string][]inbox.Message),
		statuses: make(map[string]inbox.Status),
	}
}

func (f *fakeBackend) Conversations(ctx context.Context, platform inbox.Platform) ([]inbox.ConversationSummary, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotCalls++
	if f.snapshotErr != nil {
		return nil, false, f.snapshotErr
	}
	if platform == "" {
		return append([]inbox.ConversationSummary(nil), f.snapshot...), f.complete, nil
	}
	var out []inbox.ConversationSummary
	for _, rec := range f.snapshot {
		if rec.Platform == platform {
			out = append(out, rec)
		}
	}
	return out, f.complete, nil
}

func (f *fakeBackend) Conversation(ctx context.Context, id string) (inbox.ConversationSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.singleCalls++
	rec, ok := f.singles[id]
	if !ok {
		return inbox.ConversationSummary{}, errors.New("conversation not found")
	}
	return rec, nil
}

func (f *fakeBackend) FetchMessages(ctx context.Context, id string) ([]inbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inbox.Message(nil), f.messages[id]...), nil
}

func (f *fakeBackend) SendMessage(ctx context.Context, id, content, correlationID string) (inbox.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := inbox.Message{
		ID:             "srv-" + correlationID,
		ConversationID: id,
		Sender:         inbox.SenderAgent,
		Content:        content,
		SentAt:         time.Now().UTC(),
		CorrelationID:  correlationID,
	}
	f.sent = append(f.sent, msg)
	return msg, nil
}

func (f *fakeBackend) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, id)
	return nil
}

func (f *fakeBackend) SetStatus(ctx context.Context, id string, status inbox.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func summary(id string, p inbox.Platform, ts time.Time) inbox.ConversationSummary {
	return inbox.ConversationSummary{
		ID:               id,
		DisplayName:      "Customer " + id,
		Platform:         p,
		LastActivityTime: ts,
	}
}

func startEngine(t *testing.T, backend *fakeBackend, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(backend, opts...)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Close)
	return e
}

func TestEngine_LoadPopulatesStore(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now().UTC()
	backend.snapshot = []inbox.ConversationSummary{
		summary("c1", inbox.PlatformWhatsApp, now),
		summary("c2", inbox.PlatformFacebook, now.Add(-time.Minute)),
	}

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))
	assert.Equal(t, 2, e.Store().Len())
}

func TestEngine_CompleteSnapshotPrunesAllPlatforms(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now().UTC()
	backend.snapshot = []inbox.ConversationSummary{
		summary("c1", inbox.PlatformWhatsApp, now),
		summary("c2", inbox.PlatformFacebook, now),
	}

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))

	backend.mu.Lock()
	backend.snapshot = []inbox.ConversationSummary{summary("c1", inbox.PlatformWhatsApp, now)}
	backend.mu.Unlock()

	require.NoError(t, e.Load(context.Background()))
	assert.Equal(t, 1, e.Store().Len())
	_, ok := e.Store().Get("c2")
	assert.False(t, ok)
}

func TestEngine_NewMessageEventUpdatesStoreAndThread(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now().UTC()
	backend.snapshot = []inbox.ConversationSummary{summary("c1", inbox.PlatformWhatsApp, now.Add(-time.Hour))}

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))

	err := e.Bus().PublishInbound(context.Background(), events.NewMessageEvent{
		ConversationID: "c1",
		MessageID:      "m1",
		Sender:         inbox.SenderCustomer,
		Content:        "hello there",
		SentAt:         now,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := e.Store().Get("c1")
		return ok && rec.LastMessagePreview == "hello there"
	}, 2*time.Second, 5*time.Millisecond)

	rec, _ := e.Store().Get("c1")
	assert.True(t, rec.Unread)
	msgs := e.Threads().Messages("c1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestEngine_UnknownConversationFetchedOnDemand(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now().UTC()
	backend.singles["ghost"] = summary("ghost", inbox.PlatformInstagram, now)

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))

	err := e.Bus().PublishInbound(context.Background(), events.NewMessageEvent{
		ConversationID: "ghost",
		MessageID:      "m1",
		Content:        "anyone home?",
		SentAt:         now,
		Social:         true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := e.Store().Get("ghost")
		return ok && rec.LastMessagePreview == "anyone home?"
	}, 2*time.Second, 5*time.Millisecond)

	backend.mu.Lock()
	calls := backend.singleCalls
	backend.mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestEngine_SelectJoinsRoomAndMarksRead(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now().UTC()
	backend.snapshot = []inbox.ConversationSummary{summary("c1", inbox.PlatformWhatsApp, now)}
	backend.messages["c1"] = []inbox.Message{
		{ID: "m1", ConversationID: "c1", Sender: inbox.SenderCustomer, Content: "hi", SentAt: now},
	}

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))

	require.NoError(t, e.Select(context.Background(), "c1"))
	assert.Equal(t, "c1", e.SelectedID())
	assert.Len(t, e.Threads().Messages("c1"), 1)

	act, ok := e.Bus().ConsumeOutbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, events.ActionJoin, act.Name)
	assert.Equal(t, "c1", act.ConversationID)

	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.markedRead) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_SelectedConversationStaysRead(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now().UTC()
	backend.snapshot = []inbox.ConversationSummary{summary("c1", inbox.PlatformWhatsApp, now.Add(-time.Hour))}

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))
	require.NoError(t, e.Select(context.Background(), "c1"))

	err := e.Bus().PublishInbound(context.Background(), events.NewMessageEvent{
		ConversationID: "c1",
		MessageID:      "m2",
		Content:        "still here",
		SentAt:         now,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, _ := e.Store().Get("c1")
		return rec.LastMessagePreview == "still here"
	}, 2*time.Second, 5*time.Millisecond)

	rec, _ := e.Store().Get("c1")
	assert.False(t, rec.Unread)
}

func TestEngine_DeselectLeavesRoom(t *testing.T) {
	backend := newFakeBackend()
	backend.snapshot = []inbox.ConversationSummary{summary("c1", inbox.PlatformWhatsApp, time.Now().UTC())}

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))
	require.NoError(t, e.Select(context.Background(), "c1"))

	act, _ := e.Bus().ConsumeOutbound(context.Background())
	require.Equal(t, events.ActionJoin, act.Name)

	e.Deselect(context.Background())
	assert.Empty(t, e.SelectedID())

	act, ok := e.Bus().ConsumeOutbound(context.Background())
	require.True(t, ok)
	assert.Equal(t, events.ActionLeave, act.Name)
}

func TestEngine_SendBumpsSummary(t *testing.T) {
	backend := newFakeBackend()
	backend.snapshot = []inbox.ConversationSummary{summary("c1", inbox.PlatformWhatsApp, time.Now().UTC().Add(-time.Hour))}

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))

	require.NoError(t, e.Send(context.Background(), "c1", "on my way"))

	rec, _ := e.Store().Get("c1")
	assert.Equal(t, "on my way", rec.LastMessagePreview)
	assert.False(t, rec.Unread)

	msgs := e.Threads().Messages("c1")
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Pending)
}

func TestEngine_SetStatus(t *testing.T) {
	backend := newFakeBackend()
	backend.snapshot = []inbox.ConversationSummary{summary("c1", inbox.PlatformWhatsApp, time.Now().UTC())}

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))

	require.NoError(t, e.SetStatus(context.Background(), "c1", inbox.StatusClosed))

	rec, _ := e.Store().Get("c1")
	assert.Equal(t, inbox.StatusClosed, rec.StatusLabel)
	backend.mu.Lock()
	assert.Equal(t, inbox.StatusClosed, backend.statuses["c1"])
	backend.mu.Unlock()
}

func TestEngine_TypingEventsTrackIndicator(t *testing.T) {
	backend := newFakeBackend()
	backend.snapshot = []inbox.ConversationSummary{summary("c1", inbox.PlatformWhatsApp, time.Now().UTC())}

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))

	require.NoError(t, e.Bus().PublishInbound(context.Background(), events.TypingEvent{ConversationID: "c1", Started: true}))
	require.Eventually(t, func() bool {
		rec, _ := e.Store().Get("c1")
		return rec.Typing
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.Bus().PublishInbound(context.Background(), events.TypingEvent{ConversationID: "c1"}))
	require.Eventually(t, func() bool {
		rec, _ := e.Store().Get("c1")
		return !rec.Typing
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_RefreshEventRefetchesPlatform(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now().UTC()

	e := startEngine(t, backend)
	require.NoError(t, e.Load(context.Background()))
	assert.Equal(t, 0, e.Store().Len())

	backend.mu.Lock()
	backend.snapshot = []inbox.ConversationSummary{summary("ig1", inbox.PlatformInstagram, now)}
	backend.mu.Unlock()

	require.NoError(t, e.Bus().PublishInbound(context.Background(), events.RefreshEvent{Platform: inbox.PlatformInstagram}))

	require.Eventually(t, func() bool {
		_, ok := e.Store().Get("ig1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_LoadFailureIsTerminalUntilRetry(t *testing.T) {
	backend := newFakeBackend()
	backend.snapshotErr = &fatalErr{}

	e := startEngine(t, backend, WithBackoff(time.Millisecond, 2))
	require.Error(t, e.Load(context.Background()))
	assert.Error(t, e.LoadErr())

	backend.mu.Lock()
	backend.snapshotErr = nil
	backend.mu.Unlock()

	require.NoError(t, e.Retry(context.Background()))
	assert.NoError(t, e.LoadErr())
}

type fatalErr struct{}

func (*fatalErr) Error() string { return "backend exploded" }

func instagramSelfIDs(p inbox.Platform) []string {
	if p == inbox.PlatformInstagram {
		return []string{"self-1"}
	}
	return nil
}

func TestEngine_SnapshotResolvesSocialIdentity(t *testing.T) {
	backend := newFakeBackend()
	backend.snapshot = []inbox.ConversationSummary{{
		ID:               "ig1",
		Platform:         inbox.PlatformInstagram,
		LastActivityTime: time.Now().UTC(),
		Participants: []inbox.Participant{
			{ID: "self-1", Name: "Our Shop"},
			{ID: "u9", Name: "Jordan", AvatarURL: "https://cdn.example.com/j.png"},
		},
	}}

	e := startEngine(t, backend, WithSelfIDs(instagramSelfIDs))
	require.NoError(t, e.Load(context.Background()))

	rec, ok := e.Store().Get("ig1")
	require.True(t, ok)
	assert.Equal(t, "Jordan", rec.DisplayName)
	assert.Equal(t, "https://cdn.example.com/j.png", rec.Avatar)
}

func TestEngine_NewConversationEventResolvesSocialIdentity(t *testing.T) {
	backend := newFakeBackend()
	e := startEngine(t, backend, WithSelfIDs(instagramSelfIDs))
	require.NoError(t, e.Load(context.Background()))

	err := e.Bus().PublishInbound(context.Background(), events.NewConversationEvent{
		Summary: inbox.ConversationSummary{
			ID:               "ig2",
			Platform:         inbox.PlatformInstagram,
			LastActivityTime: time.Now().UTC(),
			Participants: []inbox.Participant{
				{ID: "self-1", Name: "Our Shop"},
				{ID: "u3", Username: "sam_r"},
			},
		},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := e.Store().Get("ig2")
		return ok && rec.DisplayName == "sam_r"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_OnDemandFetchResolvesSocialIdentity(t *testing.T) {
	backend := newFakeBackend()
	now := time.Now().UTC()
	backend.singles["ig3"] = inbox.ConversationSummary{
		ID:               "ig3",
		Platform:         inbox.PlatformInstagram,
		LastActivityTime: now,
		Participants: []inbox.Participant{
			{ID: "self-1", Name: "Our Shop"},
			{ID: "u4", Name: "Robin"},
		},
	}

	e := startEngine(t, backend, WithSelfIDs(instagramSelfIDs))
	require.NoError(t, e.Load(context.Background()))

	err := e.Bus().PublishInbound(context.Background(), events.NewMessageEvent{
		ConversationID: "ig3",
		MessageID:      "m1",
		Content:        "hi",
		SentAt:         now,
		Social:         true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := e.Store().Get("ig3")
		return ok && rec.DisplayName == "Robin"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_CloseUnsubscribesAndRejectsRestart(t *testing.T) {
	backend := newFakeBackend()
	e := NewEngine(backend)
	require.NoError(t, e.Start(context.Background()))
	require.Positive(t, e.disp.HandlerCount(events.KindNewMessage))

	e.Close()
	assert.Zero(t, e.disp.HandlerCount(events.KindNewMessage))
	assert.Zero(t, e.disp.HandlerCount(events.KindNewConversation))
	assert.Zero(t, e.disp.HandlerCount(events.KindTypingStart))
	assert.Error(t, e.Start(context.Background()))

	// Idempotent.
	e.Close()
}
