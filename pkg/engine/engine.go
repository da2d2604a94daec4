// Package engine wires the conversation store, thread cache, event bus and
// snapshot loader into one sync engine: REST snapshots establish state, socket
// events keep it current, and a fallback refresh heals silent event loss.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tinyland-inc/tinyinbox/pkg/api"
	"github.com/tinyland-inc/tinyinbox/pkg/bus"
	"github.com/tinyland-inc/tinyinbox/pkg/events"
	"github.com/tinyland-inc/tinyinbox/pkg/inbox"
	"github.com/tinyland-inc/tinyinbox/pkg/logger"
	"github.com/tinyland-inc/tinyinbox/pkg/retry"
	"github.com/tinyland-inc/tinyinbox/pkg/thread"
)

// Backend is the REST surface the engine depends on. *api.Client satisfies it.
type Backend interface {
	Conversations(ctx context.Context, platform inbox.Platform) ([]inbox.ConversationSummary, bool, error)
	Conversation(ctx context.Context, conversationID string) (inbox.ConversationSummary, error)
	FetchMessages(ctx context.Context, conversationID string) ([]inbox.Message, error)
	SendMessage(ctx context.Context, conversationID, content, correlationID string) (inbox.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	SetStatus(ctx context.Context, conversationID string, status inbox.Status) error
}

var knownPlatforms = []inbox.Platform{
	inbox.PlatformDefault,
	inbox.PlatformFacebook,
	inbox.PlatformInstagram,
	inbox.PlatformWhatsApp,
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackoff tunes the snapshot loader's retry behavior.
func WithBackoff(base time.Duration, maxAttempts int) Option {
	return func(e *Engine) {
		e.backoffBase = base
		e.maxAttempts = maxAttempts
	}
}

// WithRefresh enables the fallback refresh. A non-empty cron expression wins
// over the interval.
func WithRefresh(interval time.Duration, cronExpr string) Option {
	return func(e *Engine) {
		e.refreshInterval = interval
		e.refreshCron = cronExpr
	}
}

// WithSelfIDs supplies the business's own provider identifiers per platform.
// Social records arriving with an unresolved participant list get their
// display identity picked as the non-self participant before insertion.
func WithSelfIDs(fn func(inbox.Platform) []string) Option {
	return func(e *Engine) { e.selfIDs = fn }
}

// Engine is the conversation sync engine.
type Engine struct {
	backend Backend
	store   *inbox.Store
	threads *thread.Cache
	bus     *bus.EventBus
	disp    *events.Dispatcher
	loader  *retry.Controller

	backoffBase     time.Duration
	maxAttempts     int
	refreshInterval time.Duration
	refreshCron     string
	selfIDs         func(inbox.Platform) []string

	mu       sync.Mutex
	selected string
	closed   bool
	unsubs   []func()

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an engine around the given backend.
func NewEngine(backend Backend, opts ...Option) *Engine {
	e := &Engine{
		backend:     backend,
		store:       inbox.NewStore(),
		threads:     thread.NewCache(backend, backend),
		bus:         bus.NewEventBus(),
		disp:        events.NewDispatcher(),
		backoffBase: time.Second,
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.loader = retry.NewController(e.fetchSnapshot,
		retry.WithBase(e.backoffBase),
		retry.WithMaxAttempts(e.maxAttempts),
		retry.WithClassifier(api.IsTransient),
	)
	return e
}

// Store exposes the conversation store for read access and subscriptions.
func (e *Engine) Store() *inbox.Store { return e.store }

// Threads exposes the thread cache for read access.
func (e *Engine) Threads() *thread.Cache { return e.threads }

// Bus exposes the event bus so a socket adapter can be attached.
func (e *Engine) Bus() *bus.EventBus { return e.bus }

// Start registers event handlers and launches the event loop. It does not
// block; call Load to populate the store.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return fmt.Errorf("engine is closed")
	}
	if e.cancel != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	var unsubs []func()
	for _, kind := range []events.Kind{events.KindNewMessage, events.KindNewSocialMessage} {
		unsubs = append(unsubs, e.disp.Subscribe(kind, func(ev events.Event) {
			e.handleNewMessage(loopCtx, ev.(events.NewMessageEvent))
		}))
	}
	unsubs = append(unsubs, e.disp.Subscribe(events.KindNewConversation, func(ev events.Event) {
		rec := ev.(events.NewConversationEvent).Summary
		e.resolveIdentity(&rec)
		e.store.ApplyNewConversation(rec)
	}))
	unsubs = append(unsubs, e.disp.Subscribe(events.KindConversationUpdated, func(ev events.Event) {
		e.handleUpdated(loopCtx, ev.(events.ConversationUpdatedEvent))
	}))
	for _, kind := range []events.Kind{events.KindTypingStart, events.KindTypingStop} {
		unsubs = append(unsubs, e.disp.Subscribe(kind, func(ev events.Event) {
			t := ev.(events.TypingEvent)
			e.store.SetTyping(t.ConversationID, t.Started)
		}))
	}
	for _, kind := range []events.Kind{events.KindRefreshInstagram, events.KindRefreshFacebook} {
		unsubs = append(unsubs, e.disp.Subscribe(kind, func(ev events.Event) {
			e.handleRefresh(loopCtx, ev.(events.RefreshEvent).Platform)
		}))
	}
	e.mu.Lock()
	e.unsubs = unsubs
	e.mu.Unlock()

	e.wg.Add(1)
	go e.eventLoop(loopCtx)

	if e.refreshInterval > 0 || e.refreshCron != "" {
		if err := e.loader.StartRefresh(loopCtx, e.refreshInterval, e.refreshCron); err != nil {
			return err
		}
	}

	logger.InfoC("engine", "Sync engine started")
	return nil
}

// Close stops the event loop, the fallback refresh and the bus, and drops
// every dispatcher handler. A closed engine cannot be restarted; the bus and
// its done channel are spent.
func (e *Engine) Close() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	e.loader.StopRefresh()
	cancel()
	e.bus.Close()
	e.wg.Wait()
	for _, unsub := range unsubs {
		unsub()
	}
	logger.InfoC("engine", "Sync engine stopped")
}

func (e *Engine) eventLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		ev, ok := e.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		e.disp.Dispatch(ev)
	}
}

// Load fetches the conversation snapshot through the retry controller.
func (e *Engine) Load(ctx context.Context) error { return e.loader.Load(ctx) }

// Retry re-attempts the snapshot fetch after a terminal failure.
func (e *Engine) Retry(ctx context.Context) error { return e.loader.Retry(ctx) }

// LoadState returns the snapshot loader's state.
func (e *Engine) LoadState() retry.State { return e.loader.State() }

// LoadErr returns the error behind a Failed load state.
func (e *Engine) LoadErr() error { return e.loader.LastErr() }

// resolveIdentity fills a social record's display identity from its
// participant list using the configured self identifiers.
func (e *Engine) resolveIdentity(rec *inbox.ConversationSummary) {
	if e.selfIDs == nil {
		return
	}
	inbox.ApplyDisplayIdentity(rec, e.selfIDs(rec.Platform))
}

// fetchSnapshot pulls all conversations and applies them platform by
// platform, so a complete snapshot can prune each slice it covers.
func (e *Engine) fetchSnapshot(ctx context.Context) error {
	list, complete, err := e.backend.Conversations(ctx, "")
	if err != nil {
		return err
	}

	groups := make(map[inbox.Platform][]inbox.ConversationSummary)
	for i := range list {
		rec := list[i]
		if rec.Platform == "" {
			rec.Platform = inbox.PlatformDefault
		}
		e.resolveIdentity(&rec)
		groups[rec.Platform] = append(groups[rec.Platform], rec)
	}
	if complete {
		for _, p := range knownPlatforms {
			if _, ok := groups[p]; !ok {
				groups[p] = nil
			}
		}
	}
	for p, g := range groups {
		e.store.LoadSnapshot(g, p, complete)
	}
	return nil
}

func (e *Engine) handleNewMessage(ctx context.Context, ev events.NewMessageEvent) {
	e.threads.Append(ev.ConversationID, inbox.Message{
		ID:             ev.MessageID,
		ConversationID: ev.ConversationID,
		Sender:         ev.Sender,
		Content:        ev.Content,
		SentAt:         ev.SentAt,
		CorrelationID:  ev.CorrelationID,
	})

	fromSelected := e.SelectedID() == ev.ConversationID
	if e.store.ApplyNewMessage(ev.ConversationID, ev.Content, ev.SentAt, fromSelected) {
		return
	}

	// The event targets a conversation the snapshot never delivered. Fetch
	// just that one instead of dropping the event or refetching everything.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rec, err := e.backend.Conversation(ctx, ev.ConversationID)
		if err != nil {
			logger.WarnCF("engine", "On-demand conversation fetch failed", map[string]any{
				"conversation_id": ev.ConversationID,
				"error":           err.Error(),
			})
			return
		}
		e.resolveIdentity(&rec)
		e.store.ApplyNewConversation(rec)
		e.store.ApplyNewMessage(ev.ConversationID, ev.Content, ev.SentAt, fromSelected)
	}()
}

func (e *Engine) handleUpdated(ctx context.Context, ev events.ConversationUpdatedEvent) {
	if e.store.ApplyConversationUpdated(ev.ConversationID, ev.Patch) {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rec, err := e.backend.Conversation(ctx, ev.ConversationID)
		if err != nil {
			logger.WarnCF("engine", "On-demand conversation fetch failed", map[string]any{
				"conversation_id": ev.ConversationID,
				"error":           err.Error(),
			})
			return
		}
		e.resolveIdentity(&rec)
		e.store.ApplyNewConversation(rec)
		e.store.ApplyConversationUpdated(ev.ConversationID, ev.Patch)
	}()
}

func (e *Engine) handleRefresh(ctx context.Context, platform inbox.Platform) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		list, complete, err := e.backend.Conversations(ctx, platform)
		if err != nil {
			logger.WarnCF("engine", "Platform refresh failed", map[string]any{
				"platform": string(platform),
				"error":    err.Error(),
			})
			return
		}
		for i := range list {
			if list[i].Platform == "" {
				list[i].Platform = platform
			}
			e.resolveIdentity(&list[i])
		}
		e.store.LoadSnapshot(list, platform, complete)
	}()
}

// SelectedID returns the currently selected conversation, or empty.
func (e *Engine) SelectedID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selected
}

// Select makes a conversation current: joins its room, clears its unread
// state locally and remotely, and loads its thread on first view.
func (e *Engine) Select(ctx context.Context, conversationID string) error {
	e.mu.Lock()
	previous := e.selected
	e.selected = conversationID
	e.mu.Unlock()

	if previous != "" && previous != conversationID {
		e.publishAction(ctx, events.ActionLeave, previous)
	}
	e.publishAction(ctx, events.ActionJoin, conversationID)

	e.store.MarkRead(conversationID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.backend.MarkRead(ctx, conversationID); err != nil {
			logger.WarnCF("engine", "Remote mark-read failed", map[string]any{
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
		}
	}()

	return e.threads.EnsureLoaded(ctx, conversationID)
}

// Deselect leaves the current conversation's room.
func (e *Engine) Deselect(ctx context.Context) {
	e.mu.Lock()
	previous := e.selected
	e.selected = ""
	e.mu.Unlock()
	if previous != "" {
		e.publishAction(ctx, events.ActionLeave, previous)
	}
}

// Send delivers a message optimistically and bumps the summary on success.
// On failure the returned *thread.SendError carries the composed text back.
func (e *Engine) Send(ctx context.Context, conversationID, content string) error {
	if err := e.threads.SendOptimistic(ctx, conversationID, content); err != nil {
		return err
	}
	e.store.ApplyNewMessage(conversationID, content, time.Now().UTC(), true)
	return nil
}

// SetStatus updates a conversation's status remotely, then locally.
func (e *Engine) SetStatus(ctx context.Context, conversationID string, status inbox.Status) error {
	if err := e.backend.SetStatus(ctx, conversationID, status); err != nil {
		return err
	}
	e.store.ApplyConversationUpdated(conversationID, inbox.SummaryPatch{StatusLabel: &status})
	return nil
}

// SetTyping publishes a typing indicator for the selected conversation.
func (e *Engine) SetTyping(ctx context.Context, started bool) {
	id := e.SelectedID()
	if id == "" {
		return
	}
	name := events.ActionTypingStop
	if started {
		name = events.ActionTypingStart
	}
	e.publishAction(ctx, name, id)
}

func (e *Engine) publishAction(ctx context.Context, name events.ActionName, conversationID string) {
	err := e.bus.PublishOutbound(ctx, events.Action{Name: name, ConversationID: conversationID})
	if err != nil {
		logger.DebugCF("engine", "Outbound action dropped", map[string]any{
			"action": string(name),
			"error":  err.Error(),
		})
	}
}
