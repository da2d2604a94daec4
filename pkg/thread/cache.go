// Package thread holds per-conversation message lists: lazily fetched on
// first view, appended to by live events, with optimistic send and
// rollback-on-failure semantics.
package thread

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinyland-inc/tinyinbox/pkg/inbox"
	"github.com/tinyland-inc/tinyinbox/pkg/logger"
)

// Fetcher loads a full thread from the backend.
type Fetcher interface {
	FetchMessages(ctx context.Context, conversationID string) ([]inbox.Message, error)
}

// Sender delivers one outbound message and returns the server-confirmed
// record. The correlation id is carried through so the confirmation can be
// matched without content heuristics.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, content, correlationID string) (inbox.Message, error)
}

// SendError reports a failed optimistic send. Content carries the composed
// text back to the caller so it can be restored to the composer instead of
// being silently dropped.
type SendError struct {
	ConversationID string
	Content        string
	Err            error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending message to %s: %v", e.ConversationID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// confirmWindow bounds the content-proximity fallback when a confirmation
// arrives without a correlation id.
const confirmWindow = 30 * time.Second

type flight struct {
	done chan struct{}
	err  error
}

// Cache is the message thread cache.
type Cache struct {
	fetcher Fetcher
	sender  Sender

	mu       sync.Mutex
	threads  map[string][]inbox.Message
	loaded   map[string]bool
	inflight map[string]*flight

	onChange func(conversationID string)
}

// NewCache creates a thread cache backed by the given fetcher and sender.
func NewCache(fetcher Fetcher, sender Sender) *Cache {
	return &Cache{
		fetcher:  fetcher,
		sender:   sender,
		threads:  make(map[string][]inbox.Message),
		loaded:   make(map[string]bool),
		inflight: make(map[string]*flight),
	}
}

// SetOnChange registers a callback invoked after every thread mutation.
func (c *Cache) SetOnChange(fn func(conversationID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *Cache) notify(conversationID string) {
	c.mu.Lock()
	fn := c.onChange
	c.mu.Unlock()
	if fn != nil {
		fn(conversationID)
	}
}

// Messages returns a copy of the thread in sentAt order.
func (c *Cache) Messages(conversationID string) []inbox.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.threads[conversationID]
	out := make([]inbox.Message, len(msgs))
	copy(out, msgs)
	return out
}

// Loaded reports whether the thread has been fetched at least once.
func (c *Cache) Loaded(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded[conversationID]
}

// EnsureLoaded fetches the thread on first view. A concurrent call for the
// same conversation while a fetch is in flight awaits that fetch instead of
// issuing a duplicate one.
func (c *Cache) EnsureLoaded(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	if c.loaded[conversationID] {
		c.mu.Unlock()
		return nil
	}
	if f, ok := c.inflight[conversationID]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[conversationID] = f
	c.mu.Unlock()

	msgs, err := c.fetcher.FetchMessages(ctx, conversationID)

	c.mu.Lock()
	delete(c.inflight, conversationID)
	if err != nil {
		f.err = err
		c.mu.Unlock()
		close(f.done)
		return err
	}
	for _, m := range msgs {
		c.appendLocked(conversationID, m)
	}
	c.loaded[conversationID] = true
	c.mu.Unlock()
	close(f.done)

	c.notify(conversationID)
	return nil
}

// Append adds a live-event message. Idempotent: a message whose id is
// already held is skipped, and a message carrying the correlation id of a
// pending send confirms that send instead of duplicating it.
func (c *Cache) Append(conversationID string, msg inbox.Message) {
	c.mu.Lock()
	changed := c.appendLocked(conversationID, msg)
	c.mu.Unlock()
	if changed {
		c.notify(conversationID)
	}
}

func (c *Cache) appendLocked(conversationID string, msg inbox.Message) bool {
	msgs := c.threads[conversationID]

	if msg.CorrelationID != "" {
		for i := range msgs {
			if msgs[i].Pending && msgs[i].CorrelationID == msg.CorrelationID {
				return c.confirmAtLocked(conversationID, i, msg)
			}
		}
	}
	for i := range msgs {
		if msg.ID != "" && msgs[i].ID == msg.ID {
			return false
		}
	}
	// Fallback for confirmations that lost the correlation id: a pending
	// agent message with identical content close in time.
	if msg.Sender == inbox.SenderAgent {
		for i := range msgs {
			if msgs[i].Pending && msgs[i].Content == msg.Content &&
				absDuration(msg.SentAt.Sub(msgs[i].SentAt)) <= confirmWindow {
				return c.confirmAtLocked(conversationID, i, msg)
			}
		}
	}

	c.threads[conversationID] = insertSorted(msgs, msg)
	return true
}

// confirmAtLocked adopts the server record for the pending message at index
// i and re-sorts, since the authoritative timestamp may differ from the
// client-observed send time.
func (c *Cache) confirmAtLocked(conversationID string, i int, server inbox.Message) bool {
	msgs := c.threads[conversationID]
	pending := msgs[i]
	pending.Pending = false
	if server.ID != "" {
		pending.ID = server.ID
	}
	if !server.SentAt.IsZero() {
		pending.SentAt = server.SentAt
	}
	msgs[i] = pending
	sort.SliceStable(msgs, func(a, b int) bool {
		return msgs[a].SentAt.Before(msgs[b].SentAt)
	})
	return true
}

// SendOptimistic appends a pending agent message immediately, then delivers
// it. On failure the pending message is removed and the composed text is
// returned inside a *SendError for the caller to restore.
func (c *Cache) SendOptimistic(ctx context.Context, conversationID, content string) error {
	correlationID := uuid.New().String()
	pending := inbox.Message{
		ID:             correlationID,
		ConversationID: conversationID,
		Sender:         inbox.SenderAgent,
		Content:        content,
		SentAt:         time.Now().UTC(),
		CorrelationID:  correlationID,
		Pending:        true,
	}

	c.mu.Lock()
	c.threads[conversationID] = insertSorted(c.threads[conversationID], pending)
	c.mu.Unlock()
	c.notify(conversationID)

	server, err := c.sender.SendMessage(ctx, conversationID, content, correlationID)
	if err != nil {
		c.mu.Lock()
		c.removeLocked(conversationID, correlationID)
		c.mu.Unlock()
		c.notify(conversationID)
		logger.WarnCF("thread", "Send failed, rolled back", map[string]any{
			"conversation_id": conversationID,
			"error":           err.Error(),
		})
		return &SendError{ConversationID: conversationID, Content: content, Err: err}
	}

	server.CorrelationID = correlationID
	c.mu.Lock()
	changed := c.appendLocked(conversationID, server)
	c.mu.Unlock()
	if changed {
		c.notify(conversationID)
	}
	return nil
}

// Evict drops a cached thread so the next view re-fetches it.
func (c *Cache) Evict(conversationID string) {
	c.mu.Lock()
	delete(c.threads, conversationID)
	delete(c.loaded, conversationID)
	c.mu.Unlock()
}

func (c *Cache) removeLocked(conversationID, correlationID string) {
	msgs := c.threads[conversationID]
	for i := range msgs {
		if msgs[i].CorrelationID == correlationID && msgs[i].Pending {
			c.threads[conversationID] = append(msgs[:i], msgs[i+1:]...)
			return
		}
	}
}

func insertSorted(msgs []inbox.Message, msg inbox.Message) []inbox.Message {
	msgs = append(msgs, msg)
	sort.SliceStable(msgs, func(a, b int) bool {
		return msgs[a].SentAt.Before(msgs[b].SentAt)
	})
	return msgs
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
