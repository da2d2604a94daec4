package inbox

import (
	"sync"
	"time"

	"github.com/tinyland-inc/tinyinbox/pkg/logger"
)

// Store is the single writable owner of conversation summaries. Snapshots
// (pull) and live events (push) both funnel through its merge rules, so the
// unified inbox and the per-platform inboxes can never disagree.
//
// All mutation methods are atomic with respect to readers: no partially
// applied merge is ever observable. Mutations never panic on malformed
// input; missing fields are defaulted instead.
type Store struct {
	mu    sync.RWMutex
	order []string // conversation ids, most recent activity first
	byID  map[string]*ConversationSummary

	subMu   sync.Mutex
	subs    map[uint64]func()
	nextSub uint64
}

// NewStore creates an empty conversation store.
func NewStore() *Store {
	return &Store{
		byID: make(map[string]*ConversationSummary),
		subs: make(map[uint64]func()),
	}
}

// Subscribe registers a change listener and returns its unsubscribe func.
// Listeners are invoked after every effective mutation, outside the store
// lock, on the mutating goroutine.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// LoadSnapshot merges a REST snapshot for one platform slice. Records absent
// from the snapshot are removed only when complete is true; a partial or
// filtered fetch must never silently delete held conversations.
func (s *Store) LoadSnapshot(list []ConversationSummary, platform Platform, complete bool) {
	s.mu.Lock()

	seen := make(map[string]bool, len(list))
	for i := range list {
		rec := list[i]
		if rec.ID == "" {
			logger.WarnC("store", "Snapshot record without id dropped")
			continue
		}
		if rec.Platform == "" {
			rec.Platform = platform
		}
		seen[rec.ID] = true
		if _, ok := s.byID[rec.ID]; ok {
			s.mergeLocked(rec)
		} else {
			applyDefaults(&rec)
			s.insertLocked(rec)
		}
	}

	if complete {
		kept := s.order[:0]
		for _, id := range s.order {
			rec := s.byID[id]
			if rec.Platform == platform && !seen[id] {
				delete(s.byID, id)
				continue
			}
			kept = append(kept, id)
		}
		s.order = kept
	}

	s.mu.Unlock()
	s.notify()
}

// ApplyNewConversation inserts a summary at the head of the ordering. A
// replay carrying an already-known canonical id is treated as an update, so
// duplicate deliveries cannot create duplicate rows.
func (s *Store) ApplyNewConversation(rec ConversationSummary) {
	if rec.ID == "" {
		logger.WarnC("store", "new_conversation without id dropped")
		return
	}

	s.mu.Lock()
	if _, ok := s.byID[rec.ID]; ok {
		s.mergeLocked(rec)
	} else {
		applyDefaults(&rec)
		s.insertLocked(rec)
	}
	s.mu.Unlock()
	s.notify()
}

// ApplyNewMessage updates preview, activity time and unread state for the
// matching summary and moves it to the head when the timestamp is not older
// than the stored one. It reports false when no summary with that id exists,
// so the caller can fetch the conversation on demand.
func (s *Store) ApplyNewMessage(conversationID, preview string, ts time.Time, fromSelected bool) bool {
	s.mu.Lock()
	rec, ok := s.byID[conversationID]
	if !ok {
		s.mu.Unlock()
		logger.DebugCF("store", "new_message for unknown conversation", map[string]any{
			"conversation_id": conversationID,
		})
		return false
	}

	if ts.Before(rec.LastActivityTime) {
		// Stale or duplicate delivery: never resurrect old content above
		// newer activity.
		s.mu.Unlock()
		return true
	}

	moved := ts.After(rec.LastActivityTime)
	rec.LastMessagePreview = preview
	rec.LastActivityTime = ts
	rec.Unread = !fromSelected
	if moved {
		s.moveToHeadLocked(conversationID)
	}
	s.mu.Unlock()
	s.notify()
	return true
}

// ApplyConversationUpdated merges a partial patch into the summary. It
// reports false when the conversation is unknown.
func (s *Store) ApplyConversationUpdated(conversationID string, patch SummaryPatch) bool {
	s.mu.Lock()
	rec, ok := s.byID[conversationID]
	if !ok {
		s.mu.Unlock()
		logger.DebugCF("store", "conversation_updated for unknown conversation", map[string]any{
			"conversation_id": conversationID,
		})
		return false
	}

	if patch.DisplayName != nil {
		rec.DisplayName = *patch.DisplayName
		applyDefaults(rec)
	}
	if patch.Avatar != nil {
		rec.Avatar = *patch.Avatar
	}
	if patch.StatusLabel != nil {
		rec.StatusLabel = *patch.StatusLabel
	}
	if patch.AssignedTo != nil {
		rec.AssignedTo = *patch.AssignedTo
	}
	if patch.Phone != nil {
		rec.Phone = *patch.Phone
	}
	if patch.Email != nil {
		rec.Email = *patch.Email
	}
	if patch.Unread != nil {
		rec.Unread = *patch.Unread
	}

	// Preview and activity time obey the monotonic rule: a stale patch may
	// not move the record backward in time or demote its preview.
	if patch.LastActivityTime != nil && !patch.LastActivityTime.Before(rec.LastActivityTime) {
		moved := patch.LastActivityTime.After(rec.LastActivityTime)
		rec.LastActivityTime = *patch.LastActivityTime
		if patch.LastMessagePreview != nil {
			rec.LastMessagePreview = *patch.LastMessagePreview
		}
		if moved {
			s.moveToHeadLocked(conversationID)
		}
	} else if patch.LastActivityTime == nil && patch.LastMessagePreview != nil {
		rec.LastMessagePreview = *patch.LastMessagePreview
	}

	s.mu.Unlock()
	s.notify()
	return true
}

// MarkRead clears the unread flag. Idempotent; no notification when the flag
// was already clear.
func (s *Store) MarkRead(conversationID string) {
	s.mu.Lock()
	rec, ok := s.byID[conversationID]
	if !ok || !rec.Unread {
		s.mu.Unlock()
		return
	}
	rec.Unread = false
	s.mu.Unlock()
	s.notify()
}

// SetTyping flips the remote typing indicator for a conversation.
func (s *Store) SetTyping(conversationID string, typing bool) {
	s.mu.Lock()
	rec, ok := s.byID[conversationID]
	if !ok || rec.Typing == typing {
		s.mu.Unlock()
		return
	}
	rec.Typing = typing
	s.mu.Unlock()
	s.notify()
}

// Get returns a copy of the summary for the given id.
func (s *Store) Get(conversationID string) (ConversationSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[conversationID]
	if !ok {
		return ConversationSummary{}, false
	}
	return *rec, true
}

// Select returns the projection of the store for one presentation context.
// The result is a copy; callers never hold a second mutable view.
func (s *Store) Select(f FilterState) []ConversationSummary {
	s.mu.RLock()
	all := make([]ConversationSummary, 0, len(s.order))
	for _, id := range s.order {
		all = append(all, *s.byID[id])
	}
	s.mu.RUnlock()
	return Project(all, f)
}

// Len returns the number of held summaries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// mergeLocked applies the live-merge conflict rule to an existing record:
// empty incoming fields are skipped, move-to-head iff the incoming activity
// time is not older than the stored one. Ties keep the existing position.
func (s *Store) mergeLocked(in ConversationSummary) {
	rec := s.byID[in.ID]

	if in.DisplayName != "" {
		rec.DisplayName = in.DisplayName
	}
	if in.Avatar != "" {
		rec.Avatar = in.Avatar
	}
	if in.StatusLabel != "" {
		rec.StatusLabel = in.StatusLabel
	}
	if in.Phone != "" {
		rec.Phone = in.Phone
	}
	if in.Email != "" {
		rec.Email = in.Email
	}
	if in.AssignedTo != "" {
		rec.AssignedTo = in.AssignedTo
	}

	if in.LastActivityTime.Before(rec.LastActivityTime) {
		return
	}
	moved := in.LastActivityTime.After(rec.LastActivityTime)
	rec.LastActivityTime = in.LastActivityTime
	if in.LastMessagePreview != "" {
		rec.LastMessagePreview = in.LastMessagePreview
	}
	rec.Unread = in.Unread
	if moved {
		s.moveToHeadLocked(in.ID)
	}
}

func (s *Store) insertLocked(rec ConversationSummary) {
	cp := rec
	s.byID[cp.ID] = &cp
	s.order = append([]string{cp.ID}, s.order...)
}

func (s *Store) moveToHeadLocked(id string) {
	for i, held := range s.order {
		if held == id {
			copy(s.order[1:i+1], s.order[:i])
			s.order[0] = id
			return
		}
	}
}
