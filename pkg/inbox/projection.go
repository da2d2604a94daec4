package inbox

import (
	"sort"
	"strings"
)

// StatusAll is the sentinel status filter value that bypasses the filter.
const StatusAll = "all"

// AssignmentAll is the sentinel assignment filter value.
const AssignmentAll = "all"

// SortKey selects an optional secondary comparator for a projection.
type SortKey string

const (
	SortNone        SortKey = ""
	SortName        SortKey = "name"
	SortUnreadFirst SortKey = "unread-first"
)

// FilterState is the per-projection filter input. It is pure input to
// Project and never mutates the store.
type FilterState struct {
	SearchText       string
	StatusFilter     string
	AssignmentFilter string
	Platform         Platform // empty means all platforms (unified inbox)
	SecondarySort    SortKey
}

// Project derives the filtered, ordered view for one presentation context.
// Pure function: the input slice is not modified.
func Project(summaries []ConversationSummary, f FilterState) []ConversationSummary {
	out := make([]ConversationSummary, 0, len(summaries))
	for _, s := range summaries {
		if f.Platform != "" && s.Platform != f.Platform {
			continue
		}
		if !matchesStatus(s, f.StatusFilter) {
			continue
		}
		if !matchesAssignment(s, f.AssignmentFilter) {
			continue
		}
		if !matchesSearch(s, f.SearchText) {
			continue
		}
		out = append(out, s)
	}

	// Primary order: recency. Stable so equal timestamps keep the held
	// order and do not flicker between refreshes.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastActivityTime.After(out[j].LastActivityTime)
	})

	switch f.SecondarySort {
	case SortName:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].DisplayName) < strings.ToLower(out[j].DisplayName)
		})
	case SortUnreadFirst:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Unread && !out[j].Unread
		})
	}

	return out
}

func matchesStatus(s ConversationSummary, filter string) bool {
	if filter == "" || strings.EqualFold(filter, StatusAll) {
		return true
	}
	return strings.EqualFold(string(s.StatusLabel), filter)
}

func matchesAssignment(s ConversationSummary, filter string) bool {
	if filter == "" || strings.EqualFold(filter, AssignmentAll) {
		return true
	}
	return strings.EqualFold(s.AssignedTo, filter)
}

func matchesSearch(s ConversationSummary, text string) bool {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return true
	}
	if strings.Contains(strings.ToLower(s.DisplayName), text) {
		return true
	}
	if s.Phone != "" && strings.Contains(strings.ToLower(s.Phone), text) {
		return true
	}
	if s.Email != "" && strings.Contains(strings.ToLower(s.Email), text) {
		return true
	}
	return false
}

// TruncatePreview shortens a message preview for display. Stored state keeps
// the full preview; truncation happens only at the view edge.
func TruncatePreview(preview string, max int) string {
	if max <= 0 {
		return preview
	}
	runes := []rune(preview)
	if len(runes) <= max {
		return preview
	}
	return string(runes[:max]) + "…"
}

// ResolveDisplayParticipant picks the non-self participant of a
// provider-specific participant list as the display identity. The business's
// own page/account ids come from configuration, never from per-deployment
// constants. Falls back to the first participant when everyone matches self.
func ResolveDisplayParticipant(participants []Participant, selfIDs []string) (Participant, bool) {
	if len(participants) == 0 {
		return Participant{}, false
	}
	self := make(map[string]bool, len(selfIDs))
	for _, id := range selfIDs {
		self[id] = true
	}
	for _, p := range participants {
		if !self[p.ID] {
			return p, true
		}
	}
	return participants[0], false
}

// ApplyDisplayIdentity fills the display fields from the participant list
// when the backend left them unresolved. A record that already carries a
// display name is left alone.
func ApplyDisplayIdentity(rec *ConversationSummary, selfIDs []string) {
	if rec.DisplayName != "" || len(rec.Participants) == 0 {
		return
	}
	p, ok := ResolveDisplayParticipant(rec.Participants, selfIDs)
	if !ok {
		return
	}
	rec.DisplayName = p.Name
	if rec.DisplayName == "" {
		rec.DisplayName = p.Username
	}
	if rec.Avatar == "" {
		rec.Avatar = p.AvatarURL
	}
}

// SummaryFromParticipants builds a platform summary using the resolved
// display identity. Used by the social inbox projections when the backend
// hands back raw provider records.
func SummaryFromParticipants(id string, platform Platform, participants []Participant, selfIDs []string) ConversationSummary {
	rec := ConversationSummary{ID: id, Platform: platform, Participants: participants}
	ApplyDisplayIdentity(&rec, selfIDs)
	applyDefaults(&rec)
	return rec
}
