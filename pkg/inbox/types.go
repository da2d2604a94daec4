// Package inbox holds the conversation store: the single writable owner of
// conversation summaries, reconciling REST snapshots with live socket events.
package inbox

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Platform identifies which inbox slice a conversation belongs to.
type Platform string

const (
	PlatformDefault   Platform = "default-channel"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformWhatsApp  Platform = "whatsapp"
)

// Status is a conversation lifecycle label.
type Status string

const (
	StatusNew     Status = "NEW"
	StatusActive  Status = "ACTIVE"
	StatusPending Status = "PENDING"
	StatusClosed  Status = "CLOSED"
)

// StatusColor maps a status to its display color token.
func StatusColor(s Status) string {
	switch s {
	case StatusNew:
		return "green"
	case StatusActive:
		return "blue"
	case StatusPending:
		return "amber"
	case StatusClosed:
		return "gray"
	default:
		return "gray"
	}
}

// Sender identifies who authored a message.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAgent    Sender = "agent"
	SenderSystem   Sender = "system"
)

// ConversationSummary is one row of the inbox list. The canonical id is the
// backend-assigned identifier; temporary client-side ids must never appear
// here once the canonical one is known.
type ConversationSummary struct {
	ID                 string    `json:"id"`
	DisplayName        string    `json:"display_name"`
	Avatar             string    `json:"avatar"` // glyph or URL
	StatusLabel        Status    `json:"status"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastActivityTime   time.Time `json:"last_activity_time"`
	Unread             bool      `json:"unread"`
	Platform           Platform  `json:"platform"`
	Phone              string    `json:"phone,omitempty"`
	Email              string    `json:"email,omitempty"`
	AssignedTo         string    `json:"assigned_to,omitempty"`
	// Participants is the raw provider participant list for social
	// conversations whose display identity the backend did not resolve.
	Participants []Participant `json:"participants,omitempty"`
	Typing       bool          `json:"-"`
}

// StatusColorToken returns the color token for the summary's status.
func (s *ConversationSummary) StatusColorToken() string {
	return StatusColor(s.StatusLabel)
}

// Participant is one member of a provider-specific conversation record.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Message is one entry in a conversation thread.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	Sender          Sender    `json:"sender"`
	Content         string    `json:"content"`
	SentAt          time.Time `json:"sent_at"`
	IsSystemNotice  bool      `json:"is_system_notice,omitempty"`
	IsPaymentNotice bool      `json:"is_payment_notice,omitempty"`
	Subtitle        string    `json:"subtitle,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	Pending         bool      `json:"-"`
}

// SummaryPatch is a partial update to a summary. Nil fields are left alone.
type SummaryPatch struct {
	DisplayName        *string    `json:"display_name,omitempty"`
	Avatar             *string    `json:"avatar,omitempty"`
	StatusLabel        *Status    `json:"status,omitempty"`
	LastMessagePreview *string    `json:"last_message_preview,omitempty"`
	LastActivityTime   *time.Time `json:"last_activity_time,omitempty"`
	Unread             *bool      `json:"unread,omitempty"`
	AssignedTo         *string    `json:"assigned_to,omitempty"`
	Phone              *string    `json:"phone,omitempty"`
	Email              *string    `json:"email,omitempty"`
}

const defaultDisplayName = "Unknown"

// applyDefaults fills the defensive defaults for a partial record so a
// malformed event degrades gracefully instead of corrupting the list.
func applyDefaults(s *ConversationSummary) {
	if strings.TrimSpace(s.DisplayName) == "" {
		s.DisplayName = defaultDisplayName
	}
	if s.Avatar == "" {
		s.Avatar = initialOf(s.DisplayName)
	}
	if s.StatusLabel == "" {
		s.StatusLabel = StatusActive
	}
	if s.Platform == "" {
		s.Platform = PlatformDefault
	}
}

func initialOf(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "?"
	}
	r, _ := utf8.DecodeRuneInString(name)
	return strings.ToUpper(string(r))
}
