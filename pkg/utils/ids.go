package utils

import (
	"errors"
	"strings"
)

// ValidateConversationID validates that a conversation identifier is
// non-empty and does not contain path separators ("/", "\\") or ".." before
// it is interpolated into a REST URL path.
func ValidateConversationID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return errors.New("conversation id is required and must be a non-empty string")
	}
	if strings.ContainsAny(trimmed, "/\\") || strings.Contains(trimmed, "..") {
		return errors.New("conversation id must not contain path separators or '..'")
	}
	return nil
}
