package types

import (
	"regexp"
)

var userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxMessageBytes = 4096

// IsValidUserID checks if a user ID meets format requirements.
// The 1-50 character limit keeps identifiers storable and displayable.
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidState checks if a state tag names one of the lifecycle states.
func IsValidState(state State) bool {
	switch state {
	case StateWaiting, StateMatched, StateAIChat, StateDisconnected:
		return true
	default:
		return false
	}
}

// ValidateMessageContent rejects empty and oversized chat messages before
// they reach the session engine.
func ValidateMessageContent(content string) error {
	if len(content) == 0 {
		return ErrEmptyMessage
	}
	if len(content) > maxMessageBytes {
		return ErrMessageTooLong
	}
	return nil
}
