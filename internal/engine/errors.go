package engine

import "errors"

var (
	ErrAlreadyRunning = errors.New("engine is already running")
	ErrNotRunning     = errors.New("engine is not running")

	// ErrNotInChat is returned when a message arrives from a user who is
	// neither matched nor in an AI conversation.
	ErrNotInChat = errors.New("user is not in a chat")
)
