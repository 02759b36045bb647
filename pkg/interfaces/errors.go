package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrKeyNotFound     = errors.New("key not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrSessionNotFound = errors.New("session not found")
)
