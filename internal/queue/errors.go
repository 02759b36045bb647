package queue

import "errors"

// Queue store error types. Not-found style failures are structured results,
// not control flow: callers treat them as "nothing to do".
var (
	ErrNotTracked   = errors.New("user not tracked by the queue")
	ErrNotWaiting   = errors.New("user is not in waiting state")
	ErrNotInAIChat  = errors.New("user is not in an AI chat")
	ErrSessionBound = errors.New("AI session already bound")
)
