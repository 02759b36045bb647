package session

import "errors"

var (
	// ErrUnknownSession is returned when no live session matches the id.
	ErrUnknownSession = errors.New("unknown session")

	// ErrSessionEnded is returned when a message arrives for a session that
	// has already terminated but not yet been collected.
	ErrSessionEnded = errors.New("session has ended")
)
