package interfaces

// ClientConn is the engine's handle to one connected client. The engine only
// ever pushes events through it; the transport layer owns the socket itself.
type ClientConn interface {
	// GetUserID returns the connected user's ID.
	GetUserID() string

	// Send pushes one named event with a JSON-serializable payload to the
	// client. Implementations must be safe for concurrent use; delivery is
	// fire-and-forget from the engine's point of view.
	Send(event string, payload any) error

	// Close closes the connection and releases its resources.
	Close() error
}

// Notifier resolves a user ID to their live connection, if any. The engine
// uses it for events addressed to a partner rather than the caller.
type Notifier interface {
	// NotifyUser delivers an event to the named user. It reports false when
	// the user has no live connection; that is not an error.
	NotifyUser(userID, event string, payload any) bool
}
