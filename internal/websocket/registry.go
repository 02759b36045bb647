package websocket

import (
	"log"
	"sync"
)

// Registry tracks live connections by user id. It implements the engine's
// notification surfaces; it holds no queue state.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{connections: make(map[string]*Connection)}
}

// Register adds a connection, replacing and closing any existing one for the
// same user. The old connection is closed asynchronously; the engine sees the
// replacement through the join that follows.
func (r *Registry) Register(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if conn.GetUserID() == "" {
		return ErrNoUserID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.connections[conn.GetUserID()]; exists && existing != conn {
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close replaced connection: user=%s error=%v", conn.GetUserID(), err)
			}
		}()
	}
	r.connections[conn.GetUserID()] = conn
	return nil
}

// Unregister removes conn if it is still the registered connection for its
// user. A stale unregister after a replacement is a no-op.
func (r *Registry) Unregister(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.connections[conn.GetUserID()]; exists && existing == conn {
		delete(r.connections, conn.GetUserID())
	}
}

// Get returns the live connection for userID, or nil.
func (r *Registry) Get(userID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[userID]
}

// NotifyUser sends one event to a user's connection. Reports whether a
// connection existed; send failures count as delivered-to.
func (r *Registry) NotifyUser(userID, event string, payload any) bool {
	conn := r.Get(userID)
	if conn == nil {
		return false
	}
	if err := conn.Send(event, payload); err != nil {
		log.Printf("Notify failed: user=%s event=%s error=%v", userID, event, err)
	}
	return true
}

// Broadcast sends one event to every connection and returns the number of
// connections attempted.
func (r *Registry) Broadcast(event string, payload any) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.Send(event, payload); err != nil {
			log.Printf("Broadcast failed: user=%s event=%s error=%v", conn.GetUserID(), event, err)
		}
	}
	return len(conns)
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll closes every registered connection, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}
