package websocket

import (
	"sync"
)

// Registry tracks every open transport connection by connection id.
// It is the source of truth the session reconciler checks against.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection // conn id -> Connection
	identities  map[string]int         // identity -> open connection count
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		identities:  make(map[string]int),
	}
}

// Add tracks an open connection
func (r *Registry) Add(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.connections[conn.ID()]; exists {
		return ErrDuplicateConnection
	}
	r.connections[conn.ID()] = conn
	r.identities[conn.Identity()]++
	return nil
}

// Remove stops tracking conn. Idempotent.
func (r *Registry) Remove(conn *Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, exists := r.connections[conn.ID()]; !exists || registered != conn {
		return
	}
	delete(r.connections, conn.ID())

	identity := conn.Identity()
	r.identities[identity]--
	if r.identities[identity] <= 0 {
		delete(r.identities, identity)
	}
}

// IsOpen reports whether a connection with connID is tracked
func (r *Registry) IsOpen(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connections[connID]
	return ok
}

// Get returns the tracked connection with connID
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[connID]
	return conn, ok
}

// Count returns the number of open connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// CloseAll closes every tracked connection; used on shutdown
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	return len(conns)
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"unique_identities": len(r.identities),
	}
}
