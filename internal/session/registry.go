package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// Session binds an identity to its current connection
type Session struct {
	Identity    string
	Conn        interfaces.Connection
	ConnectedAt time.Time
}

// Registry is the authoritative identity -> connection map.
// At most one session exists per identity, and each connection id appears at
// most once in the reverse index.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session // identity -> session
	byConn   map[string]string   // connection id -> identity

	logger zerolog.Logger
	now    func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs conn as identity's session (last connect wins) and
// returns the connection it replaced, if any. Closing the replaced connection
// is left to the caller.
func (r *Registry) Register(identity string, conn interfaces.Connection) (interfaces.Connection, error) {
	if conn == nil {
		return nil, ErrNilConnection
	}
	if !types.IsValidIdentity(identity) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidIdentity, identity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()

	// a handle bound to another identity gives that binding up
	if owner, ok := r.byConn[connID]; ok && owner != identity {
		delete(r.sessions, owner)
	}

	var previous interfaces.Connection
	if existing, ok := r.sessions[identity]; ok && existing.Conn.ID() != connID {
		previous = existing.Conn
		delete(r.byConn, existing.Conn.ID())
	}

	r.sessions[identity] = &Session{
		Identity:    identity,
		Conn:        conn,
		ConnectedAt: r.now(),
	}
	r.byConn[connID] = identity

	return previous, nil
}

// Lookup returns identity's current connection
func (r *Registry) Lookup(identity string) (interfaces.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[identity]
	if !ok {
		return nil, false
	}
	return s.Conn, true
}

// Get returns a copy of identity's session
func (r *Registry) Get(identity string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[identity]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Remove drops identity's session
func (r *Registry) Remove(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[identity]
	if !ok {
		return false
	}
	delete(r.byConn, s.Conn.ID())
	delete(r.sessions, identity)
	return true
}

// RemoveByHandle drops the session bound to conn. A connection that was
// already superseded removes nothing, so a late disconnect of an old
// connection cannot evict its replacement.
func (r *Registry) RemoveByHandle(conn interfaces.Connection) (string, bool) {
	if conn == nil {
		return "", false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	connID := conn.ID()
	identity, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)

	if s, exists := r.sessions[identity]; exists && s.Conn.ID() == connID {
		delete(r.sessions, identity)
	}
	return identity, true
}

// ListIdentities returns the connected identities in sorted order
func (r *Registry) ListIdentities() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// Count returns the number of sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Reconcile evicts sessions whose connection is no longer open according to
// isOpen and returns them. It recovers from missed disconnect notifications.
func (r *Registry) Reconcile(isOpen func(connID string) bool) []Session {
	r.mu.Lock()
	var evicted []Session
	for identity, s := range r.sessions {
		connID := s.Conn.ID()
		if isOpen(connID) {
			continue
		}
		evicted = append(evicted, *s)
		delete(r.byConn, connID)
		delete(r.sessions, identity)
	}
	remaining := len(r.sessions)
	r.mu.Unlock()

	if len(evicted) > 0 {
		r.logger.Warn().
			Int("evicted", len(evicted)).
			Int("remaining", remaining).
			Msg("Evicted stale sessions")
	}
	return evicted
}
