// Package typing debounces typing indicators: each (identity, context) pair
// gets one inactivity timer that synthesizes a stop signal when it fires.
package typing

import (
	"time"

	"chatrelay/internal/timers"
)

// Defaults
const (
	DefaultInactivity = 3 * time.Second
	DefaultStaleAfter = 30 * time.Second
)

type key struct {
	identity string
	context  string
}

// Manager owns the typing timers of every connected identity
type Manager struct {
	table      *timers.Table[key]
	inactivity time.Duration
	staleAfter time.Duration
}

// NewManager creates a manager. staleAfter bounds how long any entry may live
// regardless of its timer.
func NewManager(inactivity, staleAfter time.Duration) *Manager {
	if inactivity <= 0 {
		inactivity = DefaultInactivity
	}
	if staleAfter < inactivity {
		staleAfter = DefaultStaleAfter
	}
	return &Manager{
		table:      timers.NewTable[key](),
		inactivity: inactivity,
		staleAfter: staleAfter,
	}
}

// SignalTyping (re)arms the inactivity timer for identity in context.
// onExpire runs once if no further typing or stop signal arrives in time.
func (m *Manager) SignalTyping(identity, context string, onExpire func()) {
	m.table.Arm(key{identity: identity, context: context}, m.inactivity, onExpire)
}

// SignalStopTyping drops the timer without running its callback
func (m *Manager) SignalStopTyping(identity, context string) bool {
	return m.table.Cancel(key{identity: identity, context: context})
}

// ClearAll drops every timer of identity; used on disconnect
func (m *Manager) ClearAll(identity string) int {
	return m.table.CancelWhere(func(k key) bool { return k.identity == identity })
}

// IsTyping reports whether identity has a live timer in context
func (m *Manager) IsTyping(identity, context string) bool {
	return m.table.Has(key{identity: identity, context: context})
}

// Sweep removes entries older than the staleness bound
func (m *Manager) Sweep() int {
	return m.table.SweepOlderThan(m.staleAfter)
}

// Active returns the number of live timers
func (m *Manager) Active() int {
	return m.table.Len()
}

// Stop cancels every timer
func (m *Manager) Stop() {
	m.table.Stop()
}
