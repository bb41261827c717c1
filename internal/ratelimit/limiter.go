package ratelimit

import (
	"sync"
	"time"
)

// Operations with their own admission rule
const (
	OpSendMessage   = "send_message"
	OpJoinRoom      = "join_room"
	OpJoinGroup     = "join_group"
	OpTyping        = "typing"
	OpReceipt       = "receipt"
	OpMessageRead   = "message_read"
	OpDeleteMessage = "delete_message"
)

// Rule is a fixed-window threshold for one operation
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultRules returns the per-operation thresholds used when none are configured
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		OpSendMessage:   {MaxRequests: 30, Window: 10 * time.Second},
		OpJoinRoom:      {MaxRequests: 20, Window: time.Minute},
		OpJoinGroup:     {MaxRequests: 20, Window: time.Minute},
		OpTyping:        {MaxRequests: 60, Window: 10 * time.Second},
		OpReceipt:       {MaxRequests: 120, Window: time.Minute},
		OpMessageRead:   {MaxRequests: 120, Window: time.Minute},
		OpDeleteMessage: {MaxRequests: 30, Window: time.Minute},
	}
}

// DefaultFallbackRule applies to operations without a rule of their own
var DefaultFallbackRule = Rule{MaxRequests: 100, Window: time.Minute}

// Entry is the window state of one (identity, operation) key
type Entry struct {
	Count         int
	WindowResetAt time.Time
}

type entryKey struct {
	identity  string
	operation string
}

// Limiter is a fixed-window request counter keyed by identity and operation
type Limiter struct {
	mu       sync.Mutex
	rules    map[string]Rule
	fallback Rule
	entries  map[entryKey]*Entry
	now      func() time.Time
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a limiter. Operations missing from rules use fallback.
func NewLimiter(rules map[string]Rule, fallback Rule, opts ...Option) *Limiter {
	copied := make(map[string]Rule, len(rules))
	for op, r := range rules {
		copied[op] = r
	}
	l := &Limiter{
		rules:    copied,
		fallback: fallback,
		entries:  make(map[entryKey]*Entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule returns the rule applied to operation
func (l *Limiter) Rule(operation string) Rule {
	if r, ok := l.rules[operation]; ok {
		return r
	}
	return l.fallback
}

// Admit counts one request and reports whether it is within the window's
// threshold. Rejected requests still count, so the entry reflects the real
// request volume; the decision only compares the count with the threshold.
func (l *Limiter) Admit(identity, operation string) bool {
	rule := l.Rule(operation)
	k := entryKey{identity: identity, operation: operation}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, exists := l.entries[k]
	if !exists || !now.Before(e.WindowResetAt) {
		l.entries[k] = &Entry{Count: 1, WindowResetAt: now.Add(rule.Window)}
		return true
	}

	e.Count++
	return e.Count <= rule.MaxRequests
}

// Entry returns a copy of the current window state for the key
func (l *Limiter) Entry(identity, operation string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[entryKey{identity: identity, operation: operation}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Sweep removes entries whose window has elapsed and returns how many were removed
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for k, e := range l.entries {
		if !now.Before(e.WindowResetAt) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
