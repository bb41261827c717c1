// Package expiry schedules deletion signals for ephemeral messages.
package expiry

import (
	"time"

	"chatrelay/internal/timers"
)

// Target is where a message was delivered; the deletion signal goes to the same place
type Target struct {
	ReceiverID string
	GroupID    string
	Recipients []string
}

// Scheduler arms one timer per message and fire time. There is no cancel: a
// message deleted explicitly still gets its expiry signal, which clients treat
// as a no-op.
type Scheduler struct {
	table *timers.Table[expiryKey]
	now   func() time.Time
}

// expiryKey keeps two records sharing a message id from replacing each other's expiry
type expiryKey struct {
	messageID string
	fireAt    int64
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates an empty scheduler
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		table: timers.NewTable[expiryKey](),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule arms onFire for fireAt. It returns false and does nothing when
// fireAt is not in the future.
func (s *Scheduler) Schedule(messageID string, target Target, fireAt time.Time, onFire func(Target)) bool {
	d := fireAt.Sub(s.now())
	if d <= 0 {
		return false
	}
	key := expiryKey{messageID: messageID, fireAt: fireAt.UnixNano()}
	s.table.Arm(key, d, func() { onFire(target) })
	return true
}

// Pending returns the number of armed expiries
func (s *Scheduler) Pending() int {
	return s.table.Len()
}

// Stop drops every pending expiry
func (s *Scheduler) Stop() {
	s.table.Stop()
}
