// Package testutil holds in-memory connections and clients shared by package tests.
package testutil

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatrelay/pkg/types"
)

// ErrFakeClosed is returned by writes to a closed FakeConn
var ErrFakeClosed = errors.New("fake connection closed")

// FakeConn is an in-memory interfaces.Connection that records every event written to it
type FakeConn struct {
	id       string
	identity string
	token    string

	mu     sync.Mutex
	events []types.OutboundEvent
	closed bool
	done   chan struct{}
}

// NewFakeConn creates an open connection for identity with a fresh id
func NewFakeConn(identity string) *FakeConn {
	return &FakeConn{
		id:       uuid.New().String(),
		identity: identity,
		token:    "token-" + identity,
		done:     make(chan struct{}),
	}
}

func (c *FakeConn) ID() string        { return c.id }
func (c *FakeConn) Identity() string  { return c.identity }
func (c *FakeConn) AuthToken() string { return c.token }

func (c *FakeConn) Done() <-chan struct{} { return c.done }

// WriteEvent records the event
func (c *FakeConn) WriteEvent(event string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrFakeClosed
	}
	c.events = append(c.events, types.OutboundEvent{Event: event, Data: data})
	return nil
}

// Close marks the connection closed
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// IsClosed reports whether Close was called
func (c *FakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events returns a copy of every recorded event
func (c *FakeConn) Events() []types.OutboundEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.OutboundEvent(nil), c.events...)
}

// Named returns the recorded events with the given name
func (c *FakeConn) Named(event string) []types.OutboundEvent {
	var out []types.OutboundEvent
	for _, e := range c.Events() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// WaitFor polls until an event with the given name was recorded or timeout elapses
func (c *FakeConn) WaitFor(event string, timeout time.Duration) (types.OutboundEvent, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if got := c.Named(event); len(got) > 0 {
			return got[0], true
		}
		if time.Now().After(deadline) {
			return types.OutboundEvent{}, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Reset drops the recorded events
func (c *FakeConn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
