package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"chatrelay/internal/resilience"
)

type recordingSink struct {
	mu       sync.Mutex
	events   []string
	statuses []string
	err      error
	panicMsg string
}

func (s *recordingSink) Notify(ctx context.Context, identity, event string, meta map[string]any) error {
	if s.panicMsg != "" {
		panic(s.panicMsg)
	}
	s.mu.Lock()
	s.events = append(s.events, identity+":"+event)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) SetStatus(ctx context.Context, identity, status string) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, identity+":"+status)
	s.mu.Unlock()
	return s.err
}

func (s *recordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func fastSettings() resilience.Settings {
	s := resilience.DefaultSettings()
	s.Retry.MaxRetries = 0
	s.CallTimeout = time.Second
	return s
}

func TestNotifier_DeliversToEachSink(t *testing.T) {
	presence, analysis, insight := &recordingSink{}, &recordingSink{}, &recordingSink{}
	status := &recordingSink{}
	n := New(Sinks{Presence: presence, Analysis: analysis, Insight: insight, Status: status},
		resilience.NewRegistry(fastSettings()), zerolog.Nop())

	n.Presence("alice", "message_sent", nil)
	n.Analysis("alice", "message", map[string]any{"messageId": "m1"})
	n.RoomInsight("alice", "group_message", nil)
	n.Status("alice", "online")
	n.Wait()

	assert.Equal(t, []string{"alice:message_sent"}, presence.Events())
	assert.Equal(t, []string{"alice:message"}, analysis.Events())
	assert.Equal(t, []string{"alice:group_message"}, insight.Events())
	assert.Equal(t, []string{"alice:online"}, status.statuses)
}

func TestNotifier_SwallowsFailuresAndPanics(t *testing.T) {
	failing := &recordingSink{err: errors.New("sink down")}
	panicking := &recordingSink{panicMsg: "boom"}
	guards := resilience.NewRegistry(fastSettings())
	n := New(Sinks{Presence: failing, Analysis: panicking}, guards, zerolog.Nop())

	assert.NotPanics(t, func() {
		for i := 0; i < 10; i++ {
			n.Presence("alice", "x", nil)
			n.Analysis("alice", "y", nil)
			n.Wait()
		}
	})

	// repeated failures open the presence circuit; further calls are dropped
	snap := guards.Guard(resilience.CollaboratorPresence).Breaker().Snapshot()
	assert.Equal(t, resilience.StateOpen, snap.State)
	assert.Len(t, failing.Events(), 5)
}

func TestNotifier_NilSinksAreSkipped(t *testing.T) {
	n := New(Sinks{}, resilience.NewRegistry(fastSettings()), zerolog.Nop())
	n.Presence("alice", "x", nil)
	n.Analysis("alice", "x", nil)
	n.RoomInsight("alice", "x", nil)
	n.Status("alice", "online")
	n.Wait()
}
