package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(clock *testClock) *Limiter {
	rules := map[string]Rule{OpSendMessage: {MaxRequests: 3, Window: time.Second}}
	return NewLimiter(rules, Rule{MaxRequests: 1, Window: time.Minute}, WithClock(clock.Now))
}

func TestLimiter_FixedWindow(t *testing.T) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Admit("alice", OpSendMessage), "request %d", i+1)
	}
	assert.False(t, l.Admit("alice", OpSendMessage))

	clock.Advance(time.Second)
	assert.True(t, l.Admit("alice", OpSendMessage))

	e, ok := l.Entry("alice", OpSendMessage)
	require.True(t, ok)
	assert.Equal(t, 1, e.Count)
	assert.Equal(t, clock.Now().Add(time.Second), e.WindowResetAt)
}

func TestLimiter_CountKeepsIncrementingPastThreshold(t *testing.T) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	for i := 0; i < 10; i++ {
		l.Admit("alice", OpSendMessage)
	}

	e, ok := l.Entry("alice", OpSendMessage)
	require.True(t, ok)
	assert.Equal(t, 10, e.Count)
	assert.False(t, l.Admit("alice", OpSendMessage))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	for i := 0; i < 3; i++ {
		l.Admit("alice", OpSendMessage)
	}
	assert.False(t, l.Admit("alice", OpSendMessage))
	assert.True(t, l.Admit("bob", OpSendMessage))

	// unknown operation uses the fallback rule (1 per minute)
	assert.True(t, l.Admit("alice", "custom"))
	assert.False(t, l.Admit("alice", "custom"))
}

func TestLimiter_Sweep(t *testing.T) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	l := newTestLimiter(clock)

	l.Admit("alice", OpSendMessage)
	l.Admit("bob", "custom")
	assert.Equal(t, 2, l.Len())

	clock.Advance(time.Second)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())

	_, ok := l.Entry("alice", OpSendMessage)
	assert.False(t, ok)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_ConcurrentAdmissionsNeverExceedThreshold(t *testing.T) {
	l := NewLimiter(map[string]Rule{OpTyping: {MaxRequests: 50, Window: time.Hour}}, DefaultFallbackRule)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if l.Admit("alice", OpTyping) {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
	e, _ := l.Entry("alice", OpTyping)
	assert.Equal(t, 200, e.Count)
}

func TestDefaultRules(t *testing.T) {
	rules := DefaultRules()
	for _, op := range []string{OpSendMessage, OpJoinRoom, OpJoinGroup, OpTyping, OpReceipt, OpMessageRead, OpDeleteMessage} {
		t.Run(fmt.Sprintf("rule_%s", op), func(t *testing.T) {
			r, ok := rules[op]
			require.True(t, ok)
			assert.Positive(t, r.MaxRequests)
			assert.Positive(t, r.Window)
		})
	}
}

func TestHandshakeLimiter(t *testing.T) {
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	h := NewHandshakeLimiter(1, 2, time.Minute)
	h.now = clock.Now

	assert.True(t, h.Allow("10.0.0.1"))
	assert.True(t, h.Allow("10.0.0.1"))
	assert.False(t, h.Allow("10.0.0.1"))
	assert.True(t, h.Allow("10.0.0.2"))

	clock.Advance(time.Second)
	assert.True(t, h.Allow("10.0.0.1"))

	assert.Equal(t, 2, h.Tracked())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, h.Cleanup())
	assert.Equal(t, 0, h.Tracked())
}
