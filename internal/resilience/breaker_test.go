package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clock *fakeClock, opts ...BreakerOption) *Breaker {
	opts = append([]BreakerOption{WithBreakerClock(clock.Now)}, opts...)
	return NewBreaker(BreakerConfig{
		Name:             "store",
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitorInterval:  60 * time.Second,
	}, opts...)
}

func assertOpenInvariant(t *testing.T, s BreakerState) {
	t.Helper()
	assert.Equal(t, s.State == StateOpen, !s.NextAttemptAt.IsZero(),
		"nextAttemptAt must be set iff open (state=%s)", s.State)
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.Snapshot().State)
	}

	require.NoError(t, b.Allow())
	b.RecordFailure()

	s := b.Snapshot()
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, 5, s.FailureCount)
	assert.Equal(t, clock.Now().Add(30*time.Second), s.NextAttemptAt)
	assertOpenInvariant(t, s)

	clock.Advance(29 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	assert.ErrorIs(t, b.Allow(), ErrUpstreamUnavailable)
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())

	s := b.Snapshot()
	assert.Equal(t, StateHalfOpen, s.State)
	assertOpenInvariant(t, s)

	// only one trial while half-open
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.RecordSuccess()
	s = b.Snapshot()
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, 0, s.FailureCount)
	assertOpenInvariant(t, s)
	assert.NoError(t, b.Allow())
}

func TestBreaker_ReleaseFreesTrial(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	b.Release()
	s := b.Snapshot()
	assert.Equal(t, StateHalfOpen, s.State)
	assert.Equal(t, 5, s.FailureCount)
	assert.NoError(t, b.Allow())

	// releasing a closed breaker changes nothing
	b.RecordSuccess()
	b.Release()
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	clock.Advance(31 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordFailure()

	s := b.Snapshot()
	assert.Equal(t, StateOpen, s.State)
	assert.Equal(t, clock.Now().Add(30*time.Second), s.NextAttemptAt)
	assertOpenInvariant(t, s)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_FailuresOutsideMonitorIntervalRestartCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, 4, b.Snapshot().FailureCount)

	clock.Advance(61 * time.Second)
	b.RecordFailure()

	s := b.Snapshot()
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, 1, s.FailureCount)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	clock := newFakeClock()
	b := newTestBreaker(clock)

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	b.RecordFailure()

	assert.Equal(t, 1, b.Snapshot().FailureCount)
	assert.Equal(t, StateClosed, b.Snapshot().State)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	b := newTestBreaker(clock, WithStateChange(func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}))

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "x", FailureThreshold: 3, ResetTimeout: time.Millisecond, MonitorInterval: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if b.Allow() != nil {
					continue
				}
				if (i+j)%2 == 0 {
					b.RecordFailure()
				} else {
					b.RecordSuccess()
				}
				assertOpenInvariant(t, b.Snapshot())
			}
		}(i)
	}
	wg.Wait()
}
