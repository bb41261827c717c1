package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(clock *fakeClock, maxRetries int) *Guard {
	b := newTestBreaker(clock)
	policy := DefaultRetryPolicy()
	policy.MaxRetries = maxRetries
	g := NewGuard(b, policy, time.Second)
	g.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return g
}

func TestCall_RetriesThenSucceeds(t *testing.T) {
	g := newTestGuard(newFakeClock(), 3)

	var calls int32
	v, err := Call(context.Background(), g, func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", &StatusError{Code: 503}
		}
		return "ok", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	s := g.Breaker().Snapshot()
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, 0, s.FailureCount)
}

func TestCall_ExhaustedRetriesCountOnce(t *testing.T) {
	g := newTestGuard(newFakeClock(), 2)

	var calls int32
	_, err := Call(context.Background(), g, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, errors.New("connection reset")
	}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	var exhausted *RetriesExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, g.Breaker().Snapshot().FailureCount)
}

func TestCall_PermanentErrorNotRetried(t *testing.T) {
	g := newTestGuard(newFakeClock(), 3)

	var calls int32
	_, err := Call(context.Background(), g, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, Permanent(&StatusError{Code: 400})
	}, nil)

	var sErr *StatusError
	require.ErrorAs(t, err, &sErr)
	assert.Equal(t, 400, sErr.Code)
	assert.NotErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, g.Breaker().Snapshot().FailureCount)
}

func TestCall_OpenCircuitUsesFallback(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(clock, 0)
	for i := 0; i < 5; i++ {
		g.Breaker().RecordFailure()
	}

	var called bool
	v, err := Call(context.Background(), g, func(ctx context.Context) (string, error) {
		called = true
		return "live", nil
	}, func(cause error) (string, error) {
		assert.ErrorIs(t, cause, ErrCircuitOpen)
		return "fallback", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback", v)
	assert.False(t, called)

	_, err = Call(context.Background(), g, func(ctx context.Context) (string, error) {
		called = true
		return "live", nil
	}, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	// after the reset timeout the trial call goes through and closes the circuit
	clock.Advance(30 * time.Second)
	v, err = Call(context.Background(), g, func(ctx context.Context) (string, error) {
		called = true
		return "live", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "live", v)
	assert.True(t, called)
	assert.Equal(t, StateClosed, g.Breaker().Snapshot().State)
}

func TestCall_CancelledCallerIsNotAFailure(t *testing.T) {
	g := newTestGuard(newFakeClock(), 3)
	obs := &recordingObserver{}
	g.observer = obs

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	_, err := Call(ctx, g, func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		cancel()
		return 0, &StatusError{Code: 503}
	}, nil)

	assert.ErrorIs(t, err, context.Canceled)
	var exhausted *RetriesExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	s := g.Breaker().Snapshot()
	assert.Equal(t, StateClosed, s.State)
	assert.Equal(t, 0, s.FailureCount)
	assert.Equal(t, []CallResult{ResultCancelled}, obs.results)
}

func TestCall_CancelledTrialReleasesHalfOpen(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(clock, 0)
	for i := 0; i < 5; i++ {
		g.Breaker().RecordFailure()
	}
	clock.Advance(30 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Call(ctx, g, func(ctx context.Context) (int, error) {
		cancel()
		return 0, ctx.Err()
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateHalfOpen, g.Breaker().Snapshot().State)

	// the abandoned trial does not block the next one
	v, err := Call(context.Background(), g, func(ctx context.Context) (int, error) {
		return 7, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, StateClosed, g.Breaker().Snapshot().State)
}

func TestCall_AttemptTimeout(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "slow", FailureThreshold: 5, ResetTimeout: time.Second, MonitorInterval: time.Second})
	g := NewGuard(b, RetryPolicy{MaxRetries: 0}, 20*time.Millisecond)

	start := time.Now()
	_, err := Call(context.Background(), g, func(ctx context.Context) (int, error) {
		time.Sleep(300 * time.Millisecond)
		return 1, nil
	}, nil)

	assert.Less(t, time.Since(start), 250*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, 1, b.Snapshot().FailureCount)
}

func TestCall_PanicIsAFailure(t *testing.T) {
	g := newTestGuard(newFakeClock(), 0)

	_, err := Call(context.Background(), g, func(ctx context.Context) (int, error) {
		panic("collaborator exploded")
	}, nil)

	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Contains(t, err.Error(), "collaborator exploded")
}

func TestDo(t *testing.T) {
	g := newTestGuard(newFakeClock(), 0)
	assert.NoError(t, Do(context.Background(), g, func(ctx context.Context) error { return nil }))
	assert.Error(t, Do(context.Background(), g, func(ctx context.Context) error { return errors.New("x") }))
}

type recordingObserver struct {
	transitions []State
	results     []CallResult
}

func (o *recordingObserver) StateChanged(name string, from, to State) {
	o.transitions = append(o.transitions, to)
}

func (o *recordingObserver) CallFinished(name string, result CallResult, attempts int) {
	o.results = append(o.results, result)
}

func TestRegistry_GuardPerName(t *testing.T) {
	obs := &recordingObserver{}
	s := DefaultSettings()
	s.FailureThreshold = 1
	s.Retry.MaxRetries = 0

	r := NewRegistry(DefaultSettings(),
		WithOverride(CollaboratorStore, s),
		WithObserver(obs),
	)

	store := r.Guard(CollaboratorStore)
	assert.Same(t, store, r.Guard(CollaboratorStore))
	assert.NotSame(t, store, r.Guard(CollaboratorAuth))

	err := Do(context.Background(), store, func(ctx context.Context) error { return errors.New("down") })
	require.Error(t, err)

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, CollaboratorAuth, snaps[0].Name)
	assert.Equal(t, CollaboratorStore, snaps[1].Name)
	assert.Equal(t, StateOpen, snaps[1].State)

	assert.Equal(t, []State{StateOpen}, obs.transitions)
	assert.Equal(t, []CallResult{ResultFailure}, obs.results)
}
