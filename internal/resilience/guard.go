package resilience

import (
	"context"
	"fmt"
	"time"
)

// CallResult labels the outcome of one guarded call
type CallResult string

const (
	ResultSuccess   CallResult = "success"
	ResultFailure   CallResult = "failure"
	ResultRejected  CallResult = "rejected"
	ResultPermanent CallResult = "permanent"
	ResultCancelled CallResult = "cancelled"
)

// Observer receives breaker transitions and call outcomes
type Observer interface {
	StateChanged(name string, from, to State)
	CallFinished(name string, result CallResult, attempts int)
}

// Guard combines a breaker, a retry policy and a per-attempt timeout for one collaborator
type Guard struct {
	name        string
	breaker     *Breaker
	policy      RetryPolicy
	callTimeout time.Duration
	observer    Observer
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewGuard creates a guard around breaker
func NewGuard(breaker *Breaker, policy RetryPolicy, callTimeout time.Duration) *Guard {
	return &Guard{
		name:        breaker.Name(),
		breaker:     breaker,
		policy:      policy,
		callTimeout: callTimeout,
		sleep:       sleepContext,
	}
}

// Name returns the collaborator name
func (g *Guard) Name() string {
	return g.name
}

// Breaker exposes the guard's breaker
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Call runs fn under g. The breaker is consulted once per call and records one
// outcome per call, whatever the number of attempts. When the breaker rejects
// the call, fallback (if any) receives ErrCircuitOpen and its result is
// returned; otherwise the rejection is returned. Exhausted retries return a
// *RetriesExhaustedError and never reach fallback. A call abandoned because ctx
// ended is not held against the collaborator.
func Call[T any](ctx context.Context, g *Guard, fn func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	var zero T

	if err := g.breaker.Allow(); err != nil {
		g.observe(ResultRejected, 0)
		if fallback != nil {
			return fallback(err)
		}
		return zero, fmt.Errorf("%s: %w", g.name, err)
	}

	var lastErr error
	attempts := 0
	for {
		attempts++
		v, err := attempt(ctx, g.callTimeout, fn)
		if err == nil {
			g.breaker.RecordSuccess()
			g.observe(ResultSuccess, attempts)
			return v, nil
		}
		lastErr = err

		if !g.policy.Retryable(err) {
			if ctx.Err() == nil {
				// the collaborator answered; the request itself was bad
				g.breaker.RecordSuccess()
				g.observe(ResultPermanent, attempts)
				return zero, fmt.Errorf("%s: %w", g.name, err)
			}
			break
		}
		if attempts > g.policy.MaxRetries || ctx.Err() != nil {
			break
		}
		if err := g.sleep(ctx, g.policy.Delay(attempts+1)); err != nil {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		g.breaker.Release()
		g.observe(ResultCancelled, attempts)
		return zero, fmt.Errorf("%s: %w", g.name, err)
	}

	g.breaker.RecordFailure()
	g.observe(ResultFailure, attempts)
	return zero, fmt.Errorf("%s: %w", g.name, &RetriesExhaustedError{Attempts: attempts, Err: lastErr})
}

// Do is Call for functions without a result value
func Do(ctx context.Context, g *Guard, fn func(context.Context) error) error {
	_, err := Call(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, nil)
	return err
}

type attemptResult[T any] struct {
	v   T
	err error
}

// attempt runs fn with its own timeout. The timeout holds even when fn
// ignores its context.
func attempt[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptResult[T]{err: fmt.Errorf("collaborator call panicked: %v", r)}
			}
		}()
		v, err := fn(attemptCtx)
		done <- attemptResult[T]{v: v, err: err}
	}()

	select {
	case r := <-done:
		return r.v, r.err
	case <-attemptCtx.Done():
		var zero T
		return zero, attemptCtx.Err()
	}
}

func (g *Guard) observe(result CallResult, attempts int) {
	if g.observer != nil {
		g.observer.CallFinished(g.name, result, attempts)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
