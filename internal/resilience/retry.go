package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"slices"
	"time"

	"chatrelay/pkg/types"
)

// jitterFraction bounds the random part of a retry delay, as a fraction of BaseDelay
const jitterFraction = 0.3

// RetryPolicy controls how a failed call is retried
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	Multiplier        float64
	MaxDelay          time.Duration
	RetryableStatuses []int
}

// DefaultRetryableStatuses are transient or overload responses
var DefaultRetryableStatuses = []int{408, 429, 500, 502, 503, 504}

// DefaultRetryPolicy returns the policy used when none is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         200 * time.Millisecond,
		Multiplier:        2,
		MaxDelay:          5 * time.Second,
		RetryableStatuses: DefaultRetryableStatuses,
	}
}

// Delay returns the wait before attempt n (n >= 2):
// min(base * mult^(n-2) + U[0, 0.3*base), cap)
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64())
}

func (p RetryPolicy) delay(attempt int, u float64) time.Duration {
	if attempt < 2 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	backoff := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-2))
	jitter := u * jitterFraction * float64(p.BaseDelay)
	d := backoff + jitter
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Retryable reports whether err is worth another attempt. Upstream statuses
// are retried only when allow-listed; malformed requests never are.
func (p RetryPolicy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) || errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}

	var vErr *types.ValidationError
	if errors.As(err, &vErr) {
		return false
	}

	var sErr *StatusError
	if errors.As(err, &sErr) {
		statuses := p.RetryableStatuses
		if statuses == nil {
			statuses = DefaultRetryableStatuses
		}
		return slices.Contains(statuses, sErr.Code)
	}

	// no response: transport failure or per-attempt timeout
	return true
}
