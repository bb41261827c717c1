package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatrelay/pkg/types"
)

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}

	tests := []struct {
		attempt int
		u       float64
		want    time.Duration
	}{
		{attempt: 1, u: 0.5, want: 0},
		{attempt: 2, u: 0, want: 100 * time.Millisecond},
		{attempt: 3, u: 0, want: 200 * time.Millisecond},
		{attempt: 4, u: 0, want: 400 * time.Millisecond},
		{attempt: 2, u: 0.5, want: 115 * time.Millisecond},
		{attempt: 6, u: 0, want: time.Second},
		{attempt: 10, u: 0.9, want: time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d_u_%.1f", tt.attempt, tt.u), func(t *testing.T) {
			assert.InDelta(t, float64(tt.want), float64(p.delay(tt.attempt, tt.u)), 1)
		})
	}
}

func TestRetryPolicy_DelayJitterBounds(t *testing.T) {
	p := DefaultRetryPolicy()
	for i := 0; i < 1000; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, p.BaseDelay)
		assert.Less(t, d, p.BaseDelay+time.Duration(0.3*float64(p.BaseDelay)))
	}
}

func TestRetryPolicy_Retryable(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transport failure", errors.New("connection refused"), true},
		{"attempt timeout", context.DeadlineExceeded, true},
		{"caller cancelled", context.Canceled, false},
		{"request timeout", &StatusError{Code: 408}, true},
		{"too many requests", &StatusError{Code: 429}, true},
		{"bad gateway", &StatusError{Code: 502}, true},
		{"service unavailable wrapped", fmt.Errorf("persist: %w", &StatusError{Code: 503}), true},
		{"bad request", &StatusError{Code: 400}, false},
		{"not implemented", &StatusError{Code: 501}, false},
		{"permanent", Permanent(errors.New("boom")), false},
		{"validation", &types.ValidationError{Violations: []string{types.RuleContentRequired}}, false},
		{"circuit open", ErrCircuitOpen, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Retryable(tt.err))
		})
	}
}

func TestRetryPolicy_CustomStatuses(t *testing.T) {
	p := RetryPolicy{RetryableStatuses: []int{503}}
	assert.True(t, p.Retryable(&StatusError{Code: 503}))
	assert.False(t, p.Retryable(&StatusError{Code: 500}))
}
