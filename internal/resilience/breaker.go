package resilience

import (
	"sync"
	"time"
)

// State of a circuit breaker. The numeric values are exported as a gauge.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the thresholds of one breaker
type BreakerConfig struct {
	Name             string
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitorInterval  time.Duration
}

// BreakerState is a point-in-time copy of a breaker's state.
// NextAttemptAt is non-zero only while State is StateOpen.
type BreakerState struct {
	Name          string    `json:"name"`
	State         State     `json:"-"`
	StateName     string    `json:"state"`
	FailureCount  int       `json:"failureCount"`
	LastFailureAt time.Time `json:"lastFailureAt,omitempty"`
	NextAttemptAt time.Time `json:"nextAttemptAt,omitempty"`
}

// Breaker is a circuit breaker for a single collaborator.
// Transitions happen only inside Allow, RecordSuccess and RecordFailure.
type Breaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state         State
	failureCount  int
	lastFailureAt time.Time
	nextAttemptAt time.Time
	trialInFlight bool

	now      func() time.Time
	onChange func(name string, from, to State)
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithBreakerClock replaces time.Now, for tests
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithStateChange registers a callback invoked after every transition
func WithStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a closed breaker
func NewBreaker(cfg BreakerConfig, opts ...BreakerOption) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 1
	}
	b := &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the collaborator name
func (b *Breaker) Name() string {
	return b.cfg.Name
}

// Allow reports whether a call may be attempted. An open breaker whose reset
// timeout has elapsed moves to half-open and admits exactly one trial call;
// everything else is rejected with ErrCircuitOpen until that trial resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	var err error

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttemptAt) {
			err = ErrCircuitOpen
			break
		}
		b.state = StateHalfOpen
		b.nextAttemptAt = time.Time{}
		b.trialInFlight = true
	case StateHalfOpen:
		if b.trialInFlight {
			err = ErrCircuitOpen
			break
		}
		b.trialInFlight = true
	}

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return err
}

// RecordSuccess reports a successful call
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.failureCount = 0
		b.trialInFlight = false
	case StateClosed:
		b.failureCount = 0
	}
	// a call admitted before the breaker opened does not close it

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure reports a failed call (after retries)
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	now := b.now()

	switch b.state {
	case StateHalfOpen:
		b.failureCount++
		b.trip(now)
	case StateClosed:
		if !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) <= b.cfg.MonitorInterval {
			b.failureCount++
		} else {
			b.failureCount = 1
		}
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case StateOpen:
		b.failureCount++
	}
	b.lastFailureAt = now

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// trip opens the breaker; caller holds mu
// Release gives back a half-open trial without recording an outcome, so the
// next Allow may start a fresh trial.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = StateOpen
	b.nextAttemptAt = now.Add(b.cfg.ResetTimeout)
	b.trialInFlight = false
}

// Snapshot returns a copy of the current state
func (b *Breaker) Snapshot() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BreakerState{
		Name:          b.cfg.Name,
		State:         b.state,
		StateName:     b.state.String(),
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
		NextAttemptAt: b.nextAttemptAt,
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(b.cfg.Name, from, to)
	}
}
