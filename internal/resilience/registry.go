package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Collaborator names
const (
	CollaboratorAuth     = "auth"
	CollaboratorStore    = "store"
	CollaboratorPresence = "presence"
	CollaboratorAnalysis = "analysis"
	CollaboratorInsight  = "insight"
	CollaboratorStatus   = "status"
)

// Settings configure one collaborator's guard
type Settings struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	MonitorInterval  time.Duration
	CallTimeout      time.Duration
	Retry            RetryPolicy
}

// DefaultSettings returns the settings used when none are configured
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitorInterval:  60 * time.Second,
		CallTimeout:      5 * time.Second,
		Retry:            DefaultRetryPolicy(),
	}
}

// Registry owns one guard per collaborator name for the life of the process
type Registry struct {
	mu        sync.Mutex
	defaults  Settings
	overrides map[string]Settings
	guards    map[string]*Guard

	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithOverride sets the settings for a single collaborator
func WithOverride(name string, s Settings) RegistryOption {
	return func(r *Registry) { r.overrides[name] = s }
}

// WithObserver reports transitions and call outcomes to o
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) { r.observer = o }
}

// WithLogger sets the logger used for state transitions
func WithLogger(l zerolog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithClock replaces time.Now in every breaker created by the registry
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry
func NewRegistry(defaults Settings, opts ...RegistryOption) *Registry {
	r := &Registry{
		defaults:  defaults,
		overrides: make(map[string]Settings),
		guards:    make(map[string]*Guard),
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Guard returns the guard for name, creating it on first use
func (r *Registry) Guard(name string) *Guard {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.guards[name]; ok {
		return g
	}

	s, ok := r.overrides[name]
	if !ok {
		s = r.defaults
	}

	breaker := NewBreaker(BreakerConfig{
		Name:             name,
		FailureThreshold: s.FailureThreshold,
		ResetTimeout:     s.ResetTimeout,
		MonitorInterval:  s.MonitorInterval,
	}, WithBreakerClock(r.now), WithStateChange(r.stateChanged))

	g := NewGuard(breaker, s.Retry, s.CallTimeout)
	g.observer = r.observer
	r.guards[name] = g
	return g
}

// Snapshots returns the state of every breaker, sorted by name
func (r *Registry) Snapshots() []BreakerState {
	r.mu.Lock()
	guards := make([]*Guard, 0, len(r.guards))
	for _, g := range r.guards {
		guards = append(guards, g)
	}
	r.mu.Unlock()

	out := make([]BreakerState, 0, len(guards))
	for _, g := range guards {
		out = append(out, g.breaker.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) stateChanged(name string, from, to State) {
	event := r.logger.Info()
	if to == StateOpen {
		event = r.logger.Warn()
	}
	event.
		Str("collaborator", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")

	if r.observer != nil {
		r.observer.StateChanged(name, from, to)
	}
}
