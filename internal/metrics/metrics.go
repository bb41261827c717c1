// Package metrics exposes the relay's Prometheus collectors. Every method is
// safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"chatrelay/internal/resilience"
)

const namespace = "chatrelay"

// Metrics holds every collector of the relay
type Metrics struct {
	eventsReceived    *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
	messages          *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	upstreamCalls     *prometheus.CounterVec
	upstreamAttempts  *prometheus.HistogramVec
	handlerPanics     prometheus.Counter
	staleEvicted      prometheus.Counter
	handshakeRejected *prometheus.CounterVec
	expiriesFired     prometheus.Counter

	registerer prometheus.Registerer
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound client events by name",
		}, []string{"event"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter by operation",
		}, []string{"operation"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages that completed the delivery pipeline by outcome",
		}, []string{"outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Messages written to recipient connections",
		}, []string{"kind"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per collaborator (0 closed, 1 half-open, 2 open)",
		}, []string{"collaborator"}),
		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_calls_total",
			Help:      "Guarded collaborator calls by result",
		}, []string{"collaborator", "result"}),
		upstreamAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempts",
			Help:      "Attempts per guarded collaborator call",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		}, []string{"collaborator"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_panics_total",
			Help:      "Panics recovered at the event handler boundary",
		}),
		staleEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_sessions_evicted_total",
			Help:      "Sessions evicted by reconciliation",
		}),
		handshakeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_rejected_total",
			Help:      "WebSocket handshakes rejected before upgrade",
		}, []string{"reason"}),
		expiriesFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiries_fired_total",
			Help:      "Deletion signals emitted for expired messages",
		}),
		registerer: reg,
	}

	reg.MustRegister(
		m.eventsReceived,
		m.rateLimited,
		m.messages,
		m.deliveries,
		m.breakerState,
		m.upstreamCalls,
		m.upstreamAttempts,
		m.handlerPanics,
		m.staleEvicted,
		m.handshakeRejected,
		m.expiriesFired,
	)
	return m
}

// Gauges supplies the live values sampled at scrape time
type Gauges struct {
	Connections     func() int
	Sessions        func() int
	TypingTimers    func() int
	PendingExpiries func() int
}

// RegisterGauges registers gauge functions backed by g
func (m *Metrics) RegisterGauges(g Gauges) {
	if m == nil {
		return
	}
	add := func(name, help string, fn func() int) {
		if fn == nil {
			return
		}
		m.registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(fn()) }))
	}
	add("connections_active", "Open WebSocket connections", g.Connections)
	add("sessions_active", "Registered identity sessions", g.Sessions)
	add("typing_timers", "Live typing debounce timers", g.TypingTimers)
	add("pending_expiries", "Armed message expiries", g.PendingExpiries)
}

// EventReceived counts an inbound event
func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(event).Inc()
}

// RateLimited counts a rejected request
func (m *Metrics) RateLimited(operation string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(operation).Inc()
}

// MessageOutcome counts a pipeline outcome: sent, pending or failed
func (m *Metrics) MessageOutcome(outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(outcome).Inc()
}

// Delivered counts n deliveries of the given kind (direct or group)
func (m *Metrics) Delivered(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.deliveries.WithLabelValues(kind).Add(float64(n))
}

// HandlerPanic counts a recovered panic
func (m *Metrics) HandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

// StaleEvicted counts sessions evicted by reconciliation
func (m *Metrics) StaleEvicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.staleEvicted.Add(float64(n))
}

// HandshakeRejected counts a rejected handshake
func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.handshakeRejected.WithLabelValues(reason).Inc()
}

// ExpiryFired counts an emitted deletion signal
func (m *Metrics) ExpiryFired() {
	if m == nil {
		return
	}
	m.expiriesFired.Inc()
}

// StateChanged implements resilience.Observer
func (m *Metrics) StateChanged(name string, from, to resilience.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(to))
}

// CallFinished implements resilience.Observer
func (m *Metrics) CallFinished(name string, result resilience.CallResult, attempts int) {
	if m == nil {
		return
	}
	m.upstreamCalls.WithLabelValues(name, string(result)).Inc()
	if attempts > 0 {
		m.upstreamAttempts.WithLabelValues(name).Observe(float64(attempts))
	}
}
