package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/channel"
	"chatrelay/internal/logging"
	"chatrelay/internal/metrics"
	"chatrelay/internal/notify"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/router"
	"chatrelay/internal/session"
	"chatrelay/internal/typing"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// OpenSet reports whether a transport connection is still open
type OpenSet interface {
	IsOpen(connID string) bool
}

// Deps are the components the hub dispatches to
type Deps struct {
	Sessions   *session.Registry
	Channels   *channel.Membership
	Limiter    *ratelimit.Limiter
	Handshakes *ratelimit.HandshakeLimiter
	Typing     *typing.Manager
	Router     *router.Router
	Notifier   *notify.Notifier
	Metrics    *metrics.Metrics
	OpenSet    OpenSet
	Logger     zerolog.Logger
}

// Intervals of the background sweeps. A zero interval disables that sweep.
type Intervals struct {
	RateLimitSweep time.Duration
	TypingSweep    time.Duration
	Reconcile      time.Duration
}

type handlerFunc func(ctx context.Context, conn interfaces.Connection, data json.RawMessage) error

// Hub receives inbound events from every connection and dispatches them.
// Events of one connection are handled on that connection's read goroutine,
// so a sender's messages reach the router in the order they were sent.
type Hub struct {
	deps      Deps
	intervals Intervals
	handlers  map[string]handlerFunc
	logger    zerolog.Logger
	now       func() time.Time

	running  bool
	mu       sync.RWMutex
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewHub creates a hub
func NewHub(deps Deps, intervals Intervals) *Hub {
	h := &Hub{
		deps:      deps,
		intervals: intervals,
		logger:    logging.Component(deps.Logger, "hub"),
		now:       time.Now,
	}
	h.handlers = map[string]handlerFunc{
		types.EventSendMessage:       h.handleSendMessage,
		types.EventSendGroupMessage:  h.handleSendGroupMessage,
		types.EventJoinRoom:          h.handleJoinRoom,
		types.EventLeaveRoom:         h.handleLeaveRoom,
		types.EventJoinGroup:         h.handleJoinGroup,
		types.EventLeaveGroup:        h.handleLeaveGroup,
		types.EventTyping:            h.handleTyping,
		types.EventStopTyping:        h.handleStopTyping,
		types.EventMessageDelivered:  h.handleReceipt(types.ReceiptDelivered),
		types.EventMessageReadStatus: h.handleReceipt(types.ReceiptRead),
		types.EventMessageRead:       h.handleMessageRead,
		types.EventDeleteMessage:     h.handleDeleteMessage,
		types.EventGetOnlineUsers:    h.handleGetOnlineUsers,
	}
	return h
}

// Start launches the background sweeps
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdown = make(chan struct{})

	h.startSweep(ctx, "rate_limit", h.intervals.RateLimitSweep, h.sweepRateLimits)
	h.startSweep(ctx, "typing", h.intervals.TypingSweep, h.sweepTyping)
	h.startSweep(ctx, "reconcile", h.intervals.Reconcile, h.Reconcile)

	h.logger.Info().Msg("Hub started")
	return nil
}

// Stop halts the sweeps and cancels every typing timer
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	h.wg.Wait()
	if h.deps.Typing != nil {
		h.deps.Typing.Stop()
	}
	h.logger.Info().Msg("Hub stopped")
	return nil
}

// IsRunning reports whether the sweeps are running
func (h *Hub) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) startSweep(ctx context.Context, name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	shutdown := h.shutdown

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.safely(name, fn)
			case <-shutdown:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *Hub) safely(sweep string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.deps.Metrics.HandlerPanic()
			logging.LogErrorWithStack(h.logger, fmt.Errorf("panic: %v", r), "Sweep panicked", map[string]any{"sweep": sweep})
		}
	}()
	fn()
}

func (h *Hub) sweepRateLimits() {
	removed := h.deps.Limiter.Sweep()
	if h.deps.Handshakes != nil {
		removed += h.deps.Handshakes.Cleanup()
	}
	if removed > 0 {
		h.logger.Debug().Int("removed", removed).Msg("Swept rate limit entries")
	}
}

func (h *Hub) sweepTyping() {
	if n := h.deps.Typing.Sweep(); n > 0 {
		h.logger.Debug().Int("removed", n).Msg("Swept stale typing timers")
	}
}

// Reconcile evicts sessions whose connection is no longer open and runs the
// disconnect cleanup for each of them
func (h *Hub) Reconcile() {
	if h.deps.OpenSet == nil {
		return
	}
	evicted := h.deps.Sessions.Reconcile(h.deps.OpenSet.IsOpen)
	for _, s := range evicted {
		_ = s.Conn.Close()
		h.cleanupIdentity(s.Identity)
	}
	h.deps.Metrics.StaleEvicted(len(evicted))
}

// Connect registers an authenticated connection as its identity's session.
// A connection it supersedes is closed.
func (h *Hub) Connect(conn interfaces.Connection) error {
	identity := conn.Identity()

	previous, err := h.deps.Sessions.Register(identity, conn)
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	if previous != nil {
		// closed asynchronously; its disconnect finds the session already replaced
		go func() {
			if err := previous.Close(); err != nil {
				h.logger.Debug().Err(err).Str("conn_id", previous.ID()).Msg("Failed to close superseded connection")
			}
		}()
	}

	h.write(conn, types.EventConnected, types.ConnectedPayload{
		Identity:     identity,
		ConnectionID: conn.ID(),
		OnlineUsers:  h.deps.Sessions.ListIdentities(),
	})

	if previous == nil {
		h.broadcast(types.EventUserConnected, types.PresencePayload{Identity: identity, At: h.now()}, identity)
	}
	h.notifyPresence(identity, types.PresenceOnline, types.EventUserConnected)

	h.logger.Info().
		Str("identity", identity).
		Str("conn_id", conn.ID()).
		Bool("replaced", previous != nil).
		Msg("Session registered")
	return nil
}

// Disconnect ends conn's session. A connection that was already superseded
// leaves the current session untouched.
func (h *Hub) Disconnect(conn interfaces.Connection) {
	identity, ok := h.deps.Sessions.RemoveByHandle(conn)
	if !ok {
		return
	}
	h.cleanupIdentity(identity)

	h.logger.Info().
		Str("identity", identity).
		Str("conn_id", conn.ID()).
		Msg("Session ended")
}

func (h *Hub) cleanupIdentity(identity string) {
	h.deps.Typing.ClearAll(identity)
	h.deps.Channels.LeaveAll(identity)
	h.broadcast(types.EventUserDisconnected, types.PresencePayload{Identity: identity, At: h.now()}, identity)
	h.notifyPresence(identity, types.PresenceOffline, types.EventUserDisconnected)
}

func (h *Hub) notifyPresence(identity, status, event string) {
	if h.deps.Notifier == nil {
		return
	}
	h.deps.Notifier.Status(identity, status)
	h.deps.Notifier.Presence(identity, event, nil)
}

// HandleEvent dispatches one inbound event. Errors and panics are reported to
// conn as error events and never escape.
func (h *Hub) HandleEvent(ctx context.Context, conn interfaces.Connection, ev types.InboundEvent) {
	h.deps.Metrics.EventReceived(ev.Event)

	handler, ok := h.handlers[ev.Event]
	if !ok {
		h.sendError(conn, ev.Event, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Event))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.deps.Metrics.HandlerPanic()
			logging.LogErrorWithStack(h.logger, fmt.Errorf("panic: %v", r), "Event handler panicked", map[string]any{
				"event":    ev.Event,
				"identity": conn.Identity(),
				"conn_id":  conn.ID(),
			})
			h.sendError(conn, ev.Event, types.ErrInternal)
		}
	}()

	if err := handler(ctx, conn, ev.Data); err != nil {
		h.sendError(conn, ev.Event, err)
	}
}

// sendError converts err into an error event for conn
func (h *Hub) sendError(conn interfaces.Connection, event string, err error) {
	payload := types.ErrorPayload{Event: event, Severity: "error"}

	var vErr *types.ValidationError
	switch {
	case errors.As(err, &vErr):
		payload.Code = types.CodeValidation
		payload.Message = "validation failed"
		payload.Violations = vErr.Violations
	case errors.Is(err, types.ErrUnauthorized):
		payload.Code = types.CodeAuthorization
		payload.Message = types.ErrUnauthorized.Error()
	case errors.Is(err, types.ErrRateLimited):
		payload.Code = types.CodeRateLimited
		payload.Message = types.ErrRateLimited.Error()
		payload.Severity = "warning"
	case errors.Is(err, ErrUnknownEvent), errors.Is(err, ErrBadPayload):
		payload.Code = types.CodeBadRequest
		payload.Message = err.Error()
	default:
		payload.Code = types.CodeInternal
		payload.Message = types.ErrInternal.Error()
		if !errors.Is(err, types.ErrInternal) {
			h.logger.Error().Err(err).Str("event", event).Str("identity", conn.Identity()).Msg("Event handler failed")
		}
	}

	h.write(conn, types.EventError, payload)
}

// write sends an event, logging instead of failing when the connection is gone
func (h *Hub) write(conn interfaces.Connection, event string, data any) bool {
	if err := conn.WriteEvent(event, data); err != nil {
		h.logger.Debug().Err(err).Str("event", event).Str("conn_id", conn.ID()).Msg("Write failed")
		return false
	}
	return true
}

// sendTo writes to identity's current session, if any
func (h *Hub) sendTo(identity, event string, data any) bool {
	conn, ok := h.deps.Sessions.Lookup(identity)
	if !ok {
		return false
	}
	return h.write(conn, event, data)
}

// broadcast writes to every session except the one of except
func (h *Hub) broadcast(event string, data any, except string) {
	for _, identity := range h.deps.Sessions.ListIdentities() {
		if identity == except {
			continue
		}
		h.sendTo(identity, event, data)
	}
}

// sendToChannel writes to every online member of channelID except the one of except
func (h *Hub) sendToChannel(channelID, event string, data any, except string) int {
	n := 0
	for _, member := range h.deps.Channels.MembersOf(channelID) {
		if member == except {
			continue
		}
		if h.sendTo(member, event, data) {
			n++
		}
	}
	return n
}

// admit consults the rate limiter for the connection's identity
func (h *Hub) admit(conn interfaces.Connection, operation string) error {
	if h.deps.Limiter.Admit(conn.Identity(), operation) {
		return nil
	}
	h.deps.Metrics.RateLimited(operation)
	return types.ErrRateLimited
}

// requireMember rejects group-targeted events from identities outside the
// group. An empty groupID targets a single receiver and always passes.
func (h *Hub) requireMember(groupID, identity string) error {
	if groupID == "" || h.deps.Channels.IsMember(channel.GroupChannel(groupID), identity) {
		return nil
	}
	return types.ErrUnauthorized
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return v, nil
}
