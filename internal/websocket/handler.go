package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/logging"
	"chatrelay/internal/metrics"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/resilience"
	"chatrelay/pkg/interfaces"
	"chatrelay/pkg/types"
)

// EventHandler receives the lifecycle and inbound events of authenticated connections
type EventHandler interface {
	Connect(conn interfaces.Connection) error
	HandleEvent(ctx context.Context, conn interfaces.Connection, ev types.InboundEvent)
	Disconnect(conn interfaces.Connection)
}

// HandlerConfig configures the upgrade endpoint
type HandlerConfig struct {
	Connection       Options
	AllowedOrigins   []string // "*" allows any origin
	HandshakeTimeout time.Duration
	TrustProxy       bool // take the client IP from X-Forwarded-For
}

// HandlerDeps are the handler's collaborators. Handshakes and Metrics may be nil.
type HandlerDeps struct {
	Registry   *Registry
	Events     EventHandler
	Verifier   interfaces.TokenVerifier
	AuthGuard  *resilience.Guard
	Handshakes *ratelimit.HandshakeLimiter
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger
}

// Handler authenticates handshakes and runs each connection's read loop
type Handler struct {
	deps     HandlerDeps
	cfg      HandlerConfig
	upgrader websocket.Upgrader
	logger   zerolog.Logger
	serving  sync.WaitGroup
}

// NewHandler creates a new WebSocket handler
func NewHandler(deps HandlerDeps, cfg HandlerConfig) *Handler {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	cfg.Connection = cfg.Connection.withDefaults()

	h := &Handler{
		deps:   deps,
		cfg:    cfg,
		logger: logging.Component(deps.Logger, "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleWebSocket authenticates the request and upgrades it. Every rejection
// happens before the upgrade, as a plain HTTP error.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := h.clientIP(r)
	if h.deps.Handshakes != nil && !h.deps.Handshakes.Allow(ip) {
		h.reject(w, ip, http.StatusTooManyRequests, "rate_limited", ErrHandshakeLimited)
		return
	}

	token := bearerToken(r)
	if token == "" {
		h.reject(w, ip, http.StatusUnauthorized, "missing_token", ErrMissingToken)
		return
	}

	identity, err := h.authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, resilience.ErrUpstreamUnavailable) || errors.Is(err, ErrAuthUnavailable) {
			h.reject(w, ip, http.StatusServiceUnavailable, "auth_unavailable", err)
			return
		}
		h.reject(w, ip, http.StatusUnauthorized, "invalid_token", err)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		h.deps.Metrics.HandshakeRejected("upgrade_failed")
		h.logger.Warn().Err(err).Str("ip", ip).Msg("WebSocket upgrade failed")
		return
	}

	conn := NewConnection(ws, identity, token, h.cfg.Connection)
	if err := h.deps.Registry.Add(conn); err != nil {
		h.logger.Error().Err(err).Str("identity", identity).Msg("Failed to track connection")
		_ = conn.Close()
		return
	}
	if err := h.deps.Events.Connect(conn); err != nil {
		h.logger.Error().Err(err).Str("identity", identity).Msg("Failed to register session")
		h.deps.Registry.Remove(conn)
		_ = conn.Close()
		return
	}

	h.serving.Add(1)
	go h.serve(conn)
}

// Wait blocks until every connection's read loop has exited and its
// disconnect has been handled
func (h *Handler) Wait() {
	h.serving.Wait()
}

// authenticate verifies token through the auth guard. A rejected token is
// not retried and does not count against the breaker.
func (h *Handler) authenticate(ctx context.Context, token string) (string, error) {
	verify := func(ctx context.Context) (string, error) {
		identity, err := h.deps.Verifier.Verify(ctx, token)
		if errors.Is(err, interfaces.ErrInvalidToken) {
			return "", resilience.Permanent(err)
		}
		return identity, err
	}

	var (
		identity string
		err      error
	)
	if h.deps.AuthGuard == nil {
		identity, err = verify(ctx)
	} else {
		identity, err = resilience.Call(ctx, h.deps.AuthGuard, verify, func(error) (string, error) {
			return "", ErrAuthUnavailable
		})
	}
	if err != nil {
		return "", err
	}
	if !types.IsValidIdentity(identity) {
		return "", ErrInvalidIdentity
	}
	return identity, nil
}

func (h *Handler) reject(w http.ResponseWriter, ip string, status int, reason string, err error) {
	h.deps.Metrics.HandshakeRejected(reason)
	h.logger.Info().Err(err).Str("ip", ip).Str("reason", reason).Msg("Handshake rejected")
	http.Error(w, http.StatusText(status), status)
}

// serve runs conn's read loop until the socket closes, then tears the session down
func (h *Handler) serve(conn *Connection) {
	defer h.serving.Done()
	defer func() {
		h.deps.Registry.Remove(conn)
		h.deps.Events.Disconnect(conn)
		_ = conn.Close()
	}()

	err := conn.readLoop(func(data []byte) {
		var ev types.InboundEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Event == "" {
			_ = conn.WriteEvent(types.EventError, types.ErrorPayload{
				Code:     types.CodeBadRequest,
				Message:  ErrInvalidJSON.Error(),
				Severity: "error",
			})
			return
		}
		h.deps.Events.HandleEvent(conn.Context(), conn, ev)
	})

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
		h.logger.Warn().Err(err).Str("identity", conn.Identity()).Msg("WebSocket read error")
	}
}

// bearerToken reads the credential from the Authorization header or the token query parameter
func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if scheme, token, ok := strings.Cut(auth, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
