package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"chatrelay/internal/api"
	"chatrelay/internal/channel"
	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/expiry"
	"chatrelay/internal/hub"
	"chatrelay/internal/metrics"
	"chatrelay/internal/notify"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/resilience"
	"chatrelay/internal/router"
	"chatrelay/internal/session"
	"chatrelay/internal/typing"
	"chatrelay/internal/upstream"
	"chatrelay/internal/websocket"
	dbconfig "chatrelay/pkg/database"
	"chatrelay/pkg/interfaces"
)

// ErrAlreadyStarted is returned by a second Start
var ErrAlreadyStarted = errors.New("application already started")

// Application owns every component of the relay and their lifecycle
type Application struct {
	config *config.Config
	logger zerolog.Logger

	store      interfaces.MessageStore
	storeClose io.Closer
	natsConn   *nats.Conn

	guards     *resilience.Registry
	metrics    *metrics.Metrics
	notifier   *notify.Notifier
	typing     *typing.Manager
	expiries   *expiry.Scheduler
	registry   *websocket.Registry
	wsHandler  *websocket.Handler
	messageHub *hub.Hub
	apiServer  *api.Server
	httpServer *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewApplication builds every component in dependency order:
// Store → Verifier → Sinks → Guards → Core → Hub → WebSocket → API → HTTP
func NewApplication(cfg *config.Config, logger zerolog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	app := &Application{
		config: cfg,
		logger: logger.With().Str("component", "app").Logger(),
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.New(promRegistry)

	app.guards = resilience.NewRegistry(
		cfg.Settings(""),
		resilience.WithOverride(resilience.CollaboratorAuth, cfg.Settings(resilience.CollaboratorAuth)),
		resilience.WithOverride(resilience.CollaboratorStore, cfg.Settings(resilience.CollaboratorStore)),
		resilience.WithObserver(app.metrics),
		resilience.WithLogger(logger),
	)

	if err := app.openStore(); err != nil {
		return nil, err
	}

	sinks, err := app.openSinks()
	if err != nil {
		app.closeStore()
		return nil, err
	}

	verifier := upstream.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)

	app.notifier = notify.New(sinks, app.guards, logger)
	sessions := session.NewRegistry(session.WithLogger(logger))
	channels := channel.NewMembership()
	limiter := ratelimit.NewLimiter(cfg.RateLimit.Rules(), cfg.RateLimit.FallbackRule())
	handshakes := ratelimit.NewHandshakeLimiter(cfg.WebSocket.HandshakeRate, cfg.WebSocket.HandshakeBurst, cfg.WebSocket.HandshakeIdleTTL)
	app.typing = typing.NewManager(cfg.Typing.Inactivity, cfg.Typing.StaleAfter)
	app.expiries = expiry.NewScheduler()
	app.registry = websocket.NewRegistry()

	messageRouter := router.NewRouter(router.Deps{
		Sessions: sessions,
		Channels: channels,
		Limiter:  limiter,
		Expiry:   app.expiries,
		Store:    app.store,
		Guard:    app.guards.Guard(resilience.CollaboratorStore),
		Notifier: app.notifier,
		Metrics:  app.metrics,
		Logger:   logger,
	}, router.Options{Limits: cfg.Message.Limits()})

	app.messageHub = hub.NewHub(hub.Deps{
		Sessions:   sessions,
		Channels:   channels,
		Limiter:    limiter,
		Handshakes: handshakes,
		Typing:     app.typing,
		Router:     messageRouter,
		Notifier:   app.notifier,
		Metrics:    app.metrics,
		OpenSet:    app.registry,
		Logger:     logger,
	}, hub.Intervals{
		RateLimitSweep: cfg.Sweep.RateLimitInterval,
		TypingSweep:    cfg.Typing.SweepInterval,
		Reconcile:      cfg.Sweep.ReconcileInterval,
	})

	app.wsHandler = websocket.NewHandler(websocket.HandlerDeps{
		Registry:   app.registry,
		Events:     app.messageHub,
		Verifier:   verifier,
		AuthGuard:  app.guards.Guard(resilience.CollaboratorAuth),
		Handshakes: handshakes,
		Metrics:    app.metrics,
		Logger:     logger,
	}, websocket.HandlerConfig{
		Connection: websocket.Options{
			SendBuffer:     cfg.WebSocket.SendBuffer,
			WriteTimeout:   cfg.WebSocket.WriteTimeout,
			PongWait:       cfg.WebSocket.ReadTimeout,
			PingInterval:   cfg.WebSocket.PingInterval,
			MaxMessageSize: cfg.WebSocket.MaxMessageBytes,
		},
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		TrustProxy:       cfg.WebSocket.TrustProxy,
	})

	app.metrics.RegisterGauges(metrics.Gauges{
		Connections:     app.registry.Count,
		Sessions:        sessions.Count,
		TypingTimers:    app.typing.Active,
		PendingExpiries: app.expiries.Pending,
	})

	var health interfaces.HealthChecker
	if hc, ok := app.store.(interfaces.HealthChecker); ok {
		health = hc
	}
	app.apiServer = api.NewServer(api.Deps{
		Sessions:    sessions,
		Connections: app.registry,
		Breakers:    app.guards,
		Store:       health,
		Gatherer:    promRegistry,
		WebSocket:   http.HandlerFunc(app.wsHandler.HandleWebSocket),
		Logger:      logger,
	}, cfg.HTTP.AllowedOrigins)

	app.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      app.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return app, nil
}

func (app *Application) openStore() error {
	switch app.config.Store.Backend {
	case config.StoreHTTP:
		store, err := upstream.NewHTTPMessageStore(app.config.Store.HTTPBaseURL, app.config.Store.HTTPTimeout)
		if err != nil {
			return fmt.Errorf("failed to create HTTP message store: %w", err)
		}
		app.store = store
	default:
		dbConfig := dbconfig.DefaultConfig()
		dbConfig.DatabasePath = app.config.Store.SQLitePath
		dbConfig.MaxConnections = app.config.Store.MaxConnections
		dbConfig.BusyTimeout = app.config.Store.BusyTimeout

		manager, err := database.NewManager(dbConfig, app.logger)
		if err != nil {
			return fmt.Errorf("failed to initialize message store: %w", err)
		}
		app.store = manager
		app.storeClose = manager
	}
	return nil
}

// openSinks publishes notifications to NATS when a URL is configured and
// logs them otherwise
func (app *Application) openSinks() (notify.Sinks, error) {
	if app.config.NATS.URL == "" {
		return notify.Sinks{
			Presence: upstream.NewLogSink(app.logger, upstream.SinkPresence),
			Analysis: upstream.NewLogSink(app.logger, upstream.SinkAnalysis),
			Insight:  upstream.NewLogSink(app.logger, upstream.SinkInsight),
			Status:   upstream.NewLogSink(app.logger, upstream.SinkStatus),
		}, nil
	}

	conn, err := upstream.ConnectNATS(upstream.NATSConfig{
		URL:           app.config.NATS.URL,
		Name:          app.config.NATS.Name,
		MaxReconnects: app.config.NATS.MaxReconnects,
		ReconnectWait: app.config.NATS.ReconnectWait,
		PingInterval:  app.config.NATS.PingInterval,
	}, app.logger)
	if err != nil {
		return notify.Sinks{}, err
	}
	app.natsConn = conn

	prefix := app.config.NATS.SubjectPrefix
	return notify.Sinks{
		Presence: upstream.NewNATSSink(conn, prefix, upstream.SinkPresence),
		Analysis: upstream.NewNATSSink(conn, prefix, upstream.SinkAnalysis),
		Insight:  upstream.NewNATSSink(conn, prefix, upstream.SinkInsight),
		Status:   upstream.NewNATSSink(conn, prefix, upstream.SinkStatus),
	}, nil
}

// Start starts the hub sweeps and begins serving HTTP. It returns once the
// listener is bound.
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.listener != nil {
		return ErrAlreadyStarted
	}

	if err := app.messageHub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		_ = app.messageHub.Stop()
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}
	app.listener = listener

	go func() {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	app.config.LogConfig(app.logger)
	app.logger.Info().Str("addr", listener.Addr().String()).Msg("Relay started")
	return nil
}

// Stop shuts down in reverse dependency order:
// HTTP → connections → Hub → timers → notifications → NATS → Store
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info().Msg("Shutting down relay")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	closed := app.registry.CloseAll()
	app.wsHandler.Wait()
	app.logger.Info().Int("connections", closed).Msg("Closed client connections")

	if err := app.messageHub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}

	app.typing.Stop()
	app.expiries.Stop()
	app.notifier.Wait()

	if app.natsConn != nil {
		if err := app.natsConn.Drain(); err != nil {
			app.natsConn.Close()
		}
	}

	app.closeStore()

	app.logger.Info().Msg("Relay shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeStore() {
	if app.storeClose == nil {
		return
	}
	if err := app.storeClose.Close(); err != nil {
		app.logger.Error().Err(err).Msg("Message store shutdown error")
	}
}

// Addr returns the bound listen address once started, the configured one before
func (app *Application) Addr() string {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// Handler returns the root HTTP handler
func (app *Application) Handler() http.Handler {
	return app.apiServer
}

// ShutdownTimeout is the configured grace period for Stop
func (app *Application) ShutdownTimeout() time.Duration {
	return app.config.HTTP.ShutdownTimeout
}
