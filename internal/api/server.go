package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"

	"chatrelay/internal/resilience"
	"chatrelay/pkg/interfaces"
)

// Sessions is the part of the session registry the API reads
type Sessions interface {
	ListIdentities() []string
	Count() int
}

// Connections reports open connection statistics
type Connections interface {
	GetStats() map[string]int
}

// Breakers reports the state of every collaborator breaker
type Breakers interface {
	Snapshots() []resilience.BreakerState
}

// Deps are the read-only views the HTTP surface exposes. Store, Gatherer and
// WebSocket are optional.
type Deps struct {
	Sessions    Sessions
	Connections Connections
	Breakers    Breakers
	Store       interfaces.HealthChecker
	Gatherer    prometheus.Gatherer
	WebSocket   http.Handler
	Logger      zerolog.Logger
}

// Server serves the health, metrics and presence endpoints and mounts the
// WebSocket handler at /ws
type Server struct {
	deps           Deps
	allowedOrigins []string
	startedAt      time.Time
	now            func() time.Time
	memory         func() (float64, error)
	logger         zerolog.Logger
	router         *http.ServeMux
}

// NewServer creates the server and its routes
func NewServer(deps Deps, allowedOrigins []string) *Server {
	s := &Server{
		deps:           deps,
		allowedOrigins: allowedOrigins,
		startedAt:      time.Now(),
		now:            time.Now,
		memory:         usedMemoryPercent,
		logger:         deps.Logger.With().Str("component", "api").Logger(),
		router:         http.NewServeMux(),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/online", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.onlineUsers))))
	if s.deps.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.deps.WebSocket != nil {
		s.router.Handle("/ws", s.deps.WebSocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime"`
	Store       string            `json:"store"`
	Connections map[string]int    `json:"connections"`
	Sessions    int               `json:"sessions"`
	Breakers    map[string]string `json:"breakers"`
	System      SystemInfo        `json:"system"`
}

type SystemInfo struct {
	Goroutines     int     `json:"goroutines"`
	GoMaxProcs     int     `json:"go_max_procs"`
	MemUsedPercent float64 `json:"mem_used_percent,omitempty"`
}

type OnlineResponse struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// healthCheck reports 503 when the store fails its health check. Open
// breakers degrade the status without failing the check.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	storeStatus := "not_checked"
	if s.deps.Store != nil {
		storeStatus = "healthy"
		if err := s.deps.Store.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			storeStatus = "error: " + err.Error()
			s.logger.Warn().Err(err).Msg("Store health check failed")
		}
	}

	breakers := make(map[string]string)
	if s.deps.Breakers != nil {
		for _, b := range s.deps.Breakers.Snapshots() {
			breakers[b.Name] = b.State.String()
			if b.State == resilience.StateOpen && status == "healthy" {
				status = "degraded"
			}
		}
	}

	system := SystemInfo{
		Goroutines: runtime.NumGoroutine(),
		GoMaxProcs: runtime.GOMAXPROCS(0),
	}
	if used, err := s.memory(); err == nil {
		system.MemUsedPercent = used
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   s.now().UTC(),
		Uptime:      s.now().Sub(s.startedAt).Round(time.Second).String(),
		Store:       storeStatus,
		Connections: s.connectionStats(),
		Sessions:    s.sessionCount(),
		Breakers:    breakers,
		System:      system,
	}

	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

func (s *Server) onlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	users := []string{}
	if s.deps.Sessions != nil {
		users = append(users, s.deps.Sessions.ListIdentities()...)
	}
	_ = json.NewEncoder(w).Encode(OnlineResponse{Users: users, Count: len(users)})
}

func (s *Server) connectionStats() map[string]int {
	if s.deps.Connections == nil {
		return map[string]int{}
	}
	return s.deps.Connections.GetStats()
}

func (s *Server) sessionCount() int {
	if s.deps.Sessions == nil {
		return 0
	}
	return s.deps.Sessions.Count()
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or
// "" when the origin is not allowed
func (s *Server) allowOrigin(origin string) string {
	if slices.Contains(s.allowedOrigins, "*") {
		return "*"
	}
	if origin != "" && slices.Contains(s.allowedOrigins, origin) {
		return origin
	}
	return ""
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func usedMemoryPercent() (float64, error) {
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vmem.UsedPercent, nil
}
