package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/metrics"
	"chatrelay/internal/resilience"
)

type mockSessions struct {
	identities []string
}

func (m *mockSessions) ListIdentities() []string { return m.identities }
func (m *mockSessions) Count() int               { return len(m.identities) }

type mockConnections struct{}

func (mockConnections) GetStats() map[string]int {
	return map[string]int{"total_connections": 2, "unique_identities": 2}
}

type mockStore struct {
	err error
}

func (m *mockStore) HealthCheck(ctx context.Context) error { return m.err }

type mockBreakers struct {
	states []resilience.BreakerState
}

func (m *mockBreakers) Snapshots() []resilience.BreakerState { return m.states }

func newTestServer(deps Deps, origins ...string) *Server {
	deps.Logger = zerolog.Nop()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := NewServer(deps, origins)
	s.memory = func() (float64, error) { return 42.5, nil }
	return s
}

func getJSON(t *testing.T, s *Server, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		require.NoError(t, json.NewDecoder(w.Body).Decode(out))
	}
	return w
}

func TestServer_HealthHealthy(t *testing.T) {
	s := newTestServer(Deps{
		Sessions:    &mockSessions{identities: []string{"alice", "bob"}},
		Connections: mockConnections{},
		Store:       &mockStore{},
		Breakers: &mockBreakers{states: []resilience.BreakerState{
			{Name: resilience.CollaboratorStore, State: resilience.StateClosed},
			{Name: resilience.CollaboratorAuth, State: resilience.StateHalfOpen},
		}},
	})

	var body HealthResponse
	w := getJSON(t, s, "/health", &body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "healthy", body.Store)
	assert.Equal(t, 2, body.Sessions)
	assert.Equal(t, 2, body.Connections["total_connections"])
	assert.Equal(t, map[string]string{"store": "closed", "auth": "half_open"}, body.Breakers)
	assert.Equal(t, 42.5, body.System.MemUsedPercent)
	assert.Positive(t, body.System.Goroutines)
}

func TestServer_HealthStoreFailure(t *testing.T) {
	s := newTestServer(Deps{Store: &mockStore{err: errors.New("disk full")}})

	var body HealthResponse
	w := getJSON(t, s, "/health", &body)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", body.Status)
	assert.Contains(t, body.Store, "disk full")
}

func TestServer_HealthOpenBreakerDegrades(t *testing.T) {
	s := newTestServer(Deps{
		Breakers: &mockBreakers{states: []resilience.BreakerState{
			{Name: resilience.CollaboratorPresence, State: resilience.StateOpen, NextAttemptAt: time.Now()},
		}},
	})

	var body HealthResponse
	w := getJSON(t, s, "/health", &body)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "not_checked", body.Store)
}

func TestServer_OnlineUsers(t *testing.T) {
	s := newTestServer(Deps{Sessions: &mockSessions{identities: []string{"alice", "bob"}}})

	var body OnlineResponse
	w := getJSON(t, s, "/api/online", &body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, OnlineResponse{Users: []string{"alice", "bob"}, Count: 2}, body)

	empty := newTestServer(Deps{})
	getJSON(t, empty, "/api/online", &body)
	assert.Equal(t, OnlineResponse{Users: []string{}, Count: 0}, body)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := newTestServer(Deps{})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/online", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, http.StatusMethodNotAllowed, body.Code)
}

func TestServer_CORS(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    string
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "https://x.example", want: "*"},
		{name: "listed origin", allowed: []string{"https://app.example"}, origin: "https://app.example", want: "https://app.example"},
		{name: "unlisted origin", allowed: []string{"https://app.example"}, origin: "https://evil.example", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(Deps{}, tt.allowed...)

			req := httptest.NewRequest(http.MethodOptions, "/health", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			s.ServeHTTP(w, req)

			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.EventReceived("send_message")

	s := newTestServer(Deps{Gatherer: reg})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `chatrelay_events_received_total{event="send_message"} 1`)
}

func TestServer_MountsWebSocket(t *testing.T) {
	called := false
	s := newTestServer(Deps{WebSocket: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusTeapot)
	})})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusTeapot, w.Code)
}
