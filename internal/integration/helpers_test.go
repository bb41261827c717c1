package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/app"
	"chatrelay/internal/config"
	"chatrelay/internal/testutil"
	"chatrelay/internal/upstream"
	"chatrelay/pkg/types"
)

const waitFor = 3 * time.Second

type relay struct {
	app    *app.Application
	tokens *upstream.JWTVerifier
	base   string
}

// startRelay runs a relay on an ephemeral port backed by a temporary SQLite
// database. mutate may adjust the parsed configuration before start.
func startRelay(t *testing.T, mutate func(cfg *config.Config)) *relay {
	t.Helper()

	t.Setenv("RELAY_AUTH_JWT_SECRET", "integration-secret")
	t.Setenv("RELAY_HTTP_HOST", "127.0.0.1")
	t.Setenv("RELAY_HTTP_PORT", "0")
	t.Setenv("RELAY_STORE_SQLITE_PATH", filepath.Join(t.TempDir(), "relay.db"))

	cfg, err := config.Parse()
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	application, err := app.NewApplication(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, application.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, application.Stop(ctx))
	})

	return &relay{
		app:    application,
		tokens: upstream.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Hour),
		base:   "http://" + application.Addr(),
	}
}

// connect dials as identity and waits for the connected greeting
func (r *relay) connect(t *testing.T, identity string) *testutil.Client {
	t.Helper()

	token, err := r.tokens.Generate(identity)
	require.NoError(t, err)

	client, err := testutil.Dial(context.Background(), r.base, identity, token)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.ReceiveEvent(types.EventConnected, waitFor)
	require.NoError(t, err)
	return client
}

func joinGroup(t *testing.T, client *testutil.Client, groupID string) {
	t.Helper()

	require.NoError(t, client.Send(types.EventJoinGroup, types.GroupPayload{GroupID: groupID}))
	_, err := client.ReceiveEvent(types.EventGroupJoined, waitFor)
	require.NoError(t, err)
}

func sendDirect(t *testing.T, from *testutil.Client, to, content string) {
	t.Helper()

	require.NoError(t, from.Send(types.EventSendMessage, types.SendMessagePayload{
		SenderID:    from.Identity,
		ReceiverID:  to,
		Content:     content,
		MessageType: types.MessageTypeText,
	}))
}

func receiveMessage(t *testing.T, client *testutil.Client) types.Message {
	t.Helper()

	ev, err := client.ReceiveEvent(types.EventReceiveMessage, waitFor)
	require.NoError(t, err)
	var msg types.Message
	require.NoError(t, ev.Decode(&msg))
	return msg
}

// expectNo fails if client sees an event named name within window
func expectNo(t *testing.T, client *testutil.Client, name string, window time.Duration) {
	t.Helper()

	ev, err := client.ReceiveEvent(name, window)
	if err == nil {
		t.Fatalf("unexpected %s event: %s", name, ev.Data)
	}
}
