package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/pkg/types"
)

// ErrClientClosed is returned once the client's connection is gone
var ErrClientClosed = errors.New("client disconnected")

// Event is an outbound server event with its payload left undecoded
type Event struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload into out
func (e Event) Decode(out any) error {
	return json.Unmarshal(e.Data, out)
}

// Client is a WebSocket client for end-to-end tests
type Client struct {
	Identity string

	conn   *websocket.Conn
	events chan Event
	errors chan error
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Dial connects to the relay's /ws endpoint at baseURL with token in the
// Authorization header
func Dial(ctx context.Context, baseURL, identity, token string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws"

	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		Identity: identity,
		conn:     conn,
		events:   make(chan Event, 100),
		errors:   make(chan error, 1),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var ev Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			select {
			case c.errors <- fmt.Errorf("read error: %w", err):
			default:
			}
			return
		}

		select {
		case c.events <- ev:
		default:
			select {
			case c.errors <- errors.New("event channel full, dropping event"):
			default:
			}
		}
	}
}

// Send writes one inbound event
func (c *Client) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", event, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(types.InboundEvent{Event: event, Data: raw})
}

// Receive waits for the next event
func (c *Client) Receive(timeout time.Duration) (Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.errors:
		return Event{}, err
	case <-timer.C:
		return Event{}, errors.New("timeout waiting for event")
	case <-c.done:
		select {
		case ev := <-c.events:
			return ev, nil
		default:
			return Event{}, ErrClientClosed
		}
	}
}

// ReceiveEvent waits for the next event named name, discarding others
func (c *Client) ReceiveEvent(name string, timeout time.Duration) (Event, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Event{}, fmt.Errorf("timeout waiting for %s", name)
		}
		ev, err := c.Receive(remaining)
		if err != nil {
			return Event{}, fmt.Errorf("waiting for %s: %w", name, err)
		}
		if ev.Event == name {
			return ev, nil
		}
	}
}

// Done is closed once the server side has closed the connection
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and closes the connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
