package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/pkg/types"
)

// Options tune a connection's buffers and heartbeat
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultOptions returns the connection defaults
func DefaultOptions() Options {
	return Options{
		SendBuffer:     100,
		WriteTimeout:   5 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait / 2
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	return o
}

// Connection implements interfaces.Connection over a gorilla websocket.
// Every frame, pings included, is written by a single writer goroutine.
type Connection struct {
	conn     *websocket.Conn
	writeCh  chan []byte
	id       string
	identity string
	token    string
	opts     Options

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// NewConnection wraps an upgraded websocket authenticated as identity
func NewConnection(conn *websocket.Conn, identity, token string, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     conn,
		writeCh:  make(chan []byte, opts.SendBuffer),
		id:       uuid.NewString(),
		identity: identity,
		token:    token,
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string        { return c.id }
func (c *Connection) Identity() string  { return c.identity }
func (c *Connection) AuthToken() string { return c.token }

// Done is closed when the connection closes
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context is cancelled when the connection closes
func (c *Connection) Context() context.Context {
	return c.ctx
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteEvent encodes a named event and queues it for the writer.
// It waits at most WriteTimeout for room in the send buffer.
func (c *Connection) WriteEvent(event string, data any) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	payload, err := json.Marshal(types.OutboundEvent{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	select {
	case c.writeCh <- payload:
		return nil
	default:
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.writeCh <- payload:
		return nil
	case <-timer.C:
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close stops the writer and closes the socket. Safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

// readLoop feeds inbound frames to handle until the socket fails or closes
func (c *Connection) readLoop(handle func(data []byte)) error {
	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		// any client frame proves liveness
		if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
			return err
		}
		handle(data)
	}
}
