// Package client provides a WebSocket load test client for the chat gateway.
// It dials with gobwas/ws (the same library the server uses), records the
// session the gateway opens for it and tracks per-connection metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Frame types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server frame types.
const (
	TypeSend   = "send"
	TypeDelete = "delete"
	TypeTyping = "typing"
	TypeReload = "reload"
	TypePing   = "ping"
)

// Server -> Client frame types.
const (
	TypeSessionCreated = "session_created"
	TypeSnapshot       = "snapshot"
	TypeMessage        = "message"
	TypeMessageRemoved = "message_removed"
	TypeSendResult     = "send_result"
	TypeDeleteResult   = "delete_result"
	TypeStatus         = "status"
	TypeError          = "error"
	TypePong           = "pong"
)

// MessageFrame is the part of a "message" frame the load test reads.
type MessageFrame struct {
	Message struct {
		ID        string    `json:"id"`
		Content   string    `json:"content"`
		SenderID  string    `json:"sender_id"`
		CreatedAt time.Time `json:"created_at"`
		Own       bool      `json:"own"`
	} `json:"message"`
}

// SendResultFrame is the gateway's answer to a send.
type SendResultFrame struct {
	OK   bool   `json:"ok"`
	Code string `json:"code"`
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	SessionLatency   time.Duration // dial to session_created
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is one simulated chat user.
type Client struct {
	conn      net.Conn
	userID    string
	mu        sync.Mutex
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	sessionID string
	session   chan struct{}
	closing   chan struct{}
	done      chan struct{} // closed when the read loop exits
	closeOnce sync.Once
	start     time.Time
}

// Dial connects as userID. With token empty the gateway must run its
// development authenticator, which trusts the user_id and email parameters.
// handlers are keyed by frame type and run on the read loop.
func Dial(ctx context.Context, rawURL, userID, token string, handlers map[string]func(json.RawMessage)) (*Client, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	} else {
		q.Set("user_id", userID)
		q.Set("email", userID+"@loadtest.local")
	}
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	if handlers == nil {
		handlers = make(map[string]func(json.RawMessage))
	}
	c := &Client{
		conn:     conn,
		userID:   userID,
		handlers: handlers,
		session:  make(chan struct{}),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
		start:    start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// UserID returns the user the client connected as.
func (c *Client) UserID() string { return c.userID }

// Send writes one JSON frame. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendChat submits content to the room.
func (c *Client) SendChat(content string) error {
	return c.Send(map[string]string{"type": TypeSend, "content": content})
}

// Typing reports one keystroke.
func (c *Client) Typing() error {
	return c.Send(map[string]string{"type": TypeTyping})
}

// WaitForSession blocks until the gateway has opened the chat session.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.session:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the session id assigned by the gateway.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.closing:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
			}
			return
		}

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == TypeSessionCreated && c.sessionID == "" {
			c.sessionID = envelope.SessionID
			c.metrics.SessionLatency = time.Since(c.start)
			close(c.session)
		}
		c.mu.Unlock()

		if handler, ok := c.handlers[envelope.Type]; ok {
			handler(json.RawMessage(data))
		}
	}
}
