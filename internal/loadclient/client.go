// Package loadclient drives a relay server with simulated users for load
// testing. A Client speaks the relay protocol over gobwas/ws (the same
// library the server uses), logs in as soon as its session is created and
// counts what it sends and receives. A Collector aggregates many clients and
// a Scraper samples the server's Prometheus endpoint while a test runs.
package loadclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/relay/internal/protocol"
)

// Metrics is a point-in-time copy of a client's counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesSent     int64
	MessagesReceived int64
	Errors           int64
}

// Client is one simulated user.
type Client struct {
	conn    net.Conn
	rw      io.ReadWriter
	writeMu sync.Mutex
	name    string

	connectLatency time.Duration
	sent           atomic.Int64
	received       atomic.Int64
	errors         atomic.Int64

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)

	sessionID atomic.Value // string
	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New dials url and starts reading. When the server sends session_created
// the client logs in as name; an empty name stays unidentified.
func New(ctx context.Context, url, name string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("loadclient: dial: %w", err)
	}

	c := &Client{
		conn:           conn,
		name:           name,
		connectLatency: time.Since(start),
		handlers:       make(map[string]func(json.RawMessage)),
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}

	// The handshake reader may already hold the first frame. Control frame
	// replies from the reader share the write lock with Send.
	var r io.Reader = conn
	if br != nil {
		r = br
	}
	c.rw = struct {
		io.Reader
		io.Writer
	}{r, lockedWriter{mu: &c.writeMu, w: conn}}

	go c.readLoop()
	return c, nil
}

// On registers handler for a server message type, replacing any earlier one.
// Register before the traffic is expected; frames that arrive first are
// only counted.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.handlers[msgType] = handler
	c.handlersMu.Unlock()
}

// Send writes msg as a JSON text frame. Safe for concurrent use.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("loadclient: marshal: %w", err)
	}
	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()
	if err != nil {
		c.errors.Add(1)
		return err
	}
	c.sent.Add(1)
	return nil
}

// SendText sends a send_message. An empty recipient broadcasts.
func (c *Client) SendText(body, recipientID string) error {
	return c.Send(protocol.SendMessageMsg{
		Type:        protocol.TypeSendMessage,
		Message:     body,
		RecipientID: recipientID,
	})
}

// WaitForSession blocks until session_created arrived.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-c.ready:
		return nil
	case <-c.done:
		return fmt.Errorf("loadclient: connection closed before session was created")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SessionID returns the server-assigned connection ID, or "" before the
// handshake.
func (c *Client) SessionID() string {
	id, _ := c.sessionID.Load().(string)
	return id
}

// Name returns the display name the client logs in with.
func (c *Client) Name() string {
	return c.name
}

// Done is closed when the connection ends, by Close or by the server.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Metrics returns a copy of the counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesSent:     c.sent.Load(),
		MessagesReceived: c.received.Load(),
		Errors:           c.errors.Load(),
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(c.rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.errors.Add(1)
			}
			return
		}
		c.received.Add(1)

		var env struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.errors.Add(1)
			continue
		}

		if env.Type == protocol.TypeSessionCreated && c.SessionID() == "" && env.SessionID != "" {
			c.sessionID.Store(env.SessionID)
			if c.name != "" {
				_ = c.Send(protocol.LoginMsg{Type: protocol.TypeLogin, Username: c.name})
			}
			close(c.ready)
		}

		c.handlersMu.RLock()
		handler := c.handlers[env.Type]
		c.handlersMu.RUnlock()
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
