package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport sizing and pacing.
const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxInboundBytes  = 32 << 20 // a single compressed frame never approaches this
	inboundDepth     = 64
)

// InboundKind discriminates traffic arriving on the socket.
type InboundKind int

const (
	// InboundText is a UTF-8 control message (JSON).
	InboundText InboundKind = iota
	// InboundBinary is one complete compressed frame.
	InboundBinary
	// InboundClosed is the terminal entry carrying the close code.
	InboundClosed
)

// Inbound is one item of socket traffic. After an InboundClosed entry the
// channel returned by Receive is closed.
type Inbound struct {
	Kind InboundKind
	Data []byte
	Code int   // close code, set for InboundClosed
	Err  error // non-nil when the closure was not a normal one
}

// Transport is the bidirectional socket a session speaks over. Production
// sessions use the websocket implementation below; state machine tests
// substitute a fake.
type Transport interface {
	// Send transmits one binary message. Safe for use from a single
	// sender; writes are serialized internally regardless.
	Send(data []byte) error
	// Receive returns the inbound traffic channel. It closes after the
	// terminal InboundClosed entry.
	Receive() <-chan Inbound
	// Close performs a normal closure. Safe to call more than once.
	Close() error
}

// DialFunc opens a Transport to the given URL. Injected so tests can hand
// the session a fake socket.
type DialFunc func(ctx context.Context, rawURL string) (Transport, error)

// serviceURL builds the realtime endpoint with the application identifier
// and bearer token as query parameters.
func serviceURL(base, app, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse service url: %w", err)
	}
	q := u.Query()
	q.Set("app", app)
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// wsConn adapts a gorilla websocket connection to the Transport interface.
// A single reader goroutine bridges inbound frames onto the Receive channel;
// writeMu serializes outbound writes with the close handshake.
type wsConn struct {
	conn    *websocket.Conn
	log     *slog.Logger
	inbound chan Inbound

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// DialWebSocket opens the production websocket transport.
func DialWebSocket(ctx context.Context, rawURL string) (Transport, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("dial realtime socket: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial realtime socket: %w", err)
	}
	conn.SetReadLimit(maxInboundBytes)

	c := &wsConn{
		conn:    conn,
		log:     slog.With("component", "transport"),
		inbound: make(chan Inbound, inboundDepth),
	}
	go c.readLoop()
	return c, nil
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write binary message: %w", err)
	}
	return nil
}

func (c *wsConn) Receive() <-chan Inbound {
	return c.inbound
}

func (c *wsConn) readLoop() {
	defer close(c.inbound)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			closed := Inbound{Kind: InboundClosed, Code: code}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				closed.Err = err
			}
			c.inbound <- closed
			return
		}
		switch msgType {
		case websocket.TextMessage:
			c.inbound <- Inbound{Kind: InboundText, Data: data}
		case websocket.BinaryMessage:
			c.inbound <- Inbound{Kind: InboundBinary, Data: data}
		default:
			c.log.Debug("ignoring websocket frame", "type", msgType)
		}
	}
}

// Close sends a normal close frame, then tears down the underlying
// connection. The read loop observes the teardown and closes the Receive
// channel behind it.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
