// Package transport wraps a websocket connection with envelope framing.
// Each text frame carries exactly one JSON envelope; writes are
// serialized so any goroutine may send.
package transport

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hubwire/hubwire/internal/protocol"
)

const (
	writeTimeout     = 30 * time.Second
	handshakeTimeout = 10 * time.Second
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// Upgrader returns a websocket upgrader sized for envelope traffic.
// Origin checking is disabled; peers are not browsers.
func Upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// Conn is an envelope-framed websocket connection.
type Conn struct {
	ws      *websocket.Conn
	maxSize int64

	mu     sync.Mutex // serializes writes
	closed bool
}

// NewConn wraps an established websocket connection. maxSize bounds a
// decoded envelope; zero applies protocol.DefaultMaxMessageSize.
func NewConn(ws *websocket.Conn, maxSize int64) *Conn {
	if maxSize <= 0 {
		maxSize = protocol.DefaultMaxMessageSize
	}
	ws.SetReadLimit(maxSize)
	return &Conn{ws: ws, maxSize: maxSize}
}

// Dial connects to a hub URL and wraps the resulting connection.
func Dial(url string, maxSize int64) (*Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws, maxSize), nil
}

// ReadEnvelope blocks until the next envelope arrives. Protocol faults
// (oversized frame, malformed JSON, missing type/id) are returned as-is
// so the caller can close with a terminal error envelope.
func (c *Conn) ReadEnvelope() (*protocol.Envelope, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseMessageTooBig) ||
			errors.Is(err, websocket.ErrReadLimit) {
			return nil, protocol.ErrTooLarge
		}
		return nil, err
	}
	if msgType != websocket.TextMessage {
		return nil, &protocol.ParseError{Err: errors.New("non-text frame")}
	}
	return protocol.Decode(data, c.maxSize)
}

// WriteEnvelope sends one envelope as a text frame. Writes from
// concurrent goroutines are serialized.
func (c *Conn) WriteEnvelope(e *protocol.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// CloseWithError sends a terminal error envelope, best effort, then
// closes the connection.
func (c *Conn) CloseWithError(code, message string) error {
	if e, err := protocol.New(protocol.TypeError, protocol.ErrorPayload{
		Code:    code,
		Message: message,
	}); err == nil {
		c.WriteEnvelope(e)
	}
	return c.Close()
}

// RemoteAddr reports the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// IsClosedError reports whether err indicates a gone peer rather than a
// protocol fault.
func IsClosedError(err error) bool {
	if err == nil {
		return false
	}
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseNoStatusReceived) {
		return true
	}
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection")
}
