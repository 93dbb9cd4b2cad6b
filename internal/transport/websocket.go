// ABOUTME: WebSocket implementation of the transport Conn interface.
// ABOUTME: Wraps coder/websocket with single-writer discipline and close tracking.

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// writeTimeout bounds a single frame write so one stuck peer cannot wedge
// broadcast loops.
const writeTimeout = 10 * time.Second

// WSConn adapts a coder/websocket connection to the Conn interface.
type WSConn struct {
	conn   *websocket.Conn
	remote string

	mu     sync.Mutex
	closed bool
}

// NewWSConn wraps an accepted websocket connection. remote is the peer
// address recorded for logging.
func NewWSConn(conn *websocket.Conn, remote string) *WSConn {
	return &WSConn{conn: conn, remote: remote}
}

// Send writes one text frame to the peer.
func (c *WSConn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Open reports whether Close has been observed.
func (c *WSConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// MarkClosed records that the read loop saw the connection die, so later
// sends fail fast instead of hitting a dead socket.
func (c *WSConn) MarkClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Close performs the websocket close handshake. Idempotent.
func (c *WSConn) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- c.conn.Close(websocket.StatusNormalClosure, "hub shutdown")
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = c.conn.CloseNow()
		return ctx.Err()
	}
}

// RemoteAddr returns the peer address recorded at accept time.
func (c *WSConn) RemoteAddr() string {
	return c.remote
}
