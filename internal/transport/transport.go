// ABOUTME: Transport abstraction for node connections.
// ABOUTME: Defines the Conn interface the hub dispatcher sends on; carries no protocol state.

package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by Send when the connection is no longer open.
var ErrClosed = errors.New("connection closed")

// Conn is one persistent, bidirectional node socket. Implementations must be
// safe for concurrent Send calls. The dispatcher borrows the connection; it
// never drives the read side and never outlives the transport's own close.
type Conn interface {
	// Send writes one complete message frame. Fails if the connection is
	// not open.
	Send(data []byte) error

	// Open reports whether the connection can still accept sends.
	Open() bool

	// Close shuts the connection down and waits for close confirmation.
	// Idempotent.
	Close(ctx context.Context) error

	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}
