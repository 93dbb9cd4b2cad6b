// ABOUTME: Protocol dispatcher owning connection lifecycle and RPC correlation.
// ABOUTME: Routes typed messages through a merged handler table and manages remote calls.

package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roostlabs/roost-hub/internal/protocol"
	"github.com/roostlabs/roost-hub/internal/transport"
)

// DefaultCallTimeout bounds CallRemote when the caller passes no timeout.
const DefaultCallTimeout = 30 * time.Second

// Dispatcher errors.
var (
	// ErrConnectionNotFound means the target connection id is unknown.
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionNotOpen means the target connection exists but its
	// socket can no longer accept sends.
	ErrConnectionNotOpen = errors.New("connection not open")

	// ErrCallTimeout means no correlated reply arrived within the deadline.
	ErrCallTimeout = errors.New("remote call timed out")

	// ErrDisconnected means the owning connection closed while the call
	// was outstanding.
	ErrDisconnected = errors.New("connection closed while call pending")
)

// HandlerFunc processes one inbound message. conn is a snapshot taken after
// the activity refresh; replies go back through the dispatcher.
type HandlerFunc func(ctx context.Context, conn Connection, env *protocol.Envelope)

// ConnectionHook observes connection lifecycle transitions. Hooks run on
// the transport's delivery goroutine for that connection.
type ConnectionHook interface {
	Established(conn Connection)
	Closed(conn Connection)
	ConnError(conn Connection, err error)
}

// Dispatcher is the protocol dispatch layer. It owns the connection table
// and the pending-request table, routes inbound messages by their type
// discriminator, and correlates outbound remote calls with replies.
//
// Message handling per connection is sequential (the transport delivers one
// message at a time per connection); handlers across different connections
// run concurrently. The two tables are the only shared mutable state.
type Dispatcher struct {
	serverID string
	logger   *slog.Logger

	conns   *ConnectionTable
	pending *PendingTable

	// handlers maps message type to handler. Built by merging later
	// registrations over the generic table, so a domain handler fully
	// replaces the generic one for its type. Frozen after wiring.
	handlers map[string]HandlerFunc

	hookMu sync.RWMutex
	hooks  []ConnectionHook

	listenerMu sync.RWMutex
	listeners  []Listener
}

// NewDispatcher creates a dispatcher with the generic handler table
// installed. serverID identifies this hub instance in acknowledgments.
func NewDispatcher(serverID string, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		serverID: serverID,
		logger:   logger.With("component", "dispatcher"),
		conns:    NewConnectionTable(),
		pending:  NewPendingTable(),
		handlers: make(map[string]HandlerFunc),
	}
	d.Handle(protocol.TypeRegisterTools, d.handleRegisterTools)
	d.Handle(protocol.TypeUnregisterTools, d.handleUnregisterTools)
	d.Handle(protocol.TypeToolResult, d.handleToolResult)
	d.Handle(protocol.TypeReportIP, d.handleReportIP)
	d.Handle(protocol.TypeHeartbeat, d.handleHeartbeat)
	return d
}

// Handle installs a handler for a message type. A later registration
// replaces an earlier one, which is how domain handlers override the
// generic table. Call before the dispatcher starts receiving messages.
func (d *Dispatcher) Handle(msgType string, h HandlerFunc) {
	d.handlers[msgType] = h
}

// OnConnection registers a lifecycle hook.
func (d *Dispatcher) OnConnection(h ConnectionHook) {
	d.hookMu.Lock()
	d.hooks = append(d.hooks, h)
	d.hookMu.Unlock()
}

// Notify registers an event listener.
func (d *Dispatcher) Notify(l Listener) {
	d.listenerMu.Lock()
	d.listeners = append(d.listeners, l)
	d.listenerMu.Unlock()
}

func (d *Dispatcher) emit(ev Event) {
	d.listenerMu.RLock()
	listeners := d.listeners
	d.listenerMu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

func (d *Dispatcher) eachHook(fn func(ConnectionHook)) {
	d.hookMu.RLock()
	hooks := d.hooks
	d.hookMu.RUnlock()
	for _, h := range hooks {
		fn(h)
	}
}

// HandleOpen accepts a new connection: assigns an id, acknowledges it on
// the wire, and notifies hooks and listeners. Returns the assigned id.
func (d *Dispatcher) HandleOpen(sock transport.Conn) string {
	conn := d.conns.Add(sock)

	d.logger.Info("connection accepted",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
		"total_connections", d.conns.Len(),
	)

	d.send(sock, protocol.ConnectionAck{
		Type:         protocol.TypeConnectionAck,
		ConnectionID: conn.ID,
		ServerID:     d.serverID,
	})

	d.eachHook(func(h ConnectionHook) { h.Established(conn) })
	d.emit(ConnectedEvent{ConnectionID: conn.ID, RemoteAddr: conn.RemoteAddr, Time: conn.ConnectedAt})
	return conn.ID
}

// HandleMessage routes one inbound message. Messages from sockets with no
// associated connection are a protocol violation: dropped and logged, never
// an error back to the transport.
func (d *Dispatcher) HandleMessage(ctx context.Context, sock transport.Conn, data []byte) {
	id, ok := d.conns.IDFor(sock)
	if !ok {
		d.logger.Warn("message from socket with no connection id, dropping",
			"remote_addr", sock.RemoteAddr())
		return
	}
	d.conns.Touch(id)

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		d.logger.Warn("malformed message, dropping", "connection_id", id, "error", err)
		return
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		d.logger.Warn("unroutable message type, dropping",
			"connection_id", id, "type", env.Type)
		return
	}

	conn, ok := d.conns.Get(id)
	if !ok {
		// Closed between lookup and dispatch.
		return
	}
	handler(ctx, conn, env)
}

// HandleClose runs the cleanup cascade for a closed connection: withdraws
// declared tools, fails every pending call the connection owns, removes the
// registry entry, then notifies hooks and listeners.
func (d *Dispatcher) HandleClose(sock transport.Conn) {
	id, ok := d.conns.IDFor(sock)
	if !ok {
		return
	}
	conn, ok := d.conns.Get(id)
	if !ok {
		return
	}

	if len(conn.Tools) > 0 {
		d.emit(ToolsUnregisteredEvent{ConnectionID: conn.ID, Tools: conn.Tools})
	}

	for _, p := range d.pending.RemoveOwned(conn.ID) {
		p.resolve(nil, fmt.Errorf("%w: %s", ErrDisconnected, conn.ID))
	}

	d.conns.Remove(conn.ID)

	d.logger.Info("connection closed",
		"connection_id", conn.ID,
		"node_id", conn.NodeID,
		"total_connections", d.conns.Len(),
	)

	d.eachHook(func(h ConnectionHook) { h.Closed(conn) })
	d.emit(DisconnectedEvent{ConnectionID: conn.ID, NodeID: conn.NodeID, Time: time.Now()})
}

// HandleError logs a transport error. It never closes the connection;
// closing is driven solely by the transport's own close signal.
func (d *Dispatcher) HandleError(sock transport.Conn, err error) {
	id, _ := d.conns.IDFor(sock)
	d.logger.Error("transport error", "connection_id", id, "error", err)
	if conn, ok := d.conns.Get(id); ok {
		d.eachHook(func(h ConnectionHook) { h.ConnError(conn, err) })
	}
}

// CallRemote sends execute_tool on the given connection and blocks until
// the correlated tool_result arrives, the timeout fires, the connection
// closes, or ctx is cancelled. timeout <= 0 selects DefaultCallTimeout.
func (d *Dispatcher) CallRemote(ctx context.Context, connID, toolName string, args map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	conn, ok := d.conns.Get(connID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	if !conn.Sock.Open() {
		return nil, fmt.Errorf("%w: %s", ErrConnectionNotOpen, connID)
	}

	reqID := newRequestID()

	// Insert before sending so a reply can never race the table entry.
	p := d.pending.Insert(reqID, connID)

	err := d.sendErr(conn.Sock, protocol.ExecuteTool{
		Type:      protocol.TypeExecuteTool,
		RequestID: reqID,
		ToolName:  toolName,
		ToolArgs:  args,
	})
	if err != nil {
		d.pending.Remove(reqID)
		return nil, fmt.Errorf("sending execute_tool: %w", err)
	}

	// The timer callback re-checks existence: being beaten to the removal
	// by a result or a disconnect is the expected race, not an error.
	d.pending.Arm(reqID, timeout, func() {
		if q := d.pending.Remove(reqID); q != nil {
			q.resolve(nil, fmt.Errorf("%w after %s (request %s)", ErrCallTimeout, timeout, reqID))
		}
	})

	select {
	case out := <-p.done:
		return out.result, out.err
	case <-ctx.Done():
		if q := d.pending.Remove(reqID); q != nil {
			return nil, ctx.Err()
		}
		// Already resolved concurrently; the outcome is in flight.
		out := <-p.done
		return out.result, out.err
	}
}

// Broadcast serializes the payload once and sends it to every connection
// with an open socket. A failed send is logged and does not prevent the
// rest. Returns the number of successful sends.
func (d *Dispatcher) Broadcast(payload any) int {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("broadcast payload not serializable", "error", err)
		return 0
	}

	sent := 0
	for _, conn := range d.conns.List() {
		if !conn.Sock.Open() {
			continue
		}
		if err := conn.Sock.Send(data); err != nil {
			d.logger.Warn("broadcast send failed",
				"connection_id", conn.ID, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Connections returns snapshots of every tracked connection.
func (d *Dispatcher) Connections() []Connection {
	return d.conns.List()
}

// ConnectionCount returns the number of tracked connections.
func (d *Dispatcher) ConnectionCount() int {
	return d.conns.Len()
}

// PendingCount returns the number of in-flight remote calls.
func (d *Dispatcher) PendingCount() int {
	return d.pending.Len()
}

// Close closes every open socket, awaiting each close confirmation, fails
// any still-pending calls, and clears both tables. The caller must have
// stopped accepting new connections first.
func (d *Dispatcher) Close(ctx context.Context) error {
	var errs []error
	for _, conn := range d.conns.List() {
		if err := conn.Sock.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", conn.ID, err))
		}
		d.conns.Remove(conn.ID)
	}

	for _, p := range d.pending.RemoveAll() {
		p.resolve(nil, fmt.Errorf("%w: hub shutting down", ErrDisconnected))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// send marshals and writes a payload, logging any failure. Used on reply
// paths where a dead socket is not the handler's problem.
func (d *Dispatcher) send(sock transport.Conn, payload any) {
	if err := d.sendErr(sock, payload); err != nil {
		d.logger.Warn("send failed", "remote_addr", sock.RemoteAddr(), "error", err)
	}
}

// sendErr marshals and writes a payload, returning the send error.
func (d *Dispatcher) sendErr(sock transport.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling %T: %w", payload, err)
	}
	return sock.Send(data)
}

// newRequestID builds a correlation id unique with overwhelming probability
// within any timeout window: wall-clock millis plus 8 random bytes.
func newRequestID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b))
}
