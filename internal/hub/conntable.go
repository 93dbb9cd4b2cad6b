// ABOUTME: Connection registry mapping transport handles to protocol metadata.
// ABOUTME: All protocol state lives here; transport objects carry none of it.

package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roostlabs/roost-hub/internal/transport"
)

// Connection is a point-in-time snapshot of one accepted connection's
// metadata. Sock is borrowed from the transport; everything else is owned
// by the table.
type Connection struct {
	ID           string
	NodeID       string
	Name         string
	Tools        []string
	ConnectedAt  time.Time
	LastActivity time.Time
	LocalIPs     []string
	PublicIP     string
	RemoteAddr   string
	Sock         transport.Conn
}

type connState struct {
	id           string
	nodeID       string
	name         string
	tools        []string
	connectedAt  time.Time
	lastActivity time.Time
	localIPs     []string
	publicIP     string
	sock         transport.Conn
}

func (s *connState) snapshot() Connection {
	tools := make([]string, len(s.tools))
	copy(tools, s.tools)
	ips := make([]string, len(s.localIPs))
	copy(ips, s.localIPs)
	return Connection{
		ID:           s.id,
		NodeID:       s.nodeID,
		Name:         s.name,
		Tools:        tools,
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivity,
		LocalIPs:     ips,
		PublicIP:     s.publicIP,
		RemoteAddr:   s.sock.RemoteAddr(),
		Sock:         s.sock,
	}
}

// ConnectionTable tracks every accepted connection, keyed both by the
// assigned connection id and by the transport handle. All mutation happens
// in small synchronous steps under one mutex.
type ConnectionTable struct {
	mu      sync.RWMutex
	conns   map[string]*connState
	handles map[transport.Conn]string
}

// NewConnectionTable creates an empty table.
func NewConnectionTable() *ConnectionTable {
	return &ConnectionTable{
		conns:   make(map[string]*connState),
		handles: make(map[transport.Conn]string),
	}
}

// Add registers a newly accepted connection and assigns its id.
func (t *ConnectionTable) Add(sock transport.Conn) Connection {
	now := time.Now()
	st := &connState{
		id:           uuid.New().String(),
		tools:        []string{},
		connectedAt:  now,
		lastActivity: now,
		sock:         sock,
	}

	t.mu.Lock()
	t.conns[st.id] = st
	t.handles[sock] = st.id
	t.mu.Unlock()

	return st.snapshot()
}

// IDFor resolves a transport handle to its connection id.
func (t *ConnectionTable) IDFor(sock transport.Conn) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.handles[sock]
	return id, ok
}

// Get returns a snapshot of the connection with the given id.
func (t *ConnectionTable) Get(id string) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.conns[id]
	if !ok {
		return Connection{}, false
	}
	return st.snapshot(), true
}

// Remove deletes the connection and returns its final snapshot.
func (t *ConnectionTable) Remove(id string) (Connection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.conns[id]
	if !ok {
		return Connection{}, false
	}
	delete(t.conns, id)
	delete(t.handles, st.sock)
	return st.snapshot(), true
}

// Touch advances the connection's last-activity timestamp. The timestamp
// never moves backwards.
func (t *ConnectionTable) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.conns[id]; ok {
		if now := time.Now(); now.After(st.lastActivity) {
			st.lastActivity = now
		}
	}
}

// ReplaceTools swaps the declared tool list wholesale. Registration
// replaces, never merges.
func (t *ConnectionTable) ReplaceTools(id string, tools []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.conns[id]
	if !ok {
		return false
	}
	st.tools = make([]string, len(tools))
	copy(st.tools, tools)
	return true
}

// RemoveTools drops the named tools from the declared set. Absent names are
// not an error. Returns the names actually removed.
func (t *ConnectionTable) RemoveTools(id string, names []string) ([]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.conns[id]
	if !ok {
		return nil, false
	}
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	kept := st.tools[:0]
	var removed []string
	for _, tool := range st.tools {
		if drop[tool] {
			removed = append(removed, tool)
		} else {
			kept = append(kept, tool)
		}
	}
	st.tools = kept
	return removed, true
}

// SetIdentity records the node id and display name after a successful
// node-registration handshake.
func (t *ConnectionTable) SetIdentity(id, nodeID, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.conns[id]
	if !ok {
		return false
	}
	st.nodeID = nodeID
	st.name = name
	return true
}

// SetAddrs stores the node-reported network addresses.
func (t *ConnectionTable) SetAddrs(id string, localIPs []string, publicIP string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.conns[id]
	if !ok {
		return false
	}
	st.localIPs = make([]string, len(localIPs))
	copy(st.localIPs, localIPs)
	st.publicIP = publicIP
	return true
}

// List returns snapshots of every tracked connection.
func (t *ConnectionTable) List() []Connection {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Connection, 0, len(t.conns))
	for _, st := range t.conns {
		out = append(out, st.snapshot())
	}
	return out
}

// Len returns the number of tracked connections.
func (t *ConnectionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}
