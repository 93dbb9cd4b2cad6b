// ABOUTME: Closed set of observable hub events delivered to registered listeners.
// ABOUTME: Replaces ad hoc stringly-typed notices with explicit event variants.

package hub

import (
	"encoding/json"
	"time"

	"github.com/roostlabs/roost-hub/internal/protocol"
)

// Event is one observable occurrence inside the dispatch layer. The set of
// variants is closed; listeners switch on the concrete type.
type Event interface {
	eventConnID() string
}

// Listener receives events synchronously from the dispatching goroutine.
// Listeners must not block; hand off to a channel or goroutine for anything
// slow.
type Listener func(Event)

// ConnectedEvent fires when a connection is accepted.
type ConnectedEvent struct {
	ConnectionID string
	RemoteAddr   string
	Time         time.Time
}

// DisconnectedEvent fires after a connection's cleanup cascade completes.
type DisconnectedEvent struct {
	ConnectionID string
	NodeID       string
	Time         time.Time
}

// ToolsRegisteredEvent fires when a connection declares its tool list. Raw
// carries the original payload for observability.
type ToolsRegisteredEvent struct {
	ConnectionID string
	Tools        []string
	Raw          json.RawMessage
}

// ToolsUnregisteredEvent fires when tools are withdrawn, either explicitly
// or because the connection closed while tools were declared.
type ToolsUnregisteredEvent struct {
	ConnectionID string
	Tools        []string
}

// AsyncResultEvent fires when a tool_result arrives with no matching
// pending request. Unsolicited results are surfaced, not treated as errors.
type AsyncResultEvent struct {
	ConnectionID string
	RequestID    string
	Result       protocol.ToolResult
}

// IPReportEvent fires when a connection reports its network addresses.
type IPReportEvent struct {
	ConnectionID string
	LocalIPs     []string
	PublicIP     string
}

func (e ConnectedEvent) eventConnID() string         { return e.ConnectionID }
func (e DisconnectedEvent) eventConnID() string      { return e.ConnectionID }
func (e ToolsRegisteredEvent) eventConnID() string   { return e.ConnectionID }
func (e ToolsUnregisteredEvent) eventConnID() string { return e.ConnectionID }
func (e AsyncResultEvent) eventConnID() string       { return e.ConnectionID }
func (e IPReportEvent) eventConnID() string          { return e.ConnectionID }
