// ABOUTME: Bus topic names and event payload types published by the hub.
// ABOUTME: Task dispatch and node lifecycle topics consumed across components.

package bus

// Topics published on the bus.
const (
	// TopicTaskAssigned carries TaskAssignedEvent payloads pushed to the
	// event bridge for delivery to a specific node.
	TopicTaskAssigned = "task.assigned"

	// TopicNodeConnected and TopicNodeDisconnected mirror connection
	// lifecycle for external observers.
	TopicNodeConnected    = "node.connected"
	TopicNodeDisconnected = "node.disconnected"

	// TopicToolsChanged fires when a connection's declared tools change.
	TopicToolsChanged = "node.tools_changed"
)

// TaskAssignedEvent asks the hub to push a task to a node. Delivery is
// best-effort with no retry or queueing; an offline node drops the task.
type TaskAssignedEvent struct {
	TaskID     string
	NodeID     string
	ToolName   string
	Capability string
	ToolArgs   map[string]any
	TimeoutMS  int64
	Metadata   map[string]any
}

// NodeLifecycleEvent is published on connect/disconnect topics.
type NodeLifecycleEvent struct {
	ConnectionID string
	NodeID       string
}

// ToolsChangedEvent is published when tools are registered or withdrawn.
type ToolsChangedEvent struct {
	ConnectionID string
	Tools        []string
	Registered   bool
}
