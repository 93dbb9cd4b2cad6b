// Package hub is the coordination layer between the roost-hub server and
// its fleet of connected nodes.
//
// # Overview
//
// Nodes (remote worker/companion processes) connect over persistent,
// bidirectional sockets. The hub package tracks which capabilities each
// connection currently offers, correlates outbound remote calls with their
// eventual (or never-arriving) replies, keeps liveness fresh through
// heartbeats, and lets the rest of the process push work at a specific node
// without blocking on that node's availability.
//
// # Components
//
//   - ConnectionTable: protocol metadata per accepted connection, keyed by
//     connection id and by transport handle. Transport objects carry no
//     protocol state.
//   - PendingTable: in-flight remote calls keyed by request id. Removal
//     from the table is the single linearization point for resolution.
//   - Dispatcher: connection lifecycle, type-discriminated message routing
//     through a merged handler table, CallRemote correlation, Broadcast.
//   - NodeExtension: domain handlers (node_register, heartbeat,
//     llm_request, task_result) overriding the generic table, plus the
//     node id → connection index.
//   - EventBridge: one-time bus subscription that pushes task assignments
//     to a node's connection, best-effort.
//
// # Request/Response Correlation
//
// CallRemote generates a fresh request id, inserts the pending entry
// before sending execute_tool (so a reply can never beat the table entry),
// arms a per-request timer, and blocks until exactly one of the matching
// tool_result, the timeout, or the owning connection's close resolves it.
// Whichever path removes the entry delivers the outcome; every later path
// finds the entry absent and does nothing.
//
// # Concurrency
//
// Message handling per connection is sequential; handlers across different
// connections run concurrently. The connection table, pending table, and
// node index are the only shared mutable state, and every mutation is a
// small synchronous step around any awaited collaborator call.
//
// # Observability
//
// The dispatcher emits a closed set of event variants (ConnectedEvent,
// ToolsRegisteredEvent, AsyncResultEvent, ...) to listeners registered
// with Notify. Listeners run synchronously and must not block.
package hub
