// ABOUTME: Generic message handlers for capability registration, RPC results, and liveness.
// ABOUTME: These populate the dispatcher's base table; domain handlers may override them.

package hub

import (
	"context"
	"fmt"

	"github.com/roostlabs/roost-hub/internal/protocol"
)

// handleRegisterTools replaces the connection's declared tool list
// wholesale. A non-sequence tools field is dropped silently: no mutation,
// no reply.
func (d *Dispatcher) handleRegisterTools(_ context.Context, conn Connection, env *protocol.Envelope) {
	var msg protocol.RegisterTools
	if err := env.Decode(&msg); err != nil {
		d.logger.Warn("malformed register_tools, dropping", "connection_id", conn.ID, "error", err)
		return
	}

	tools, ok := protocol.NormalizeTools(msg.Tools)
	if !ok {
		d.logger.Debug("register_tools with non-sequence tools, dropping",
			"connection_id", conn.ID)
		return
	}

	d.conns.ReplaceTools(conn.ID, tools)
	d.logger.Info("tools registered",
		"connection_id", conn.ID, "count", len(tools))

	d.send(conn.Sock, protocol.RegisterAck{
		Type:  protocol.TypeRegisterAck,
		Tools: tools,
		Count: len(tools),
	})
	d.emit(ToolsRegisteredEvent{ConnectionID: conn.ID, Tools: tools, Raw: msg.Tools})
}

// handleUnregisterTools removes the named tools from the declared set.
// Absent names are not an error.
func (d *Dispatcher) handleUnregisterTools(_ context.Context, conn Connection, env *protocol.Envelope) {
	var msg protocol.UnregisterTools
	if err := env.Decode(&msg); err != nil {
		d.logger.Warn("malformed unregister_tools, dropping", "connection_id", conn.ID, "error", err)
		return
	}

	names, ok := protocol.NormalizeTools(msg.Tools)
	if !ok {
		d.logger.Debug("unregister_tools with non-sequence tools, dropping",
			"connection_id", conn.ID)
		return
	}

	removed, _ := d.conns.RemoveTools(conn.ID, names)
	d.logger.Info("tools unregistered",
		"connection_id", conn.ID, "removed", len(removed))
	d.emit(ToolsUnregisteredEvent{ConnectionID: conn.ID, Tools: removed})
}

// handleToolResult resolves the matching pending call, or surfaces the
// result as unsolicited when no entry exists. A result is accepted from any
// connection as long as the request id matches the pending table; there is
// deliberately no check that it originates from the connection that issued
// the call, so intermediaries can forward results.
func (d *Dispatcher) handleToolResult(_ context.Context, conn Connection, env *protocol.Envelope) {
	var msg protocol.ToolResult
	if err := env.Decode(&msg); err != nil {
		d.logger.Warn("malformed tool_result, dropping", "connection_id", conn.ID, "error", err)
		return
	}

	p := d.pending.Remove(msg.RequestID)
	if p == nil {
		d.logger.Debug("unsolicited tool_result",
			"connection_id", conn.ID, "request_id", msg.RequestID)
		d.emit(AsyncResultEvent{ConnectionID: conn.ID, RequestID: msg.RequestID, Result: msg})
		return
	}

	if msg.Status == "" || msg.Status == "success" {
		p.resolve(msg.Result, nil)
		return
	}

	errMsg := "tool execution failed"
	if msg.Error != nil && msg.Error.Message != "" {
		errMsg = msg.Error.Message
	}
	p.resolve(nil, fmt.Errorf("remote tool error: %s", errMsg))
}

// handleReportIP stores reported addresses on the connection metadata.
func (d *Dispatcher) handleReportIP(_ context.Context, conn Connection, env *protocol.Envelope) {
	var msg protocol.ReportIP
	if err := env.Decode(&msg); err != nil {
		d.logger.Warn("malformed report_ip, dropping", "connection_id", conn.ID, "error", err)
		return
	}

	d.conns.SetAddrs(conn.ID, msg.LocalIPs, msg.PublicIP)
	d.emit(IPReportEvent{ConnectionID: conn.ID, LocalIPs: msg.LocalIPs, PublicIP: msg.PublicIP})
}

// handleHeartbeat is the generic liveness handler: last-activity was
// already refreshed by HandleMessage, so there is nothing left to do. The
// node extension overrides this type with the acknowledging handler.
func (d *Dispatcher) handleHeartbeat(_ context.Context, conn Connection, _ *protocol.Envelope) {
	d.logger.Debug("heartbeat", "connection_id", conn.ID)
}
