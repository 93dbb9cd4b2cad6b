// ABOUTME: Domain message handlers layered over the dispatcher's generic table.
// ABOUTME: Handles node registration, heartbeats, LLM proxying, task acks, and the node index.

package hub

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roostlabs/roost-hub/internal/protocol"
)

// Node types accepted at registration.
var validNodeTypes = map[string]bool{
	"worker":    true,
	"companion": true,
	"hybrid":    true,
}

// Canonical node statuses. Anything else normalizes to StatusOnline.
const (
	StatusOnline  = "online"
	StatusBusy    = "busy"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// NormalizeStatus maps an arbitrary reported status onto the closed set.
func NormalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case StatusBusy:
		return StatusBusy
	case StatusOffline:
		return StatusOffline
	case StatusUnknown:
		return StatusUnknown
	default:
		return StatusOnline
	}
}

// NodeInfo is the registry's view of a registered node.
type NodeInfo struct {
	ID           string
	Name         string
	Type         string
	Capabilities []string
	Status       string
	ConnectionID string
	LastSeen     time.Time
}

// Registration is the input to NodeRegistry.Register.
type Registration struct {
	Name         string
	Type         string
	Capabilities []string
	Version      string
	Metadata     map[string]any
	ConnectionID string
}

// HeartbeatUpdate carries a node's reported status and stats.
type HeartbeatUpdate struct {
	Status string
	Stats  map[string]any
}

// LLMChunk is one streamed fragment of a proxied inference response.
type LLMChunk struct {
	Delta string
	Index int
}

// StreamObserver receives streaming signals from the LLM backend. Chunk is
// called per fragment; Error reports a mid-stream failure. Either callback
// may race the backend call's own return; the handler sends only the first
// terminal signal.
type StreamObserver struct {
	Chunk func(LLMChunk)
	Error func(error)
}

// LLMProxyRequest is a proxied inference request handed to the registry.
type LLMProxyRequest struct {
	RequestID string
	NodeID    string
	Model     string
	Messages  []protocol.ChatMessage
	Options   protocol.LLMOptions
	Observer  *StreamObserver
}

// LLMResult is the terminal outcome of a proxied inference request.
type LLMResult struct {
	Content string
	Usage   *protocol.LLMUsage
}

// TaskOutcome is a node's report on an assigned task.
type TaskOutcome struct {
	TaskID  string
	Success bool
	Result  []byte
	Error   *protocol.ErrorInfo
}

// NodeRegistry is the business-logic collaborator that persists node
// identity and services proxied requests. Implementations live outside the
// dispatch layer.
type NodeRegistry interface {
	Register(ctx context.Context, reg Registration) (NodeInfo, error)
	Unregister(ctx context.Context, nodeID string) (bool, error)
	Heartbeat(ctx context.Context, nodeID string, hb HeartbeatUpdate, connID string) (*NodeInfo, error)
	HandleLLMRequest(ctx context.Context, req LLMProxyRequest) (LLMResult, error)
	HandleTaskResult(ctx context.Context, nodeID string, res TaskOutcome) error
	ConnectionClosed(ctx context.Context, connID string)
}

// NodeExtension layers domain handlers over a dispatcher and maintains the
// secondary index from node id to connection id. An index entry is valid
// only while its connection is open and node-registered.
type NodeExtension struct {
	d        *Dispatcher
	registry NodeRegistry
	logger   *slog.Logger

	mu    sync.Mutex
	nodes map[string]string // node id → connection id
}

// NewNodeExtension wires domain handlers into the dispatcher's table and
// registers lifecycle hooks. Must be called before the dispatcher starts
// receiving messages.
func NewNodeExtension(d *Dispatcher, registry NodeRegistry, logger *slog.Logger) *NodeExtension {
	if logger == nil {
		logger = slog.Default()
	}
	ext := &NodeExtension{
		d:        d,
		registry: registry,
		logger:   logger.With("component", "node-extension"),
		nodes:    make(map[string]string),
	}
	d.Handle(protocol.TypeNodeRegister, ext.handleNodeRegister)
	d.Handle(protocol.TypeNodeUnregister, ext.handleNodeUnregister)
	d.Handle(protocol.TypeHeartbeat, ext.handleHeartbeat)
	d.Handle(protocol.TypeLLMRequest, ext.handleLLMRequest)
	d.Handle(protocol.TypeTaskResult, ext.handleTaskResult)
	d.OnConnection(ext)
	return ext
}

// Established implements ConnectionHook.
func (x *NodeExtension) Established(conn Connection) {
	x.logger.Debug("connection established", "connection_id", conn.ID)
}

// Closed implements ConnectionHook: notifies the registry and prunes every
// index entry still pointing at the closed connection.
func (x *NodeExtension) Closed(conn Connection) {
	x.registry.ConnectionClosed(context.Background(), conn.ID)

	x.mu.Lock()
	for nodeID, connID := range x.nodes {
		if connID == conn.ID {
			delete(x.nodes, nodeID)
		}
	}
	x.mu.Unlock()
}

// ConnError implements ConnectionHook.
func (x *NodeExtension) ConnError(conn Connection, err error) {
	x.logger.Debug("connection error", "connection_id", conn.ID, "error", err)
}

// bind records the node id → connection mapping after registration.
func (x *NodeExtension) bind(nodeID, connID string) {
	x.mu.Lock()
	x.nodes[nodeID] = connID
	x.mu.Unlock()
}

// unbindIf removes the index entry only if it still points at connID,
// guarding the register → disconnect → re-register race.
func (x *NodeExtension) unbindIf(nodeID, connID string) {
	x.mu.Lock()
	if x.nodes[nodeID] == connID {
		delete(x.nodes, nodeID)
	}
	x.mu.Unlock()
}

// Resolve returns the connection id currently bound to a node id.
func (x *NodeExtension) Resolve(nodeID string) (string, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	connID, ok := x.nodes[nodeID]
	return connID, ok
}

// SendToNode pushes a payload to the node's connection. found reports
// whether a live connection was resolved, so callers can decide to retry or
// queue; delivery itself stays best-effort.
func (x *NodeExtension) SendToNode(nodeID string, payload any) (found bool, err error) {
	connID, ok := x.Resolve(nodeID)
	if !ok {
		return false, nil
	}
	conn, ok := x.d.conns.Get(connID)
	if !ok {
		// Stale entry: the connection vanished without the close hook
		// having pruned it yet.
		x.unbindIf(nodeID, connID)
		return false, nil
	}
	return true, x.d.sendErr(conn.Sock, payload)
}

// handleNodeRegister validates the handshake, delegates to the registry,
// and binds the node id to the connection. Validation accumulates every
// violation instead of failing on the first.
func (x *NodeExtension) handleNodeRegister(ctx context.Context, conn Connection, env *protocol.Envelope) {
	var msg protocol.NodeRegister
	if err := env.Decode(&msg); err != nil {
		x.reply(conn, protocol.NodeRegistered{
			Type:    protocol.TypeNodeRegistered,
			Success: false,
			Message: "malformed node_register payload",
		})
		return
	}

	var violations []string

	name, _ := msg.Name.(string)
	if strings.TrimSpace(name) == "" {
		violations = append(violations, "name must be a non-empty string")
	}

	nodeType, _ := msg.NodeType.(string)
	if !validNodeTypes[nodeType] {
		violations = append(violations, "nodeType must be one of worker, companion, hybrid")
	}

	caps, capsOK := protocol.NormalizeTools(msg.Capabilities)
	if !capsOK {
		violations = append(violations, "capabilities must be a sequence")
	}

	if len(violations) > 0 {
		x.reply(conn, protocol.NodeRegistered{
			Type:    protocol.TypeNodeRegistered,
			Success: false,
			Message: strings.Join(violations, "; "),
		})
		return
	}

	info, err := x.registry.Register(ctx, Registration{
		Name:         name,
		Type:         nodeType,
		Capabilities: caps,
		Version:      msg.Version,
		Metadata:     msg.Metadata,
		ConnectionID: conn.ID,
	})
	if err != nil {
		x.logger.Warn("node registration rejected",
			"connection_id", conn.ID, "name", name, "error", err)
		x.reply(conn, protocol.NodeRegistered{
			Type:    protocol.TypeNodeRegistered,
			Success: false,
			Message: err.Error(),
		})
		return
	}

	x.d.conns.SetIdentity(conn.ID, info.ID, name)
	x.bind(info.ID, conn.ID)

	x.logger.Info("node registered",
		"connection_id", conn.ID, "node_id", info.ID, "name", name, "type", nodeType)

	x.reply(conn, protocol.NodeRegistered{
		Type:    protocol.TypeNodeRegistered,
		Success: true,
		NodeID:  info.ID,
		Hub: &protocol.HubInfo{
			ServerID:   x.d.serverID,
			ServerTime: time.Now().UnixMilli(),
		},
	})
}

// handleNodeUnregister withdraws a registration. The index entry is pruned
// only if it still points at this connection.
func (x *NodeExtension) handleNodeUnregister(ctx context.Context, conn Connection, env *protocol.Envelope) {
	var msg protocol.NodeUnregister
	if err := env.Decode(&msg); err != nil || msg.NodeID == "" {
		x.reply(conn, protocol.NodeUnregistered{
			Type:    protocol.TypeNodeUnregistered,
			Success: false,
			Message: "nodeId is required",
		})
		return
	}

	removed, err := x.registry.Unregister(ctx, msg.NodeID)
	x.unbindIf(msg.NodeID, conn.ID)

	if err != nil {
		x.reply(conn, protocol.NodeUnregistered{
			Type:    protocol.TypeNodeUnregistered,
			Success: false,
			Message: err.Error(),
		})
		return
	}

	x.reply(conn, protocol.NodeUnregistered{
		Type:    protocol.TypeNodeUnregistered,
		Success: removed,
	})
}

// handleHeartbeat is the domain liveness handler. Heartbeats are always
// answered; one lacking a node id is acknowledged with success false.
func (x *NodeExtension) handleHeartbeat(ctx context.Context, conn Connection, env *protocol.Envelope) {
	var msg protocol.Heartbeat
	if err := env.Decode(&msg); err != nil || msg.NodeID == "" {
		x.reply(conn, protocol.HeartbeatAck{
			Type:    protocol.TypeHeartbeatAck,
			Success: false,
			Message: "nodeId is required",
		})
		return
	}

	status := NormalizeStatus(msg.Status)
	info, err := x.registry.Heartbeat(ctx, msg.NodeID, HeartbeatUpdate{
		Status: status,
		Stats:  msg.Stats,
	}, conn.ID)
	if err != nil {
		x.reply(conn, protocol.HeartbeatAck{
			Type:    protocol.TypeHeartbeatAck,
			Success: false,
			Message: err.Error(),
		})
		return
	}
	if info == nil {
		x.reply(conn, protocol.HeartbeatAck{
			Type:    protocol.TypeHeartbeatAck,
			Success: false,
			Message: "node not registered",
		})
		return
	}

	x.reply(conn, protocol.HeartbeatAck{
		Type:    protocol.TypeHeartbeatAck,
		Success: true,
		Status:  info.Status,
	})
}

// handleLLMRequest proxies an inference request to the backend via the
// registry, in one of two response modes selected by options.stream.
func (x *NodeExtension) handleLLMRequest(ctx context.Context, conn Connection, env *protocol.Envelope) {
	var msg protocol.LLMRequest
	if err := env.Decode(&msg); err != nil {
		x.reply(conn, llmFailure("", "invalid_payload", "malformed llm_request payload"))
		return
	}

	// The effective node id falls back to the registered node id, then to
	// the connection id itself.
	nodeID := msg.NodeID
	if nodeID == "" {
		nodeID = conn.NodeID
	}
	if nodeID == "" {
		nodeID = conn.ID
	}

	if msg.RequestID == "" {
		x.reply(conn, llmFailure("", "invalid_payload", "requestId is required"))
		return
	}
	if len(msg.Messages) == 0 {
		x.reply(conn, llmFailure(msg.RequestID, "invalid_payload", "messages must be a non-empty sequence"))
		return
	}

	req := LLMProxyRequest{
		RequestID: msg.RequestID,
		NodeID:    nodeID,
		Model:     msg.Model,
		Messages:  msg.Messages,
		Options:   msg.Options,
	}

	if !msg.Options.Stream {
		res, err := x.registry.HandleLLMRequest(ctx, req)
		if err != nil {
			x.reply(conn, llmFailure(msg.RequestID, "llm_error", err.Error()))
			return
		}
		x.reply(conn, protocol.LLMResponse{
			Type:      protocol.TypeLLMResponse,
			RequestID: msg.RequestID,
			Success:   true,
			Content:   res.Content,
			Usage:     res.Usage,
		})
		return
	}

	x.streamLLMRequest(ctx, conn, req)
}

// streamLLMRequest runs the streaming response mode: chunks are forwarded
// immediately, and exactly one terminal llm_response is sent no matter how
// the observer callbacks race the backend call's own return.
func (x *NodeExtension) streamLLMRequest(ctx context.Context, conn Connection, req LLMProxyRequest) {
	var (
		mu           sync.Mutex
		terminalSent bool
		chunkIndex   int
	)

	sendTerminal := func(resp protocol.LLMResponse) {
		mu.Lock()
		if terminalSent {
			mu.Unlock()
			return
		}
		terminalSent = true
		mu.Unlock()
		x.reply(conn, resp)
	}

	req.Observer = &StreamObserver{
		Chunk: func(c LLMChunk) {
			mu.Lock()
			if terminalSent {
				mu.Unlock()
				return
			}
			idx := chunkIndex
			chunkIndex++
			mu.Unlock()
			x.reply(conn, protocol.LLMResponseStream{
				Type:      protocol.TypeLLMResponseStream,
				RequestID: req.RequestID,
				Delta:     c.Delta,
				Index:     idx,
			})
		},
		Error: func(err error) {
			sendTerminal(llmFailure(req.RequestID, "llm_stream_error", err.Error()))
		},
	}

	res, err := x.registry.HandleLLMRequest(ctx, req)
	if err != nil {
		sendTerminal(llmFailure(req.RequestID, "llm_error", err.Error()))
		return
	}
	sendTerminal(protocol.LLMResponse{
		Type:      protocol.TypeLLMResponse,
		RequestID: req.RequestID,
		Success:   true,
		Content:   res.Content,
		Usage:     res.Usage,
	})
}

// handleTaskResult delegates a task outcome to the registry and always
// acknowledges, reflecting the delegate's result.
func (x *NodeExtension) handleTaskResult(ctx context.Context, conn Connection, env *protocol.Envelope) {
	var msg protocol.TaskResult
	if err := env.Decode(&msg); err != nil {
		x.reply(conn, protocol.TaskResultAck{
			Type:    protocol.TypeTaskResultAck,
			Success: false,
			Message: "malformed task_result payload",
		})
		return
	}

	nodeID := msg.NodeID
	if nodeID == "" {
		nodeID = conn.NodeID
	}

	if msg.TaskID == "" || nodeID == "" {
		x.reply(conn, protocol.TaskResultAck{
			Type:    protocol.TypeTaskResultAck,
			TaskID:  msg.TaskID,
			Success: false,
			Message: "taskId and nodeId are required",
		})
		return
	}

	err := x.registry.HandleTaskResult(ctx, nodeID, TaskOutcome{
		TaskID:  msg.TaskID,
		Success: msg.Success,
		Result:  msg.Result,
		Error:   msg.Error,
	})
	if err != nil {
		x.reply(conn, protocol.TaskResultAck{
			Type:    protocol.TypeTaskResultAck,
			TaskID:  msg.TaskID,
			Success: false,
			Message: err.Error(),
		})
		return
	}

	x.reply(conn, protocol.TaskResultAck{
		Type:    protocol.TypeTaskResultAck,
		TaskID:  msg.TaskID,
		Success: true,
	})
}

func (x *NodeExtension) reply(conn Connection, payload any) {
	x.d.send(conn.Sock, payload)
}

func llmFailure(requestID, code, message string) protocol.LLMResponse {
	return protocol.LLMResponse{
		Type:      protocol.TypeLLMResponse,
		RequestID: requestID,
		Success:   false,
		Error:     &protocol.ErrorInfo{Code: code, Message: message},
	}
}
