// ABOUTME: Wire message types exchanged between the hub and connected nodes.
// ABOUTME: Defines the JSON envelope, type constants, and inbound/outbound payloads.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound message types (node → hub).
const (
	TypeRegisterTools   = "register_tools"
	TypeUnregisterTools = "unregister_tools"
	TypeToolResult      = "tool_result"
	TypeReportIP        = "report_ip"
	TypeHeartbeat       = "heartbeat"
	TypeNodeRegister    = "node_register"
	TypeNodeUnregister  = "node_unregister"
	TypeLLMRequest      = "llm_request"
	TypeTaskResult      = "task_result"
)

// Outbound message types (hub → node).
const (
	TypeConnectionAck     = "connection_ack"
	TypeRegisterAck       = "register_ack"
	TypeHeartbeatAck      = "heartbeat_ack"
	TypeNodeRegistered    = "node_registered"
	TypeNodeUnregistered  = "node_unregistered"
	TypeLLMResponse       = "llm_response"
	TypeLLMResponseStream = "llm_response_stream"
	TypeTaskResultAck     = "task_result_ack"
	TypeTaskAssign        = "task_assign"
	TypeExecuteTool       = "execute_tool"
)

// ErrMissingType is returned when an inbound message has no type discriminator.
var ErrMissingType = errors.New("message has no type field")

// Envelope is a partially decoded inbound message. Type carries the
// discriminator; Raw holds the full payload for handler-specific decoding.
type Envelope struct {
	Type string
	Raw  json.RawMessage
}

// ParseEnvelope decodes the type discriminator from a raw message.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}
	return &Envelope{Type: head.Type, Raw: json.RawMessage(data)}, nil
}

// Decode unmarshals the full payload into v.
func (e *Envelope) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// ErrorInfo is a structured error carried inside replies and results.
type ErrorInfo struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ChatMessage is a single turn of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMUsage reports token consumption for a completed LLM call.
type LLMUsage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// Inbound payloads.

// RegisterTools declares the full tool list for a connection. Tools is kept
// raw because nodes send either bare names or {id,name} objects, and a
// non-sequence value must be rejected without touching connection state.
type RegisterTools struct {
	Tools json.RawMessage `json:"tools"`
}

// UnregisterTools removes named tools from a connection's declared set.
type UnregisterTools struct {
	Tools json.RawMessage `json:"tools"`
}

// ToolResult is the reply to a previously sent execute_tool request.
type ToolResult struct {
	RequestID string          `json:"requestId"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorInfo      `json:"error,omitempty"`
}

// ReportIP carries the network addresses a node observes for itself.
type ReportIP struct {
	LocalIPs []string `json:"localIPs,omitempty"`
	PublicIP string   `json:"publicIP,omitempty"`
}

// Heartbeat is the periodic liveness signal. NodeID and Status are only
// meaningful once the connection has completed node registration.
type Heartbeat struct {
	NodeID string         `json:"nodeId,omitempty"`
	Status string         `json:"status,omitempty"`
	Stats  map[string]any `json:"stats,omitempty"`
}

// NodeRegister is the application-level registration handshake. The node's
// kind travels as nodeType because the top-level type field is the message
// discriminator. Name and NodeType stay loosely typed so validation can
// accumulate every violation instead of failing the decode on the first
// mismatched field.
type NodeRegister struct {
	Name         any             `json:"name"`
	NodeType     any             `json:"nodeType"`
	Capabilities json.RawMessage `json:"capabilities"`
	Version      string          `json:"version,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
}

// NodeUnregister withdraws a node's registration.
type NodeUnregister struct {
	NodeID string `json:"nodeId"`
}

// LLMOptions tunes a proxied inference request.
type LLMOptions struct {
	Stream      bool     `json:"stream,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

// LLMRequest asks the hub to run an inference call on the node's behalf.
type LLMRequest struct {
	RequestID string        `json:"requestId"`
	NodeID    string        `json:"nodeId,omitempty"`
	Model     string        `json:"model,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	Options   LLMOptions    `json:"options,omitempty"`
}

// TaskResult reports the outcome of a previously assigned task.
type TaskResult struct {
	TaskID  string          `json:"taskId"`
	NodeID  string          `json:"nodeId,omitempty"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Outbound payloads.

// ConnectionAck acknowledges an accepted connection with its assigned id.
type ConnectionAck struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	ServerID     string `json:"serverId,omitempty"`
}

// RegisterAck acknowledges a register_tools message.
type RegisterAck struct {
	Type  string   `json:"type"`
	Tools []string `json:"tools"`
	Count int      `json:"count"`
}

// HeartbeatAck answers a heartbeat. Heartbeats are always answered; Success
// is false when the payload carried no node id.
type HeartbeatAck struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// HubInfo is the minimal hub metadata returned on successful registration.
type HubInfo struct {
	ServerID   string `json:"serverId"`
	ServerTime int64  `json:"serverTime"`
}

// NodeRegistered is the reply to node_register.
type NodeRegistered struct {
	Type    string   `json:"type"`
	Success bool     `json:"success"`
	NodeID  string   `json:"nodeId,omitempty"`
	Message string   `json:"message,omitempty"`
	Hub     *HubInfo `json:"hub,omitempty"`
}

// NodeUnregistered is the reply to node_unregister.
type NodeUnregistered struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// LLMResponse is the single terminal reply to an llm_request.
type LLMResponse struct {
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	Success   bool       `json:"success"`
	Content   string     `json:"content,omitempty"`
	Usage     *LLMUsage  `json:"usage,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// LLMResponseStream is one forwarded chunk of a streaming llm_request.
type LLMResponseStream struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Delta     string `json:"delta"`
	Index     int    `json:"index"`
}

// TaskResultAck acknowledges a task_result message.
type TaskResultAck struct {
	Type    string `json:"type"`
	TaskID  string `json:"taskId,omitempty"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// TaskAssign pushes a hub-initiated task to a node.
type TaskAssign struct {
	Type       string         `json:"type"`
	TaskID     string         `json:"taskId"`
	NodeID     string         `json:"nodeId"`
	ToolName   string         `json:"toolName,omitempty"`
	Capability string         `json:"capability,omitempty"`
	ToolArgs   map[string]any `json:"toolArgs,omitempty"`
	TimeoutMS  int64          `json:"timeout,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ExecuteTool is the hub-initiated remote call sent to a node.
type ExecuteTool struct {
	Type      string         `json:"type"`
	RequestID string         `json:"requestId"`
	ToolName  string         `json:"toolName"`
	ToolArgs  map[string]any `json:"toolArgs,omitempty"`
}

// NormalizeTools flattens a register_tools payload into tool names. Entries
// are either bare strings or objects carrying an id or name field; anything
// else is skipped. Returns ok=false when the payload is not a sequence.
func NormalizeTools(raw json.RawMessage) (names []string, ok bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	names = make([]string, 0, len(entries))
	for _, entry := range entries {
		var s string
		if err := json.Unmarshal(entry, &s); err == nil {
			if s != "" {
				names = append(names, s)
			}
			continue
		}
		var obj struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		}
		if err := json.Unmarshal(entry, &obj); err != nil {
			continue
		}
		switch {
		case obj.ID != "":
			names = append(names, obj.ID)
		case obj.Name != "":
			names = append(names, obj.Name)
		}
	}
	return names, true
}
