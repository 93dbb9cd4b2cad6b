// ABOUTME: HTTP/WebSocket server that accepts node connections and feeds the hub dispatcher.
// ABOUTME: Manages listeners, health endpoints, node API, and graceful shutdown.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/roostlabs/roost-hub/internal/bus"
	"github.com/roostlabs/roost-hub/internal/config"
	"github.com/roostlabs/roost-hub/internal/hub"
	"github.com/roostlabs/roost-hub/internal/registry"
	"github.com/roostlabs/roost-hub/internal/transport"
)

// maxMessageSize bounds one inbound frame.
const maxMessageSize = 1 << 20

// Server owns the HTTP surface of roost-hub: the /ws endpoint where nodes
// connect, health checks, and the read-only node API.
type Server struct {
	cfg        *config.Config
	dispatcher *hub.Dispatcher
	nodes      *hub.NodeExtension
	registry   *registry.Service
	events     *bus.Bus
	httpServer *http.Server
	logger     *slog.Logger

	callTimeout time.Duration

	tsnet *tsnetServer
}

// New creates a server around an already wired dispatcher.
func New(cfg *config.Config, d *hub.Dispatcher, nodes *hub.NodeExtension, reg *registry.Service, events *bus.Bus, logger *slog.Logger) *Server {
	callTimeout := cfg.Nodes.CallTimeout
	if callTimeout <= 0 {
		callTimeout = hub.DefaultCallTimeout
	}
	s := &Server{
		cfg:         cfg,
		dispatcher:  d,
		nodes:       nodes,
		registry:    reg,
		events:      events,
		logger:      logger.With("component", "server"),
		callTimeout: callTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/ready", s.handleReady)
	mux.HandleFunc("/api/nodes", s.handleListNodes)
	mux.HandleFunc("/api/connections", s.handleListConnections)
	mux.HandleFunc("/api/call", s.handleCall)
	mux.HandleFunc("/api/tasks/assign", s.handleAssignTask)

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// handleWS upgrades the request and runs the connection's read loop. The
// transport delivers one message at a time per connection; concurrency
// comes from many connections, each on its own handler goroutine.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// Authentication of the connection URL happens upstream of this
	// handler; the dispatch layer trusts whatever the listener admits.
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	c.SetReadLimit(maxMessageSize)

	sock := transport.NewWSConn(c, r.RemoteAddr)
	s.dispatcher.HandleOpen(sock)

	// The read context is independent of the upgrade request: the
	// connection outlives r.Context() on HTTP/1.1 hijacked conns anyway,
	// and shutdown closes sockets through the dispatcher.
	ctx := context.Background()
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			sock.MarkClosed()
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				s.dispatcher.HandleError(sock, err)
			}
			s.dispatcher.HandleClose(sock)
			return
		}
		s.dispatcher.HandleMessage(ctx, sock, data)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one node connection is live.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	n := s.dispatcher.ConnectionCount()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no nodes connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", n)
}

// nodeView is the JSON shape returned by /api/nodes.
type nodeView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Capabilities []string  `json:"capabilities"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodes := s.registry.List()
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, nodeView{
			ID:           n.ID,
			Name:         n.Name,
			Type:         n.Type,
			Capabilities: n.Capabilities,
			Status:       n.Status,
			LastSeen:     n.LastSeen,
		})
	}
	writeJSON(w, s.logger, map[string]any{"nodes": views})
}

// connView is the JSON shape returned by /api/connections.
type connView struct {
	ID           string    `json:"id"`
	NodeID       string    `json:"nodeId,omitempty"`
	Name         string    `json:"name,omitempty"`
	Tools        []string  `json:"tools"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	RemoteAddr   string    `json:"remoteAddr"`
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conns := s.dispatcher.Connections()
	views := make([]connView, 0, len(conns))
	for _, c := range conns {
		views = append(views, connView{
			ID:           c.ID,
			NodeID:       c.NodeID,
			Name:         c.Name,
			Tools:        c.Tools,
			ConnectedAt:  c.ConnectedAt,
			LastActivity: c.LastActivity,
			RemoteAddr:   c.RemoteAddr,
		})
	}
	writeJSON(w, s.logger, map[string]any{"connections": views})
}

// callRequest is the JSON body accepted by /api/call. Either connectionId
// or nodeId selects the target; nodeId is resolved through the node
// binding table.
type callRequest struct {
	ConnectionID string         `json:"connectionId"`
	NodeID       string         `json:"nodeId"`
	Tool         string         `json:"tool"`
	Args         map[string]any `json:"args"`
	TimeoutMS    int64          `json:"timeoutMs"`
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Tool == "" {
		http.Error(w, "tool is required", http.StatusBadRequest)
		return
	}

	connID := req.ConnectionID
	if connID == "" && req.NodeID != "" {
		id, ok := s.nodes.Resolve(req.NodeID)
		if !ok {
			http.Error(w, "node not connected", http.StatusNotFound)
			return
		}
		connID = id
	}
	if connID == "" {
		http.Error(w, "connectionId or nodeId is required", http.StatusBadRequest)
		return
	}

	timeout := s.callTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	result, err := s.dispatcher.CallRemote(r.Context(), connID, req.Tool, req.Args, timeout)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, hub.ErrConnectionNotFound):
			status = http.StatusNotFound
		case errors.Is(err, hub.ErrCallTimeout):
			status = http.StatusGatewayTimeout
		}
		writeJSONStatus(w, s.logger, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, s.logger, map[string]any{"result": result})
}

// assignTaskRequest is the JSON body accepted by /api/tasks/assign. The
// assignment goes through the event bus so delivery follows the same path
// as internally produced tasks.
type assignTaskRequest struct {
	TaskID     string         `json:"taskId"`
	NodeID     string         `json:"nodeId"`
	ToolName   string         `json:"toolName"`
	Capability string         `json:"capability"`
	ToolArgs   map[string]any `json:"toolArgs"`
	TimeoutMS  int64          `json:"timeoutMs"`
	Metadata   map[string]any `json:"metadata"`
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req assignTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TaskID == "" || req.NodeID == "" {
		http.Error(w, "taskId and nodeId are required", http.StatusBadRequest)
		return
	}

	s.events.Publish(bus.TopicTaskAssigned, bus.TaskAssignedEvent{
		TaskID:     req.TaskID,
		NodeID:     req.NodeID,
		ToolName:   req.ToolName,
		Capability: req.Capability,
		ToolArgs:   req.ToolArgs,
		TimeoutMS:  req.TimeoutMS,
		Metadata:   req.Metadata,
	})
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, s.logger, map[string]any{"status": "queued", "taskId": req.TaskID})
}

func writeJSONStatus(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("writing response failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("writing response failed", "error", err)
	}
}

// setupListener creates the HTTP listener based on configuration
// (Tailscale or plain TCP).
func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.cfg.Tailscale.Enabled {
		return s.setupTailscaleListener(ctx)
	}
	s.logger.Info("starting hub", "http_addr", s.cfg.Server.HTTPAddr)
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the server and blocks until the context is canceled or the
// server fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is
// already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops accepting connections, then closes every node socket and
// releases listener resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down hub")

	var errs []error
	// Stop accepting first; the dispatcher's close contract requires it.
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}
	if err := s.dispatcher.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatcher close: %w", err))
	}
	if s.tsnet != nil {
		if err := s.tsnet.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tailscale shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}
