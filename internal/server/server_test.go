// ABOUTME: Tests for the HTTP surface and the websocket connection path.
// ABOUTME: Uses httptest plus a real websocket client for an end-to-end handshake.

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost-hub/internal/bus"
	"github.com/roostlabs/roost-hub/internal/config"
	"github.com/roostlabs/roost-hub/internal/hub"
	"github.com/roostlabs/roost-hub/internal/protocol"
	"github.com/roostlabs/roost-hub/internal/registry"
)

type testRig struct {
	srv    *Server
	ts     *httptest.Server
	d      *hub.Dispatcher
	reg    *registry.Service
	events *bus.Bus
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	cfg := &config.Config{
		Server:   config.ServerConfig{HTTPAddr: "127.0.0.1:0", ServerID: "hub-test"},
		Database: config.DatabaseConfig{Path: ":memory:"},
	}

	reg := registry.New(nil, nil, logger)
	d := hub.NewDispatcher(cfg.Server.ServerID, logger)
	nodes := hub.NewNodeExtension(d, reg, logger)
	events := bus.New(logger)
	bridge := hub.NewEventBridge(events, nodes, logger)

	srv := New(cfg, d, nodes, reg, events, logger)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(func() {
		ts.Close()
		bridge.Close()
		events.Close()
		_ = d.Close(context.Background())
	})
	return &testRig{srv: srv, ts: ts, d: d, reg: reg, events: events}
}

// dial opens a websocket connection to the rig's /ws endpoint.
func (r *testRig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(r.ts.URL, "http") + "/ws"
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func readMessage(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, v))
}

func writeMessage(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func TestHealthEndpoints(t *testing.T) {
	rig := newTestRig(t)

	resp, err := http.Get(rig.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("not ready without connections", func(t *testing.T) {
		resp, err := http.Get(rig.ts.URL + "/health/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("ready once a node connects", func(t *testing.T) {
		c := rig.dial(t)
		var ack protocol.ConnectionAck
		readMessage(t, c, &ack)

		resp, err := http.Get(rig.ts.URL + "/health/ready")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestWebsocketHandshake(t *testing.T) {
	rig := newTestRig(t)
	c := rig.dial(t)

	var ack protocol.ConnectionAck
	readMessage(t, c, &ack)
	assert.Equal(t, protocol.TypeConnectionAck, ack.Type)
	assert.NotEmpty(t, ack.ConnectionID)
	assert.Equal(t, "hub-test", ack.ServerID)

	// An invalid registration is rejected over the same connection.
	writeMessage(t, c, map[string]any{
		"type":         "node_register",
		"name":         "",
		"capabilities": "chat",
	})
	var rejected protocol.NodeRegistered
	readMessage(t, c, &rejected)
	assert.False(t, rejected.Success)

	writeMessage(t, c, map[string]any{
		"type":   "heartbeat",
		"status": "online",
	})
	var hb protocol.HeartbeatAck
	readMessage(t, c, &hb)
	assert.False(t, hb.Success, "heartbeat without node id is acknowledged with failure")
}

func TestWebsocketDisconnectCleans(t *testing.T) {
	rig := newTestRig(t)
	c := rig.dial(t)

	var ack protocol.ConnectionAck
	readMessage(t, c, &ack)
	require.Equal(t, 1, rig.d.ConnectionCount())

	require.NoError(t, c.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		return rig.d.ConnectionCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNodeAPI(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.reg.Register(context.Background(), hub.Registration{
		Name:         "atlas",
		Type:         "worker",
		Capabilities: []string{"chat"},
		ConnectionID: "conn-1",
	})
	require.NoError(t, err)

	resp, err := http.Get(rig.ts.URL + "/api/nodes")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Nodes []nodeView `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Nodes, 1)
	assert.Equal(t, "atlas", body.Nodes[0].Name)
	assert.Equal(t, "worker", body.Nodes[0].Type)
}

func TestCallAPIValidation(t *testing.T) {
	rig := newTestRig(t)

	t.Run("missing tool", func(t *testing.T) {
		resp, err := http.Post(rig.ts.URL+"/api/call", "application/json",
			strings.NewReader(`{"connectionId":"c-1"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("unknown node", func(t *testing.T) {
		resp, err := http.Post(rig.ts.URL+"/api/call", "application/json",
			strings.NewReader(`{"nodeId":"ghost","tool":"echo"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown connection", func(t *testing.T) {
		resp, err := http.Post(rig.ts.URL+"/api/call", "application/json",
			strings.NewReader(`{"connectionId":"bogus","tool":"echo"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestAssignTaskAPI(t *testing.T) {
	rig := newTestRig(t)

	t.Run("missing ids rejected", func(t *testing.T) {
		resp, err := http.Post(rig.ts.URL+"/api/tasks/assign", "application/json",
			strings.NewReader(`{"toolName":"resize"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("valid assignment accepted", func(t *testing.T) {
		resp, err := http.Post(rig.ts.URL+"/api/tasks/assign", "application/json",
			strings.NewReader(`{"taskId":"t-1","nodeId":"n-1","toolName":"resize"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	})
}
