// ABOUTME: Default NodeRegistry implementation backing the hub's domain handlers.
// ABOUTME: Tracks node identity in memory, mirrors it to the store, and proxies LLM calls.

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roostlabs/roost-hub/internal/hub"
	"github.com/roostlabs/roost-hub/internal/store"
)

// ErrNoBackend is returned for llm_request handling when no backend is wired.
var ErrNoBackend = errors.New("no llm backend configured")

// ErrUnknownNode is returned when an operation names an unregistered node.
var ErrUnknownNode = errors.New("unknown node")

// LLMBackend services proxied inference requests. Implementations call the
// observer callbacks for streaming requests.
type LLMBackend interface {
	Complete(ctx context.Context, req hub.LLMProxyRequest) (hub.LLMResult, error)
}

// Service is the default hub.NodeRegistry. Node identity lives in memory
// for fast lookups and is mirrored to the store when one is configured.
type Service struct {
	store   store.Store // may be nil: in-memory only
	backend LLMBackend  // may be nil: llm_request handling fails
	logger  *slog.Logger

	mu    sync.RWMutex
	nodes map[string]*hub.NodeInfo
}

// New creates a registry service. store and backend may each be nil.
func New(st store.Store, backend LLMBackend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		backend: backend,
		logger:  logger.With("component", "registry"),
		nodes:   make(map[string]*hub.NodeInfo),
	}
}

// Register assigns a node id and records the node. A re-registration under
// the same name from a new connection gets a fresh id; node identity is
// per-registration, not per-name.
func (s *Service) Register(ctx context.Context, reg hub.Registration) (hub.NodeInfo, error) {
	now := time.Now()
	info := &hub.NodeInfo{
		ID:           uuid.New().String(),
		Name:         reg.Name,
		Type:         reg.Type,
		Capabilities: reg.Capabilities,
		Status:       hub.StatusOnline,
		ConnectionID: reg.ConnectionID,
		LastSeen:     now,
	}

	if s.store != nil {
		err := s.store.SaveNode(ctx, &store.NodeRecord{
			ID:           info.ID,
			Name:         info.Name,
			Type:         info.Type,
			Capabilities: info.Capabilities,
			Status:       info.Status,
			Version:      reg.Version,
			RegisteredAt: now,
			LastSeen:     now,
		})
		if err != nil {
			return hub.NodeInfo{}, fmt.Errorf("persisting node: %w", err)
		}
	}

	s.mu.Lock()
	s.nodes[info.ID] = info
	s.mu.Unlock()

	s.logger.Info("node registered", "node_id", info.ID, "name", info.Name, "type", info.Type)
	return *info, nil
}

// Unregister removes a node. Returns false when the node is unknown.
func (s *Service) Unregister(ctx context.Context, nodeID string) (bool, error) {
	s.mu.Lock()
	_, ok := s.nodes[nodeID]
	delete(s.nodes, nodeID)
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if s.store != nil {
		if err := s.store.DeleteNode(ctx, nodeID); err != nil {
			return true, fmt.Errorf("deleting node: %w", err)
		}
	}

	s.logger.Info("node unregistered", "node_id", nodeID)
	return true, nil
}

// Heartbeat refreshes a node's status and liveness. Returns nil for an
// unknown node; heartbeats are not an implicit registration.
func (s *Service) Heartbeat(ctx context.Context, nodeID string, hb hub.HeartbeatUpdate, connID string) (*hub.NodeInfo, error) {
	now := time.Now()

	s.mu.Lock()
	info, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	info.Status = hub.NormalizeStatus(hb.Status)
	info.ConnectionID = connID
	info.LastSeen = now
	snapshot := *info
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.UpdateNodeStatus(ctx, nodeID, snapshot.Status, now); err != nil {
			// Liveness bookkeeping must not fail the heartbeat.
			s.logger.Warn("persisting heartbeat failed", "node_id", nodeID, "error", err)
		}
	}

	return &snapshot, nil
}

// HandleLLMRequest forwards the request to the configured backend.
func (s *Service) HandleLLMRequest(ctx context.Context, req hub.LLMProxyRequest) (hub.LLMResult, error) {
	if s.backend == nil {
		return hub.LLMResult{}, ErrNoBackend
	}
	return s.backend.Complete(ctx, req)
}

// HandleTaskResult records a task outcome for a known node.
func (s *Service) HandleTaskResult(ctx context.Context, nodeID string, res hub.TaskOutcome) error {
	s.mu.RLock()
	_, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	if s.store != nil {
		var errMsg string
		if res.Error != nil {
			errMsg = res.Error.Message
		}
		err := s.store.SaveTaskResult(ctx, &store.TaskRecord{
			TaskID:     res.TaskID,
			NodeID:     nodeID,
			Success:    res.Success,
			Result:     string(res.Result),
			Error:      errMsg,
			ReceivedAt: time.Now(),
		})
		if err != nil {
			return fmt.Errorf("persisting task result: %w", err)
		}
	}

	s.logger.Debug("task result recorded",
		"node_id", nodeID, "task_id", res.TaskID, "success", res.Success)
	return nil
}

// ConnectionClosed marks every node registered through the connection as
// offline. Identity is retained so a reconnecting node is recognizable.
func (s *Service) ConnectionClosed(ctx context.Context, connID string) {
	now := time.Now()
	var marked []string

	s.mu.Lock()
	for id, info := range s.nodes {
		if info.ConnectionID == connID && info.Status != hub.StatusOffline {
			info.Status = hub.StatusOffline
			info.LastSeen = now
			marked = append(marked, id)
		}
	}
	s.mu.Unlock()

	for _, id := range marked {
		if s.store != nil {
			if err := s.store.UpdateNodeStatus(ctx, id, hub.StatusOffline, now); err != nil {
				s.logger.Warn("persisting offline status failed", "node_id", id, "error", err)
			}
		}
		s.logger.Info("node offline", "node_id", id, "connection_id", connID)
	}
}

// List returns a snapshot of every known node.
func (s *Service) List() []hub.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]hub.NodeInfo, 0, len(s.nodes))
	for _, info := range s.nodes {
		out = append(out, *info)
	}
	return out
}

// Get returns one node's info.
func (s *Service) Get(nodeID string) (hub.NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.nodes[nodeID]
	if !ok {
		return hub.NodeInfo{}, false
	}
	return *info, true
}
