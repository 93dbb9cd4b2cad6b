// ABOUTME: Store interface and data types for roost-hub persistence.
// ABOUTME: Defines NodeRecord, TaskRecord and the Store interface for database operations.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// NodeRecord is the persisted identity of a registered node
type NodeRecord struct {
	ID           string
	Name         string
	Type         string
	Capabilities []string
	Status       string
	Version      string
	RegisteredAt time.Time
	LastSeen     time.Time
}

// TaskRecord is a persisted task outcome reported by a node
type TaskRecord struct {
	TaskID     string
	NodeID     string
	Success    bool
	Result     string
	Error      string
	ReceivedAt time.Time
}

// Store defines the persistence interface for node identity and task outcomes
type Store interface {
	// SaveNode inserts or replaces a node record
	SaveNode(ctx context.Context, node *NodeRecord) error

	// GetNode retrieves a node by id; ErrNotFound if absent
	GetNode(ctx context.Context, id string) (*NodeRecord, error)

	// ListNodes returns all node records ordered by registration time
	ListNodes(ctx context.Context) ([]*NodeRecord, error)

	// UpdateNodeStatus sets a node's status and last-seen timestamp
	UpdateNodeStatus(ctx context.Context, id, status string, lastSeen time.Time) error

	// DeleteNode removes a node record; deleting an absent node is not an error
	DeleteNode(ctx context.Context, id string) error

	// SaveTaskResult records a task outcome
	SaveTaskResult(ctx context.Context, task *TaskRecord) error

	// ListTaskResults returns recent task outcomes for a node, newest first
	ListTaskResults(ctx context.Context, nodeID string, limit int) ([]*TaskRecord, error)

	// Close releases database resources
	Close() error
}
