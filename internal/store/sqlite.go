// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides node/task persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL,
		type          TEXT NOT NULL,
		capabilities  TEXT NOT NULL DEFAULT '[]',
		status        TEXT NOT NULL DEFAULT 'online',
		version       TEXT NOT NULL DEFAULT '',
		registered_at TIMESTAMP NOT NULL,
		last_seen     TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_results (
		task_id     TEXT NOT NULL,
		node_id     TEXT NOT NULL,
		success     INTEGER NOT NULL,
		result      TEXT NOT NULL DEFAULT '',
		error       TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL,
		PRIMARY KEY (task_id, node_id)
	);

	CREATE INDEX IF NOT EXISTS idx_task_results_node
		ON task_results(node_id, received_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveNode inserts or replaces a node record
func (s *SQLiteStore) SaveNode(ctx context.Context, node *NodeRecord) error {
	caps, err := json.Marshal(node.Capabilities)
	if err != nil {
		return fmt.Errorf("marshaling capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, type, capabilities, status, version, registered_at, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			capabilities = excluded.capabilities,
			status = excluded.status,
			version = excluded.version,
			last_seen = excluded.last_seen
	`, node.ID, node.Name, node.Type, string(caps), node.Status, node.Version,
		node.RegisteredAt.UTC(), node.LastSeen.UTC())
	if err != nil {
		return fmt.Errorf("saving node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by id
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*NodeRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, capabilities, status, version, registered_at, last_seen
		FROM nodes WHERE id = ?
	`, id)
	return scanNode(row)
}

// ListNodes returns all node records ordered by registration time
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, capabilities, status, version, registered_at, last_seen
		FROM nodes ORDER BY registered_at
	`)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*NodeRecord
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// UpdateNodeStatus sets a node's status and last-seen timestamp
func (s *SQLiteStore) UpdateNodeStatus(ctx context.Context, id, status string, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET status = ?, last_seen = ? WHERE id = ?
	`, status, lastSeen.UTC(), id)
	if err != nil {
		return fmt.Errorf("updating node status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNode removes a node record
func (s *SQLiteStore) DeleteNode(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	return nil
}

// SaveTaskResult records a task outcome
func (s *SQLiteStore) SaveTaskResult(ctx context.Context, task *TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (task_id, node_id, success, result, error, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, node_id) DO UPDATE SET
			success = excluded.success,
			result = excluded.result,
			error = excluded.error,
			received_at = excluded.received_at
	`, task.TaskID, task.NodeID, boolToInt(task.Success), task.Result, task.Error,
		task.ReceivedAt.UTC())
	if err != nil {
		return fmt.Errorf("saving task result: %w", err)
	}
	return nil
}

// ListTaskResults returns recent task outcomes for a node, newest first
func (s *SQLiteStore) ListTaskResults(ctx context.Context, nodeID string, limit int) ([]*TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, node_id, success, result, error, received_at
		FROM task_results WHERE node_id = ?
		ORDER BY received_at DESC LIMIT ?
	`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing task results: %w", err)
	}
	defer rows.Close()

	var tasks []*TaskRecord
	for rows.Next() {
		var t TaskRecord
		var success int
		if err := rows.Scan(&t.TaskID, &t.NodeID, &success, &t.Result, &t.Error, &t.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning task result: %w", err)
		}
		t.Success = success != 0
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// Close releases database resources
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*NodeRecord, error) {
	var node NodeRecord
	var caps string
	err := row.Scan(&node.ID, &node.Name, &node.Type, &caps, &node.Status,
		&node.Version, &node.RegisteredAt, &node.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	if err := json.Unmarshal([]byte(caps), &node.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	return &node, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
