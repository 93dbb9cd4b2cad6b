// ABOUTME: Tests for the sqlite-backed store.
// ABOUTME: Covers node upserts, status updates, deletion, and task result listing.

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSaveAndGetNode(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	node := &NodeRecord{
		ID:           "n-1",
		Name:         "atlas",
		Type:         "worker",
		Capabilities: []string{"chat", "resize"},
		Status:       "online",
		Version:      "1.2.0",
		RegisteredAt: now,
		LastSeen:     now,
	}
	require.NoError(t, st.SaveNode(ctx, node))

	got, err := st.GetNode(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "atlas", got.Name)
	assert.Equal(t, "worker", got.Type)
	assert.Equal(t, []string{"chat", "resize"}, got.Capabilities)
	assert.Equal(t, "online", got.Status)
	assert.Equal(t, "1.2.0", got.Version)

	_, err = st.GetNode(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveNodeUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SaveNode(ctx, &NodeRecord{ID: "n-1", Name: "atlas", Type: "worker", Status: "online", RegisteredAt: now, LastSeen: now}))
	require.NoError(t, st.SaveNode(ctx, &NodeRecord{ID: "n-1", Name: "atlas-2", Type: "hybrid", Status: "busy", RegisteredAt: now, LastSeen: now}))

	got, err := st.GetNode(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "atlas-2", got.Name)
	assert.Equal(t, "hybrid", got.Type)

	nodes, err := st.ListNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)
}

func TestUpdateNodeStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SaveNode(ctx, &NodeRecord{ID: "n-1", Name: "atlas", Type: "worker", Status: "online", RegisteredAt: now, LastSeen: now}))

	later := now.Add(time.Minute)
	require.NoError(t, st.UpdateNodeStatus(ctx, "n-1", "offline", later))

	got, err := st.GetNode(ctx, "n-1")
	require.NoError(t, err)
	assert.Equal(t, "offline", got.Status)

	err = st.UpdateNodeStatus(ctx, "missing", "offline", later)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteNode(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SaveNode(ctx, &NodeRecord{ID: "n-1", Name: "atlas", Type: "worker", Status: "online", RegisteredAt: now, LastSeen: now}))
	require.NoError(t, st.DeleteNode(ctx, "n-1"))

	_, err := st.GetNode(ctx, "n-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting an absent node is not an error.
	require.NoError(t, st.DeleteNode(ctx, "n-1"))
}

func TestTaskResults(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SaveNode(ctx, &NodeRecord{ID: "n-1", Name: "atlas", Type: "worker", Status: "online", RegisteredAt: now, LastSeen: now}))

	for i, taskID := range []string{"t-1", "t-2", "t-3"} {
		require.NoError(t, st.SaveTaskResult(ctx, &TaskRecord{
			TaskID:     taskID,
			NodeID:     "n-1",
			Success:    i != 1,
			Result:     `{"ok":true}`,
			ReceivedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}

	tasks, err := st.ListTaskResults(ctx, "n-1", 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "t-3", tasks[0].TaskID, "newest first")
	assert.Equal(t, "t-2", tasks[1].TaskID)
	assert.False(t, tasks[1].Success)

	tasks, err = st.ListTaskResults(ctx, "other", 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTaskResultUpsert(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.SaveNode(ctx, &NodeRecord{ID: "n-1", Name: "atlas", Type: "worker", Status: "online", RegisteredAt: now, LastSeen: now}))

	require.NoError(t, st.SaveTaskResult(ctx, &TaskRecord{TaskID: "t-1", NodeID: "n-1", Success: false, ReceivedAt: now}))
	require.NoError(t, st.SaveTaskResult(ctx, &TaskRecord{TaskID: "t-1", NodeID: "n-1", Success: true, ReceivedAt: now.Add(time.Second)}))

	tasks, err := st.ListTaskResults(ctx, "n-1", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Success)
}
