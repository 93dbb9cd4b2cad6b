// ABOUTME: Tests for the default node registry backed by the sqlite store.
// ABOUTME: Covers registration lifecycle, heartbeats, task results, and offline marking.

package registry

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostlabs/roost-hub/internal/hub"
	"github.com/roostlabs/roost-hub/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, nil, slog.New(slog.DiscardHandler)), st
}

func TestRegisterAndGet(t *testing.T) {
	svc, st := newTestService(t)

	info, err := svc.Register(context.Background(), hub.Registration{
		Name:         "atlas",
		Type:         "worker",
		Capabilities: []string{"chat", "resize"},
		ConnectionID: "conn-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)
	assert.Equal(t, hub.StatusOnline, info.Status)

	got, ok := svc.Get(info.ID)
	require.True(t, ok)
	assert.Equal(t, "atlas", got.Name)
	assert.Equal(t, []string{"chat", "resize"}, got.Capabilities)

	// Mirrored to the store.
	rec, err := st.GetNode(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, "atlas", rec.Name)
	assert.Equal(t, "worker", rec.Type)
}

func TestRegisterTwiceGetsFreshIDs(t *testing.T) {
	svc, _ := newTestService(t)

	a, err := svc.Register(context.Background(), hub.Registration{Name: "atlas", Type: "worker"})
	require.NoError(t, err)
	b, err := svc.Register(context.Background(), hub.Registration{Name: "atlas", Type: "worker"})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, svc.List(), 2)
}

func TestUnregister(t *testing.T) {
	svc, st := newTestService(t)

	info, err := svc.Register(context.Background(), hub.Registration{Name: "atlas", Type: "worker"})
	require.NoError(t, err)

	removed, err := svc.Unregister(context.Background(), info.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, ok := svc.Get(info.ID)
	assert.False(t, ok)
	_, err = st.GetNode(context.Background(), info.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	removed, err = svc.Unregister(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestHeartbeat(t *testing.T) {
	t.Run("unknown node returns nil without error", func(t *testing.T) {
		svc, _ := newTestService(t)
		info, err := svc.Heartbeat(context.Background(), "ghost", hub.HeartbeatUpdate{}, "conn-1")
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("refreshes status and connection", func(t *testing.T) {
		svc, _ := newTestService(t)
		reg, err := svc.Register(context.Background(), hub.Registration{Name: "atlas", Type: "worker", ConnectionID: "conn-1"})
		require.NoError(t, err)

		info, err := svc.Heartbeat(context.Background(), reg.ID, hub.HeartbeatUpdate{Status: "busy"}, "conn-2")
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, hub.StatusBusy, info.Status)
		assert.Equal(t, "conn-2", info.ConnectionID)
	})
}

func TestHandleLLMRequestWithoutBackend(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.HandleLLMRequest(context.Background(), hub.LLMProxyRequest{RequestID: "q-1"})
	assert.ErrorIs(t, err, ErrNoBackend)
}

type fakeBackend struct {
	got hub.LLMProxyRequest
}

func (f *fakeBackend) Complete(_ context.Context, req hub.LLMProxyRequest) (hub.LLMResult, error) {
	f.got = req
	return hub.LLMResult{Content: "done"}, nil
}

func TestHandleLLMRequestDelegates(t *testing.T) {
	backend := &fakeBackend{}
	svc := New(nil, backend, slog.New(slog.DiscardHandler))

	res, err := svc.HandleLLMRequest(context.Background(), hub.LLMProxyRequest{RequestID: "q-1", Model: "tiny"})
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, "q-1", backend.got.RequestID)
	assert.Equal(t, "tiny", backend.got.Model)
}

func TestHandleTaskResult(t *testing.T) {
	svc, st := newTestService(t)
	reg, err := svc.Register(context.Background(), hub.Registration{Name: "atlas", Type: "worker"})
	require.NoError(t, err)

	err = svc.HandleTaskResult(context.Background(), reg.ID, hub.TaskOutcome{
		TaskID:  "t-1",
		Success: true,
		Result:  []byte(`{"ok":true}`),
	})
	require.NoError(t, err)

	tasks, err := st.ListTaskResults(context.Background(), reg.ID, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "t-1", tasks[0].TaskID)
	assert.True(t, tasks[0].Success)

	err = svc.HandleTaskResult(context.Background(), "ghost", hub.TaskOutcome{TaskID: "t-2"})
	assert.True(t, errors.Is(err, ErrUnknownNode))
}

func TestConnectionClosedMarksOffline(t *testing.T) {
	svc, _ := newTestService(t)
	a, err := svc.Register(context.Background(), hub.Registration{Name: "a", Type: "worker", ConnectionID: "conn-1"})
	require.NoError(t, err)
	b, err := svc.Register(context.Background(), hub.Registration{Name: "b", Type: "worker", ConnectionID: "conn-2"})
	require.NoError(t, err)

	svc.ConnectionClosed(context.Background(), "conn-1")

	gotA, _ := svc.Get(a.ID)
	assert.Equal(t, hub.StatusOffline, gotA.Status, "node on the closed connection goes offline")
	gotB, _ := svc.Get(b.ID)
	assert.Equal(t, hub.StatusOnline, gotB.Status, "other connections unaffected")
}
