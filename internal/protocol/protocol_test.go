// ABOUTME: Tests for envelope parsing and tool-list normalization.
// ABOUTME: Covers the type discriminator contract and loose tool payload shapes.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	t.Run("extracts type and keeps raw payload", func(t *testing.T) {
		env, err := ParseEnvelope([]byte(`{"type":"heartbeat","nodeId":"n-1","status":"busy"}`))
		require.NoError(t, err)
		assert.Equal(t, TypeHeartbeat, env.Type)

		var hb Heartbeat
		require.NoError(t, env.Decode(&hb))
		assert.Equal(t, "n-1", hb.NodeID)
		assert.Equal(t, "busy", hb.Status)
	})

	t.Run("rejects missing type", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{"nodeId":"n-1"}`))
		assert.ErrorIs(t, err, ErrMissingType)
	})

	t.Run("rejects invalid json", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{not json`))
		assert.Error(t, err)
	})

	t.Run("rejects non-object payload", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`[1,2,3]`))
		assert.Error(t, err)
	})
}

func TestNormalizeTools(t *testing.T) {
	t.Run("bare string names", func(t *testing.T) {
		names, ok := NormalizeTools(json.RawMessage(`["search","fetch"]`))
		require.True(t, ok)
		assert.Equal(t, []string{"search", "fetch"}, names)
	})

	t.Run("object entries prefer id over name", func(t *testing.T) {
		names, ok := NormalizeTools(json.RawMessage(`[{"id":"t1","name":"Tool One"},{"name":"Tool Two"}]`))
		require.True(t, ok)
		assert.Equal(t, []string{"t1", "Tool Two"}, names)
	})

	t.Run("mixed entries with unusable members skipped", func(t *testing.T) {
		names, ok := NormalizeTools(json.RawMessage(`["a",42,{"id":"b"},{}]`))
		require.True(t, ok)
		assert.Equal(t, []string{"a", "b"}, names)
	})

	t.Run("empty sequence is valid", func(t *testing.T) {
		names, ok := NormalizeTools(json.RawMessage(`[]`))
		require.True(t, ok)
		assert.Empty(t, names)
	})

	t.Run("non-sequence payloads rejected", func(t *testing.T) {
		for _, raw := range []string{`"search"`, `{"tools":[]}`, `42`, ``} {
			_, ok := NormalizeTools(json.RawMessage(raw))
			assert.False(t, ok, "payload %q should not normalize", raw)
		}
	})
}
