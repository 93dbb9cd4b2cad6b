// ABOUTME: Tests for configuration loading, env expansion, and validation.
// ABOUTME: Exercises duration parsing and the tailscale/http address rules.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
  server_id: "hub-1"

database:
  path: "/tmp/hub.db"

nodes:
  call_timeout: "45s"
  heartbeat_timeout: "2m"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "hub-1", cfg.Server.ServerID)
	assert.Equal(t, "/tmp/hub.db", cfg.Database.Path)
	assert.Equal(t, 45*time.Second, cfg.Nodes.CallTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Nodes.HeartbeatTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("ROOST_TEST_DB", "/data/roost.db")

	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "${ROOST_TEST_DB}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/roost.db", cfg.Database.Path)
}

func TestLoadUnsetEnvVarBecomesEmpty(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "${ROOST_DEFINITELY_UNSET_VAR}"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path is required")
}

func TestLoadValidation(t *testing.T) {
	t.Run("http address required without tailscale", func(t *testing.T) {
		path := writeConfig(t, `
database:
  path: "/tmp/hub.db"
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.http_addr is required")
	})

	t.Run("tailscale requires a hostname", func(t *testing.T) {
		path := writeConfig(t, `
tailscale:
  enabled: true
database:
  path: "/tmp/hub.db"
`)
		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tailscale.hostname is required")
	})

	t.Run("tailscale stands in for the http address", func(t *testing.T) {
		path := writeConfig(t, `
tailscale:
  enabled: true
  hostname: "roost-hub"
database:
  path: "/tmp/hub.db"
`)
		cfg, err := Load(path)
		require.NoError(t, err)
		assert.True(t, cfg.Tailscale.Enabled)
	})
}

func TestLoadBadDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "localhost:8080"
database:
  path: "/tmp/hub.db"
nodes:
  call_timeout: "soon"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing call_timeout")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
