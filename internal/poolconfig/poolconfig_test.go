package poolconfig

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasDistilledDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "mcp-", cfg.Pool.SocketPrefix)
	assert.Equal(t, "30s", cfg.Pool.KeepaliveInterval)
	assert.Equal(t, "60s", cfg.Pool.IdleClientTimeout)
	assert.Equal(t, "10s", cfg.Pool.HealthCheckInterval)
	assert.Equal(t, 6, cfg.Pool.CleanupIntervalCycles)
	assert.Equal(t, 19000, cfg.Pool.RelayPortStart)
	assert.Equal(t, 19999, cfg.Pool.RelayPortEnd)
}

func TestDurationFallsBackOnEmptyOrInvalid(t *testing.T) {
	assert.Equal(t, 5*time.Second, Duration("", 5*time.Second))
	assert.Equal(t, 5*time.Second, Duration("not-a-duration", 5*time.Second))
	assert.Equal(t, 90*time.Second, Duration("90s", 5*time.Second))
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Pool.SocketPrefix, cfg.Pool.SocketPrefix)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.toml")
	cfg := Default()
	cfg.Pool.MaxClientsPerMCP = 7
	cfg.MCPs["context7"] = MCPOverride{Command: "npx", Args: []string{"-y", "context7"}}

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Pool.MaxClientsPerMCP)
	require.Contains(t, loaded.MCPs, "context7")
	assert.Equal(t, "npx", loaded.MCPs["context7"].Command)
}

func TestGetRelayEnabledDefaultsFalse(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.Pool.GetRelayEnabled())

	enabled := true
	cfg.Pool.RelayEnabled = &enabled
	assert.True(t, cfg.Pool.GetRelayEnabled())
}
