package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
app:
  database_path: grid_engine.db
  vault_path: vault.yaml
venue:
  live_rest_url: https://api.binance.com
  live_stream_url: wss://stream.binance.com:9443
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Venue.RequestTimeout)
	assert.Equal(t, 5000, cfg.Venue.RecvWindow)
	assert.Equal(t, 30, cfg.Proxies.CooldownInitial)
	assert.Equal(t, 300, cfg.Proxies.CooldownMax)
	assert.Equal(t, 60, cfg.Timing.ReconcileInterval)
	assert.Equal(t, 30, cfg.Timing.ShutdownGrace)
	assert.Equal(t, "1h", cfg.Oracle.KlineInterval)
	assert.Equal(t, 11, cfg.Oracle.FallbackLevels)
	assert.Equal(t, 8, cfg.Concurrency.IngestPoolSize)
	assert.Equal(t, "INFO", cfg.System.LogLevel)
}

func TestLoadConfigExpandsEnvVars(t *testing.T) {
	t.Setenv("GRID_DB_PATH", "/var/lib/grid/grid.db")

	cfg, err := LoadConfig(writeConfig(t, `
app:
  database_path: ${GRID_DB_PATH}
  vault_path: vault.yaml
venue:
  live_rest_url: https://api.binance.com
  live_stream_url: wss://stream.binance.com:9443
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/grid/grid.db", cfg.App.DatabasePath)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "app: [not a mapping"))
	assert.Error(t, err)
}

func TestValidateRejectsMissingPaths(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
venue:
  live_rest_url: https://api.binance.com
  live_stream_url: wss://stream.binance.com:9443
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.database_path")
}

func TestValidateRejectsBadRecvWindow(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
  recv_window: 100
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venue.recv_window")
}

func TestValidateRejectsBadKlineInterval(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
oracle:
  kline_interval: 7m
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle.kline_interval")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, minimalConfig+`
system:
  log_level: LOUD
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system.log_level")
}

func TestVenueURLSelection(t *testing.T) {
	v := VenueConfig{
		LiveRESTURL:   "https://live",
		LiveStreamURL: "wss://live",
		TestRESTURL:   "https://test",
		TestStreamURL: "wss://test",
	}
	assert.Equal(t, "https://live", v.RESTBaseURL(false))
	assert.Equal(t, "https://test", v.RESTBaseURL(true))
	assert.Equal(t, "wss://live", v.StreamBaseURL(false))
	assert.Equal(t, "wss://test", v.StreamBaseURL(true))

	// Test mode without configured test endpoints falls back to live.
	v.TestRESTURL = ""
	v.TestStreamURL = ""
	assert.Equal(t, "https://live", v.RESTBaseURL(true))
	assert.Equal(t, "wss://live", v.StreamBaseURL(true))
}

func TestDefaultConfigValidates(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}
