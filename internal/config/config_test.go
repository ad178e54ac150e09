package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "data/harvest.db", cfg.Store.Path)
	assert.Equal(t, "sqlite", cfg.Warehouse.Driver)
	assert.Equal(t, "data", cfg.Warehouse.DataDir)
	assert.Equal(t, "https://www.googleapis.com/webmasters/v3", cfg.SearchConsole.BaseURL)
	assert.Equal(t, "credentials", cfg.SearchConsole.CredentialsDir)
	assert.Equal(t, 16, cfg.SearchConsole.Months)
	assert.InDelta(t, 20.0, cfg.SearchConsole.MaxQPS, 0.001)
	assert.Equal(t, 10, cfg.Harvest.MaxWorkers)
	assert.InDelta(t, 3.0, cfg.Harvest.TargetRPS, 0.001)
	assert.Equal(t, 5, cfg.Harvest.MaxAttempts)
	assert.Equal(t, 20*time.Minute, cfg.Harvest.Cooldown)
	assert.Equal(t, 500*time.Millisecond, cfg.Harvest.EvalInterval)
	assert.Equal(t, time.Minute, cfg.Harvest.Window)
	assert.Equal(t, 50, cfg.Harvest.IndexThreshold)
	assert.Equal(t, 5, cfg.Harvest.Retry.MaxAttempts)
	assert.Equal(t, 1000, cfg.Harvest.Retry.InitialBackoffMs)
	assert.Equal(t, 10000, cfg.Harvest.Retry.MaxBackoffMs)
	assert.InDelta(t, 2.0, cfg.Harvest.Retry.Multiplier, 0.001)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "sa-harvest", cfg.Tracing.Service)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/harvest
harvest:
  max_workers: 4
  cooldown: 5m
  window: 30s
log:
  level: debug
  format: console
jobs:
  definitions: jobs.yaml
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/harvest", cfg.Store.DatabaseURL)
	assert.Equal(t, 4, cfg.Harvest.MaxWorkers)
	assert.Equal(t, 5*time.Minute, cfg.Harvest.Cooldown)
	assert.Equal(t, 30*time.Second, cfg.Harvest.Window)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "jobs.yaml", cfg.Jobs.Definitions)
	// Defaults still apply for unset values
	assert.InDelta(t, 3.0, cfg.Harvest.TargetRPS, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("HARVEST_STORE_DRIVER", "postgres")
	t.Setenv("HARVEST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("HARVEST_SERVER_PORT", "3000")
	t.Setenv("HARVEST_SEARCHCONSOLE_CLIENT_SECRET", "s3cret")
	t.Setenv("HARVEST_HARVEST_TARGET_RPS", "1.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "s3cret", cfg.SearchConsole.ClientSecret)
	assert.InDelta(t, 1.5, cfg.Harvest.TargetRPS, 0.001)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [oops"), 0o644))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config: read file")
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "harvest.db"
	cfg.Warehouse.Driver = "sqlite"
	cfg.Warehouse.DataDir = "data"
	cfg.SearchConsole.ClientID = "id"
	cfg.SearchConsole.ClientSecret = "secret"
	cfg.SearchConsole.CredentialsDir = "credentials"
	cfg.SearchConsole.Months = 16
	cfg.Harvest.MaxWorkers = 10
	cfg.Harvest.TargetRPS = 3
	cfg.Harvest.MaxAttempts = 5
	cfg.Harvest.Window = time.Minute
	cfg.Harvest.EvalInterval = 500 * time.Millisecond
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateHarvest_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("harvest"))
}

func TestValidateHarvest_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.SearchConsole.ClientID = ""
	cfg.SearchConsole.ClientSecret = ""
	cfg.Harvest.MaxWorkers = 0
	cfg.Harvest.TargetRPS = 0

	err := cfg.Validate("harvest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "searchconsole.client_id is required")
	assert.Contains(t, err.Error(), "searchconsole.client_secret is required")
	assert.Contains(t, err.Error(), "harvest.max_workers must be between 1 and 100")
	assert.Contains(t, err.Error(), "harvest.target_rps must be > 0")
}

func TestValidateStore_Drivers(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"
	err := cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/harvest"
	assert.NoError(t, cfg.Validate("store"))

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("store")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be sqlite or postgres")
}

func TestValidateWarehouse_FallsBackToStoreURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Warehouse.Driver = "postgres"
	err := cfg.Validate("harvest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "warehouse.database_url")

	cfg.Store.DatabaseURL = "postgres://localhost/main"
	assert.NoError(t, cfg.Validate("harvest"))
	assert.Equal(t, "postgres://localhost/main", cfg.WarehouseURL())

	cfg.Warehouse.DatabaseURL = "postgres://localhost/rows"
	assert.Equal(t, "postgres://localhost/rows", cfg.WarehouseURL())
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
