package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "experiments.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 0.05, cfg.Engine.SignificanceLevel, 1e-9)
	assert.InDelta(t, 0.001, cfg.Engine.SRMThreshold, 1e-9)
	assert.Equal(t, 72, cfg.Engine.GraceWindowHours)
	assert.InDelta(t, 0.8, cfg.Engine.DefaultPower, 1e-9)
	assert.InDelta(t, 500.0, cfg.Engine.IngestRateLimit, 1e-9)
	assert.Equal(t, 1000, cfg.Engine.IngestBurst)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/experiments
engine:
  significance_level: 0.01
  grace_window_hours: 24
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(".", "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/experiments", cfg.Store.DatabaseURL)
	assert.InDelta(t, 0.01, cfg.Engine.SignificanceLevel, 1e-9)
	assert.Equal(t, 24, cfg.Engine.GraceWindowHours)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Untouched keys keep their defaults.
	assert.InDelta(t, 0.001, cfg.Engine.SRMThreshold, 1e-9)
}

func TestLoadFromEnvironment(t *testing.T) {
	chdirTemp(t)
	t.Setenv("EXP_STORE_DRIVER", "memory")
	t.Setenv("EXP_ENGINE_GRACE_WINDOW_HOURS", "12")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 12, cfg.Engine.GraceWindowHours)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())

	err := InitLogger(LogConfig{Level: "not-a-level", Format: "json"})
	assert.Error(t, err)
}
