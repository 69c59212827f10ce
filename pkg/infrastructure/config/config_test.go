package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, DefaultTraceSocketPath, cfg.Sockets.TracePath)
	assert.Equal(t, DefaultQuerySocketPath, cfg.Sockets.QueryPath)
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsSameSocketPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sockets.QueryPath = cfg.Sockets.TracePath
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLevelOrFormat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("KTRACED_TRACE_SOCK", "/tmp/test-trace.sock")
	t.Setenv("KTRACED_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.applyEnvironmentOverrides()

	assert.Equal(t, "/tmp/test-trace.sock", cfg.Sockets.TracePath)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfigFileOperations(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Sockets.TracePath = "/tmp/custom-trace.sock"
	require.NoError(t, cfg.SaveToFile(configPath))

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-trace.sock", loaded.Sockets.TracePath)
}

func TestLoadNonexistentConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(os.TempDir(), "does-not-exist-ktraced.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultTraceSocketPath, cfg.Sockets.TracePath)
}
