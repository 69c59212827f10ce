// Package config loads and validates the daemon's configuration: trace
// socket path, query socket path, temp-directory root, and logging
// (level, format, output file), plus nothing else — the daemon has no
// other externally tunable surface.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultTraceSocketPath is the producer-facing socket path.
const DefaultTraceSocketPath = "/tmp/ktrace.sock"

// DefaultQuerySocketPath is the client-facing socket path.
const DefaultQuerySocketPath = "/tmp/ktrace-query.sock"

// Config holds all ktraced configuration.
type Config struct {
	// Sockets holds the two listening socket paths.
	Sockets SocketConfig `json:"sockets"`

	// TmpDir is the root directory for per-vCPU trace-log temp files.
	// Empty means the platform default (os.TempDir).
	TmpDir string `json:"tmp_dir"`

	// Logging configures the daemon's logger.
	Logging LoggingConfig `json:"logging"`
}

// SocketConfig holds the two Unix domain socket paths the daemon listens on.
type SocketConfig struct {
	TracePath string `json:"trace_path"`
	QueryPath string `json:"query_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Sockets: SocketConfig{
			TracePath: DefaultTraceSocketPath,
			QueryPath: DefaultQuerySocketPath,
		},
		TmpDir: "",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File:   "",
		},
	}
}

// LoadConfig loads configuration from file (if configPath is non-empty
// and exists) with environment variable overrides applied on top, then
// validates the result.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.applyEnvironmentOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	return json.Unmarshal(data, c)
}

func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("KTRACED_TRACE_SOCK"); val != "" {
		c.Sockets.TracePath = val
	}
	if val := os.Getenv("KTRACED_QUERY_SOCK"); val != "" {
		c.Sockets.QueryPath = val
	}
	if val := os.Getenv("KTRACED_TMPDIR"); val != "" {
		c.TmpDir = val
	}
	if val := os.Getenv("KTRACED_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("KTRACED_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}
	if val := os.Getenv("KTRACED_LOG_FILE"); val != "" {
		c.Logging.File = val
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Sockets.TracePath == "" {
		return fmt.Errorf("trace socket path cannot be empty")
	}
	if c.Sockets.QueryPath == "" {
		return fmt.Errorf("query socket path cannot be empty")
	}
	if c.Sockets.TracePath == c.Sockets.QueryPath {
		return fmt.Errorf("trace and query socket paths must differ")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.TmpDir != "" {
		info, err := os.Stat(c.TmpDir)
		if err != nil {
			return fmt.Errorf("tmp dir %q: %w", c.TmpDir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("tmp dir %q is not a directory", c.TmpDir)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a JSON file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
