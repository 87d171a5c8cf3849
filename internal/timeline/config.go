package timeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StoreBackend selects the Store implementation a deployment runs with.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendJSONL  StoreBackend = "jsonl"
)

// Config is the top-level configuration for a timelined deployment,
// grounded on the teacher's layered config.Config: one struct per
// concern, yaml tags throughout; LoadConfig starts from DefaultConfig and
// decodes the YAML over it, so keys the file omits keep their defaults.
type Config struct {
	Store      StoreConfig      `yaml:"store"`
	HTTP       HTTPConfig       `yaml:"http"`
	Debounce   DebounceConfig   `yaml:"debounce"`
	Pagination PaginationConfig `yaml:"pagination"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// StoreConfig selects and configures the Timeline Store backend.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`
	Root    string       `yaml:"root"`
}

// HTTPConfig configures the Timeline read-path HTTP server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// DebounceConfig configures the tool-execution and permission-request
// circuit breakers (spec §4.4.2 / §4.4.3). The spec's constants (1000ms
// window, 5000ms tool-update cleanup, 2000ms permission cleanup) become
// defaults here, not hardcoded values, per the design notes.
type DebounceConfig struct {
	ToolUpdateWindowMs  int `yaml:"tool_update_window_ms"`
	ToolUpdateCleanupMs int `yaml:"tool_update_cleanup_ms"`
	PermissionWindowMs  int `yaml:"permission_window_ms"`
	PermissionCleanupMs int `yaml:"permission_cleanup_ms"`
}

// PaginationConfig holds page-size settings loaded from YAML. Nothing reads
// them: GetTimelineItems uses a default limit of 50 and applies no upper
// bound to an explicit limit.
type PaginationConfig struct {
	DefaultLimit int `yaml:"default_limit"`
	MaxLimit     int `yaml:"max_limit"`
}

// LoggingConfig holds log settings loaded from YAML. The timelined command
// does not read them: it always logs JSON to stderr, at info level, or
// debug level with --debug.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// DefaultConfig returns the spec's defaults: in-memory store, the
// documented debounce windows/TTLs, pagination values of 50 (default) and
// 500 (max), and json-formatted info logging.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{Backend: StoreBackendMemory},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Debounce: DebounceConfig{
			ToolUpdateWindowMs:  1000,
			ToolUpdateCleanupMs: 5000,
			PermissionWindowMs:  1000,
			PermissionCleanupMs: 2000,
		},
		Pagination: PaginationConfig{DefaultLimit: 50, MaxLimit: 500},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig reads path (env-variable-expanded YAML), applies it over
// DefaultConfig, and returns the merged result. A path of "" returns the
// defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ToolUpdateWindow returns the configured tool-update debounce window.
func (c DebounceConfig) ToolUpdateWindow() time.Duration {
	return time.Duration(c.ToolUpdateWindowMs) * time.Millisecond
}

// ToolUpdateCleanup returns the configured tool-update debounce cleanup TTL.
func (c DebounceConfig) ToolUpdateCleanup() time.Duration {
	return time.Duration(c.ToolUpdateCleanupMs) * time.Millisecond
}

// PermissionWindow returns the configured permission debounce window.
func (c DebounceConfig) PermissionWindow() time.Duration {
	return time.Duration(c.PermissionWindowMs) * time.Millisecond
}

// PermissionCleanup returns the configured permission debounce cleanup TTL.
func (c DebounceConfig) PermissionCleanup() time.Duration {
	return time.Duration(c.PermissionCleanupMs) * time.Millisecond
}
