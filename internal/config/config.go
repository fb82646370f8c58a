// Package config defines the orchestrator's YAML configuration: model
// adapter selection, checkpoint storage, guidance paths, tool settings, and
// logging. Environment variables in the file are expanded before parsing,
// so credentials stay out of config files.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Logging     LoggingConfig     `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Adapter     AdapterConfig     `yaml:"adapter"`
	Guidance    GuidanceConfig    `yaml:"guidance"`
	Tools       ToolsConfig       `yaml:"tools"`
	Session     SessionConfig     `yaml:"session"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// StorageConfig selects the checkpoint store backend.
type StorageConfig struct {
	// Driver is "memory", "file", or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the directory (file driver) or database file (sqlite driver).
	Path string `yaml:"path"`
}

// AdapterConfig selects and parameterizes the model backend.
type AdapterConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// APIKey authenticates against the provider. Usually set via
	// ${ANTHROPIC_API_KEY} or ${OPENAI_API_KEY} expansion.
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	MaxTokens  int           `yaml:"max_tokens"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`

	// ThinkingBudget enables extended thinking on providers that support
	// it.
	ThinkingBudget int `yaml:"thinking_budget"`
}

// GuidanceConfig points at the default guidance bundle and shared skills.
type GuidanceConfig struct {
	Path       string `yaml:"path"`
	SkillsPath string `yaml:"skills_path"`
}

// ToolsConfig parameterizes built-in tools.
type ToolsConfig struct {
	Shell ShellToolConfig `yaml:"shell"`
}

// ShellToolConfig parameterizes the shell tool.
type ShellToolConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Workspace       string        `yaml:"workspace"`
	RequireApproval bool          `yaml:"require_approval"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxOutput       int           `yaml:"max_output"`
}

// SessionConfig sets default per-session limits.
type SessionConfig struct {
	MaxTurns     int           `yaml:"max_turns"`
	MaxToolCalls int           `yaml:"max_tool_calls"`
	Timeout      time.Duration `yaml:"timeout"`
}

// CoordinatorConfig parameterizes the coordinator.
type CoordinatorConfig struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Timezone        string        `yaml:"timezone"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Storage: StorageConfig{Driver: "memory"},
		Adapter: AdapterConfig{Provider: "anthropic"},
		Tools: ToolsConfig{
			Shell: ShellToolConfig{Enabled: true},
		},
		Coordinator: CoordinatorConfig{ShutdownTimeout: 30 * time.Second},
	}
}

// applyDefaults fills unset fields with the defaults.
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Adapter.Provider == "" {
		c.Adapter.Provider = "anthropic"
	}
	if c.Coordinator.ShutdownTimeout <= 0 {
		c.Coordinator.ShutdownTimeout = 30 * time.Second
	}
}

// Validate rejects configurations that cannot be acted on.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "file", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage driver %q requires storage.path", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}

	switch c.Adapter.Provider {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown adapter provider %q", c.Adapter.Provider)
	}

	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown logging format %q", c.Logging.Format)
	}
	return nil
}
