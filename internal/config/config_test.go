package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strand.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: text
storage:
  driver: sqlite
  path: /tmp/strand.db
adapter:
  provider: openai
  api_key: sk-test
  model: gpt-4o
  retry_delay: 2s
guidance:
  path: /etc/strand/guidance
tools:
  shell:
    enabled: true
    workspace: /srv/work
    require_approval: true
session:
  max_turns: 12
coordinator:
  shutdown_timeout: 45s
  timezone: America/New_York
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.Path != "/tmp/strand.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Adapter.Provider != "openai" || cfg.Adapter.RetryDelay != 2*time.Second {
		t.Errorf("adapter = %+v", cfg.Adapter)
	}
	if !cfg.Tools.Shell.RequireApproval || cfg.Tools.Shell.Workspace != "/srv/work" {
		t.Errorf("shell tool = %+v", cfg.Tools.Shell)
	}
	if cfg.Session.MaxTurns != 12 {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Coordinator.ShutdownTimeout != 45*time.Second {
		t.Errorf("coordinator = %+v", cfg.Coordinator)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "adapter:\n  provider: anthropic\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("storage driver = %q, want memory", cfg.Storage.Driver)
	}
	if cfg.Coordinator.ShutdownTimeout != 30*time.Second {
		t.Errorf("shutdown timeout = %v, want 30s", cfg.Coordinator.ShutdownTimeout)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("STRAND_TEST_KEY", "sk-from-env")
	path := writeConfig(t, "adapter:\n  api_key: ${STRAND_TEST_KEY}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Adapter.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, want expanded env value", cfg.Adapter.APIKey)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "loging:\n  level: debug\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		yaml   string
		substr string
	}{
		{"bad driver", "storage:\n  driver: redis\n", "storage driver"},
		{"file driver needs path", "storage:\n  driver: file\n", "storage.path"},
		{"bad provider", "adapter:\n  provider: cohere\n", "provider"},
		{"bad format", "logging:\n  format: xml\n", "logging format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.substr) {
				t.Errorf("error = %q, want mention of %q", err, tc.substr)
			}
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.Adapter.Provider != "anthropic" {
		t.Errorf("default provider = %q, want anthropic", cfg.Adapter.Provider)
	}
	if !cfg.Tools.Shell.Enabled {
		t.Error("shell tool should be enabled by default")
	}
}

func TestParseEmptyDocument(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Errorf("empty config driver = %q, want memory", cfg.Storage.Driver)
	}
}
