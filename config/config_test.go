package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/contentgen/llm"
	"github.com/c360studio/contentgen/model"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Generation.CallTimeout != llm.DefaultCallTimeout {
		t.Errorf("expected default call timeout %v, got %v", llm.DefaultCallTimeout, cfg.Generation.CallTimeout)
	}
	if cfg.Generation.Retry.MaxRetries != 2 {
		t.Errorf("expected 2 retries by default, got %d", cfg.Generation.Retry.MaxRetries)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default level info, got %s", cfg.Logging.Level)
	}
	if cfg.Registry == nil || cfg.Registry.Endpoints["gpt-4o"] == nil {
		t.Fatal("expected default registry with gpt-4o endpoint")
	}
	if cfg.Sinks.NATS.URL != "" {
		t.Error("expected NATS sink disabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.Generation.Retry.MaxRetries = -1 },
			wantErr: "max_retries",
		},
		{
			name:    "negative delay",
			modify:  func(c *Config) { c.Generation.Retry.InitialDelay = -time.Second },
			wantErr: "delays",
		},
		{
			name:    "shrinking backoff",
			modify:  func(c *Config) { c.Generation.Retry.Multiplier = 0.5 },
			wantErr: "multiplier",
		},
		{
			name: "multiplier ignored without retries",
			modify: func(c *Config) {
				c.Generation.Retry.MaxRetries = 0
				c.Generation.Retry.Multiplier = 0
			},
		},
		{
			name:    "zero call timeout",
			modify:  func(c *Config) { c.Generation.CallTimeout = 0 },
			wantErr: "call_timeout",
		},
		{
			name:    "zero concurrency",
			modify:  func(c *Config) { c.Generation.Concurrency = 0 },
			wantErr: "concurrency",
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "results bucket without nats",
			modify:  func(c *Config) { c.Sinks.NATS.ResultsBucket = "RESULTS" },
			wantErr: "results_bucket requires",
		},
		{
			name: "results bucket with nats",
			modify: func(c *Config) {
				c.Sinks.NATS.URL = "nats://localhost:4222"
				c.Sinks.NATS.ResultsBucket = "RESULTS"
				c.Sinks.NATS.ResultsTTL = 24 * time.Hour
			},
		},
		{
			name:    "negative results ttl",
			modify:  func(c *Config) { c.Sinks.NATS.ResultsTTL = -time.Hour },
			wantErr: "results_ttl",
		},
		{
			name:    "missing registry",
			modify:  func(c *Config) { c.Registry = nil },
			wantErr: "registry is required",
		},
		{
			name: "registry references unknown endpoint",
			modify: func(c *Config) {
				c.Registry.Capabilities["text"].Fallback = []string{"nope"}
			},
			wantErr: `"nope"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
generation:
  call_timeout: 45s
  concurrency: 8
  retry:
    max_retries: 3
    initial_delay: 500ms
    jitter: true
registry:
  endpoints:
    local-qwen:
      provider: ollama
      url: http://gpu:11434/v1
      model: qwen2.5
  capabilities:
    fast:
      preferred: [local-qwen]
logging:
  level: debug
  format: json
sinks:
  nats:
    url: nats://test:4222
    org: acme
  metrics:
    enabled: true
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Generation.CallTimeout != 45*time.Second {
		t.Errorf("expected call timeout 45s, got %v", cfg.Generation.CallTimeout)
	}
	if cfg.Generation.Concurrency != 8 {
		t.Errorf("expected concurrency 8, got %d", cfg.Generation.Concurrency)
	}
	if cfg.Generation.Retry.MaxRetries != 3 || cfg.Generation.Retry.InitialDelay != 500*time.Millisecond {
		t.Errorf("unexpected retry config %+v", cfg.Generation.Retry)
	}
	// Unset fields keep their defaults
	if cfg.Generation.Retry.Multiplier != 2.0 {
		t.Errorf("expected default multiplier kept, got %f", cfg.Generation.Retry.Multiplier)
	}
	if !cfg.Generation.Retry.Jitter {
		t.Error("expected jitter enabled")
	}
	if ep := cfg.Registry.Endpoints["local-qwen"]; ep == nil || ep.URL != "http://gpu:11434/v1" {
		t.Errorf("expected local-qwen endpoint, got %+v", ep)
	}
	// Default endpoints survive alongside the new one
	if cfg.Registry.Endpoints["gpt-4o"] == nil {
		t.Error("expected default gpt-4o endpoint to remain")
	}
	if got := cfg.Registry.Capabilities["fast"].Preferred; len(got) != 1 || got[0] != "local-qwen" {
		t.Errorf("expected fast capability to prefer local-qwen, got %v", got)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "debug" {
		t.Errorf("unexpected logging config %+v", cfg.Logging)
	}
	if cfg.Sinks.NATS.URL != "nats://test:4222" || cfg.Sinks.NATS.Org != "acme" {
		t.Errorf("unexpected NATS config %+v", cfg.Sinks.NATS)
	}
	if !cfg.Sinks.Metrics.Enabled {
		t.Error("expected metrics enabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tmpDir := t.TempDir()

	if _, err := LoadFromFile(filepath.Join(tmpDir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(tmpDir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("generation: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Generation: GenerationConfig{
			CallTimeout: 10 * time.Second,
			Retry:       llm.RetryConfig{MaxDelay: 5 * time.Second},
		},
		Registry: &model.RegistryConfig{
			Endpoints: map[string]*model.EndpointConfig{
				"gpt-4o": {Provider: "openai", Model: "gpt-4o-2024-11-20"},
			},
		},
		Logging: LoggingConfig{Format: "json"},
		Sinks:   SinksConfig{Quiet: true, NATS: NATSConfig{URL: "nats://override:4222"}},
	}

	base.Merge(override)

	if base.Generation.CallTimeout != 10*time.Second {
		t.Errorf("expected call timeout 10s, got %v", base.Generation.CallTimeout)
	}
	if base.Generation.Retry.MaxDelay != 5*time.Second {
		t.Errorf("expected max delay 5s, got %v", base.Generation.Retry.MaxDelay)
	}
	// Retries should remain from base since override didn't set them
	if base.Generation.Retry.MaxRetries != 2 {
		t.Errorf("expected retries to remain default, got %d", base.Generation.Retry.MaxRetries)
	}
	if base.Registry.Endpoints["gpt-4o"].Model != "gpt-4o-2024-11-20" {
		t.Errorf("expected gpt-4o endpoint overridden, got %s", base.Registry.Endpoints["gpt-4o"].Model)
	}
	if base.Registry.Endpoints["claude-sonnet"] == nil {
		t.Error("expected other endpoints to remain")
	}
	if base.Logging.Format != "json" || base.Logging.Level != "info" {
		t.Errorf("unexpected logging after merge %+v", base.Logging)
	}
	if !base.Sinks.Quiet {
		t.Error("expected quiet sink")
	}
	if base.Sinks.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL override, got %s", base.Sinks.NATS.URL)
	}

	// nil is a no-op
	base.Merge(nil)
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Generation.CallTimeout = 90 * time.Second
	cfg.Registry.Endpoints["saved"] = &model.EndpointConfig{Provider: "anthropic", Model: "claude-saved"}

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Generation.CallTimeout != 90*time.Second {
		t.Errorf("expected call timeout 90s, got %v", loaded.Generation.CallTimeout)
	}
	if ep := loaded.Registry.Endpoints["saved"]; ep == nil || ep.Model != "claude-saved" {
		t.Errorf("expected saved endpoint, got %+v", ep)
	}
}
