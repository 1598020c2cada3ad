// Package config provides configuration loading and management for contentgen.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/contentgen/llm"
	"github.com/c360studio/contentgen/model"
)

// Config represents the complete contentgen configuration
type Config struct {
	Generation GenerationConfig      `yaml:"generation"`
	Registry   *model.RegistryConfig `yaml:"registry,omitempty"`
	Logging    LoggingConfig         `yaml:"logging"`
	Sinks      SinksConfig           `yaml:"sinks"`
}

// GenerationConfig configures retry, timeouts and batch concurrency
type GenerationConfig struct {
	// Retry is the per-provider retry policy
	Retry llm.RetryConfig `yaml:"retry"`
	// CallTimeout bounds a single provider call
	CallTimeout time.Duration `yaml:"call_timeout"`
	// Concurrency is the default parallelism for batch generation
	Concurrency int `yaml:"concurrency"`
}

// LoggingConfig configures the slog handler
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level"`
	// Format is text (colorized) or json
	Format string `yaml:"format"`
}

// SinksConfig configures where attempt records go
type SinksConfig struct {
	// Quiet stops attempt records from being written to the logger
	Quiet bool `yaml:"quiet"`
	// AsyncBuffer is the queue size in front of remote sinks
	AsyncBuffer int `yaml:"async_buffer"`
	// NATS publishes attempt records
	NATS NATSConfig `yaml:"nats"`
	// Metrics exports Prometheus counters and histograms
	Metrics MetricsConfig `yaml:"metrics"`
}

// NATSConfig configures the NATS attempt sink
type NATSConfig struct {
	// URL is the NATS server URL (empty = disabled)
	URL string `yaml:"url"`
	// Org and Project scope entity IDs
	Org     string `yaml:"org"`
	Project string `yaml:"project"`
	// SubjectPrefix overrides the default subject prefix
	SubjectPrefix string `yaml:"subject_prefix"`
	// ResultsBucket archives every result in this KV bucket (empty = disabled)
	ResultsBucket string `yaml:"results_bucket"`
	// ResultsTTL expires archived results (0 = keep)
	ResultsTTL time.Duration `yaml:"results_ttl"`
}

// MetricsConfig configures the Prometheus attempt sink
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Log levels and formats accepted by Validate.
var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validFormats = map[string]bool{"text": true, "json": true}
)

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Generation: GenerationConfig{
			Retry:       llm.DefaultRetryConfig(),
			CallTimeout: llm.DefaultCallTimeout,
			Concurrency: 4,
		},
		Registry: model.NewDefaultRegistry().ToConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Sinks: SinksConfig{
			AsyncBuffer: llm.DefaultAsyncBuffer,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	retry := c.Generation.Retry
	if retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("generation.retry.max_retries must not be negative"))
	}
	if retry.InitialDelay < 0 || retry.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("generation.retry delays must not be negative"))
	}
	if retry.MaxRetries > 0 && retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("generation.retry.multiplier must be at least 1"))
	}
	if c.Generation.CallTimeout <= 0 {
		errs = append(errs, fmt.Errorf("generation.call_timeout must be positive"))
	}
	if c.Generation.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("generation.concurrency must be at least 1"))
	}

	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level))
	}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Errorf("logging.format %q must be text or json", c.Logging.Format))
	}
	if c.Sinks.AsyncBuffer < 0 {
		errs = append(errs, fmt.Errorf("sinks.async_buffer must not be negative"))
	}
	if c.Sinks.NATS.ResultsBucket != "" && c.Sinks.NATS.URL == "" {
		errs = append(errs, fmt.Errorf("sinks.nats.results_bucket requires sinks.nats.url"))
	}
	if c.Sinks.NATS.ResultsTTL < 0 {
		errs = append(errs, fmt.Errorf("sinks.nats.results_ttl must not be negative"))
	}

	if c.Registry == nil {
		errs = append(errs, fmt.Errorf("registry is required"))
	} else if err := model.FromConfig(c.Registry).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML over the defaults.
func Parse(data []byte) (*Config, error) {
	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// parseLayer decodes YAML over an empty config, so Merge only sees what the file sets.
func parseLayer(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Generation
	mergeRetry(&c.Generation.Retry, other.Generation.Retry)
	if other.Generation.CallTimeout != 0 {
		c.Generation.CallTimeout = other.Generation.CallTimeout
	}
	if other.Generation.Concurrency != 0 {
		c.Generation.Concurrency = other.Generation.Concurrency
	}

	// Registry: entries merge by name
	if other.Registry != nil {
		if c.Registry == nil {
			c.Registry = &model.RegistryConfig{}
		}
		mergeRegistry(c.Registry, other.Registry)
	}

	// Logging
	if other.Logging.Level != "" {
		c.Logging.Level = other.Logging.Level
	}
	if other.Logging.Format != "" {
		c.Logging.Format = other.Logging.Format
	}

	// Sinks
	if other.Sinks.Quiet {
		c.Sinks.Quiet = true
	}
	if other.Sinks.AsyncBuffer != 0 {
		c.Sinks.AsyncBuffer = other.Sinks.AsyncBuffer
	}
	if other.Sinks.NATS.URL != "" {
		c.Sinks.NATS.URL = other.Sinks.NATS.URL
	}
	if other.Sinks.NATS.Org != "" {
		c.Sinks.NATS.Org = other.Sinks.NATS.Org
	}
	if other.Sinks.NATS.Project != "" {
		c.Sinks.NATS.Project = other.Sinks.NATS.Project
	}
	if other.Sinks.NATS.SubjectPrefix != "" {
		c.Sinks.NATS.SubjectPrefix = other.Sinks.NATS.SubjectPrefix
	}
	if other.Sinks.NATS.ResultsBucket != "" {
		c.Sinks.NATS.ResultsBucket = other.Sinks.NATS.ResultsBucket
	}
	if other.Sinks.NATS.ResultsTTL != 0 {
		c.Sinks.NATS.ResultsTTL = other.Sinks.NATS.ResultsTTL
	}
	if other.Sinks.Metrics.Enabled {
		c.Sinks.Metrics.Enabled = true
	}
}

func mergeRetry(dst *llm.RetryConfig, src llm.RetryConfig) {
	if src.MaxRetries != 0 {
		dst.MaxRetries = src.MaxRetries
	}
	if src.InitialDelay != 0 {
		dst.InitialDelay = src.InitialDelay
	}
	if src.Multiplier != 0 {
		dst.Multiplier = src.Multiplier
	}
	if src.MaxDelay != 0 {
		dst.MaxDelay = src.MaxDelay
	}
	if src.Jitter {
		dst.Jitter = true
	}
}

func mergeRegistry(dst, src *model.RegistryConfig) {
	if len(src.Capabilities) > 0 && dst.Capabilities == nil {
		dst.Capabilities = make(map[string]*model.CapabilityConfig)
	}
	for k, v := range src.Capabilities {
		dst.Capabilities[k] = v
	}
	if len(src.Endpoints) > 0 && dst.Endpoints == nil {
		dst.Endpoints = make(map[string]*model.EndpointConfig)
	}
	for k, v := range src.Endpoints {
		dst.Endpoints[k] = v
	}
	if src.Defaults != nil {
		dst.Defaults = src.Defaults
	}
	if src.Health != nil {
		dst.Health = src.Health
	}
}
