package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "contentgen.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/contentgen"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// DotEnvFile holds local overrides and credentials, read next to the project config
	DotEnvFile = ".env"
	// EnvPrefix prefixes every environment override
	EnvPrefix = "CONTENTGEN_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger    *slog.Logger
	homeDir   string
	workDir   string
	lookupEnv func(string) (string, bool)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHomeDir overrides the directory the user config is read from.
func WithHomeDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.homeDir = dir
	}
}

// WithWorkDir overrides the directory the project config search starts in.
func WithWorkDir(dir string) LoaderOption {
	return func(l *Loader) {
		l.workDir = dir
	}
}

// WithLookupEnv overrides the environment lookup (os.LookupEnv by default).
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookupEnv = fn
	}
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger, opts ...LoaderOption) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loader{logger: logger, lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(l)
	}
	if l.homeDir == "" {
		l.homeDir, _ = os.UserHomeDir()
	}
	if l.workDir == "" {
		l.workDir, _ = os.Getwd()
	}
	return l
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/contentgen/config.yaml)
// 3. Project config (contentgen.yaml in current or parent directories)
// 4. CONTENTGEN_* variables from .env next to the project config
// 5. CONTENTGEN_* environment variables
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	if userConfigPath := l.UserConfigPath(); userConfigPath != "" {
		if err := l.mergeFile(config, userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		} else if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := l.FindProjectConfig()
	if projectConfigPath != "" {
		if err := l.mergeFile(config, projectConfigPath); err != nil {
			return nil, fmt.Errorf("project config %s: %w", projectConfigPath, err)
		}
		l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
	} else {
		l.logger.Debug("No project config found")
	}

	return l.finish(config, l.dotEnvDir(projectConfigPath))
}

// LoadFile loads defaults, then the given file, then environment overrides.
// The user and project layers are skipped.
func (l *Loader) LoadFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := l.mergeFile(config, path); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	l.logger.Debug("Loaded config", slog.String("path", path))

	return l.finish(config, filepath.Dir(path))
}

func (l *Loader) finish(config *Config, dotEnvDir string) (*Config, error) {
	lookup := l.lookupEnv
	if dotEnvDir != "" {
		lookup = l.withDotEnv(filepath.Join(dotEnvDir, DotEnvFile))
	}
	if err := applyEnv(config, lookup); err != nil {
		return nil, err
	}

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (l *Loader) mergeFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	layer, err := parseLayer(data)
	if err != nil {
		return err
	}
	config.Merge(layer)
	return nil
}

// withDotEnv returns a lookup that prefers the process environment and falls
// back to values from a .env file.
func (l *Loader) withDotEnv(path string) func(string) (string, bool) {
	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("Failed to read .env", slog.String("path", path), slog.String("error", err.Error()))
		}
		return l.lookupEnv
	}
	l.logger.Debug("Loaded .env", slog.String("path", path))

	base := l.lookupEnv
	return func(key string) (string, bool) {
		if v, ok := base(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}
}

func (l *Loader) dotEnvDir(projectConfigPath string) string {
	if projectConfigPath != "" {
		return filepath.Dir(projectConfigPath)
	}
	return l.workDir
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.UserConfigPath()
	if userConfigPath == "" {
		return fmt.Errorf("cannot determine home directory")
	}

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// UserConfigPath returns the path to the user config file
func (l *Loader) UserConfigPath() string {
	if l.homeDir == "" {
		return ""
	}
	return filepath.Join(l.homeDir, UserConfigDir, UserConfigFile)
}

// FindProjectConfig searches for contentgen.yaml in the work directory and its parents
func (l *Loader) FindProjectConfig() string {
	if l.workDir == "" {
		return ""
	}

	dir := l.workDir
	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// applyEnv overlays CONTENTGEN_* variables.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var errs []error
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Logging.Format = strings.ToLower(v)
	}
	if v, ok := get("CALL_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCALL_TIMEOUT: %w", EnvPrefix, err))
		} else {
			c.Generation.CallTimeout = d
		}
	}
	if v, ok := get("MAX_RETRIES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMAX_RETRIES: %w", EnvPrefix, err))
		} else {
			c.Generation.Retry.MaxRetries = n
		}
	}
	if v, ok := get("CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sCONCURRENCY: %w", EnvPrefix, err))
		} else {
			c.Generation.Concurrency = n
		}
	}
	if v, ok := get("NATS_URL"); ok {
		c.Sinks.NATS.URL = v
	}
	if v, ok := get("RESULTS_BUCKET"); ok {
		c.Sinks.NATS.ResultsBucket = v
	}
	if v, ok := get("METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sMETRICS: %w", EnvPrefix, err))
		} else {
			c.Sinks.Metrics.Enabled = b
		}
	}
	return errors.Join(errs...)
}
