// Package main provides the contentgen binary entry point.
// Contentgen generates text, structured JSON and images through an ordered
// chain of LLM providers, recovering malformed JSON along the way.
package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/c360studio/contentgen/config"
	"github.com/c360studio/contentgen/generation"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "contentgen"
)

// exitError carries a process exit code without printing anything further.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	os.Exit(execute(rootCmd(), os.Args[1:], os.Stderr))
}

// execute runs cmd with args and maps its error to an exit code.
func execute(cmd *cobra.Command, args []string, stderr io.Writer) int {
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err == nil {
		return 0
	}

	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	noDotEnv   bool
}

func rootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Resilient multi-provider content generation",
		Long: `Contentgen sends generation requests through an ordered chain of LLM
providers. Transient failures are retried with backoff, rate limits and
auth failures fall through to the next provider, and structured output is
run through a JSON recovery cascade before it is rejected.

Configuration is read from ~/.config/contentgen/config.yaml, then the
nearest contentgen.yaml, then CONTENTGEN_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !opts.noDotEnv {
				// Credentials only; a missing .env is normal.
				_ = godotenv.Load()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file path (YAML); skips user and project config")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	cmd.PersistentFlags().BoolVar(&opts.noDotEnv, "no-dotenv", false, "Do not load .env from the working directory")

	cmd.AddCommand(
		generateCmd(opts),
		batchCmd(opts),
		recoverCmd(),
		resultsCmd(opts),
		configCmd(opts),
		versionCmd(),
	)

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	}
}

// loadConfig loads the layered config (or the --config file) and applies the
// logging flags on top. It returns the logger the rest of the command uses.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, *slog.Logger, error) {
	bootstrap, err := newLogger(cmd.ErrOrStderr(), flagOr(opts.logLevel, "warn"), flagOr(opts.logFormat, "text"))
	if err != nil {
		return nil, nil, err
	}

	loader := config.NewLoader(bootstrap)
	var cfg *config.Config
	if opts.configPath != "" {
		cfg, err = loader.LoadFile(opts.configPath)
	} else {
		cfg, err = loader.Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}

	logger, err := newLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// newGenerator loads config and builds a Generator from it.
func newGenerator(cmd *cobra.Command, opts *rootOptions) (*generation.Generator, *config.Config, *slog.Logger, error) {
	cfg, logger, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, nil, nil, err
	}

	gen, err := generation.FromConfig(cfg, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build generator: %w", err)
	}
	return gen, cfg, logger, nil
}

// watchRegistry hot-reloads gen's registry from the --config file, or the
// project config when no file was given.
func watchRegistry(cmd *cobra.Command, opts *rootOptions, gen *generation.Generator, logger *slog.Logger) (func(), error) {
	path := opts.configPath
	if path == "" {
		path = config.NewLoader(logger).FindProjectConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("--watch needs --config or a %s in the working tree", config.ProjectConfigFile)
	}

	w, err := config.NewWatcher(path, gen.Registry(), config.WithWatchLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("watch config: %w", err)
	}
	if err := w.Start(cmd.Context()); err != nil {
		_ = w.Stop()
		return nil, err
	}
	return func() {
		if err := w.Stop(); err != nil {
			logger.Warn("Failed to stop config watcher", "error", err)
		}
	}, nil
}

func flagOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
