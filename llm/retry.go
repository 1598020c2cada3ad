package llm

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig holds retry configuration for a single provider.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first call (0 = no retry).
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// InitialDelay is the first backoff duration.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// Multiplier is applied to the delay after each retry.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// MaxDelay caps a single backoff.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Jitter lengthens each delay by up to 25%. It never shortens one.
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// DefaultRetryConfig returns the defaults: at most 3 calls per provider,
// 1s then 2s of backoff.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy retries transient failures with exponential backoff.
// Every other failure kind is returned immediately so the orchestrator can
// fail over without burning the retry budget.
type RetryPolicy struct {
	config  RetryConfig
	sleep   SleepFunc
	onRetry func(retry int, err error, delay time.Duration)
	logger  *slog.Logger
}

// RetryOption configures a RetryPolicy.
type RetryOption func(*RetryPolicy)

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(fn SleepFunc) RetryOption {
	return func(p *RetryPolicy) {
		p.sleep = fn
	}
}

// WithOnRetry registers a hook called before each backoff sleep.
func WithOnRetry(fn func(retry int, err error, delay time.Duration)) RetryOption {
	return func(p *RetryPolicy) {
		p.onRetry = fn
	}
}

// WithRetryLogger sets the logger.
func WithRetryLogger(logger *slog.Logger) RetryOption {
	return func(p *RetryPolicy) {
		p.logger = logger
	}
}

// NewRetryPolicy creates a policy, normalizing out-of-range values.
func NewRetryPolicy(cfg RetryConfig, opts ...RetryOption) *RetryPolicy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = max(cfg.InitialDelay, 30*time.Second)
	}

	p := &RetryPolicy{
		config: cfg,
		sleep:  sleepContext,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the normalized configuration.
func (p *RetryPolicy) Config() RetryConfig {
	return p.config
}

// Execute calls fn until it succeeds, fails with a non-transient error, or
// the retry budget is spent. fn receives the zero-based retry index.
// Cancellation is checked before every call and every sleep.
func (p *RetryPolicy) Execute(ctx context.Context, fn func(ctx context.Context, retry int) error) error {
	delay := p.config.InitialDelay

	for retry := 0; ; retry++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, retry)
		if err == nil {
			return nil
		}

		kind := Classify(err)
		if !kind.Retryable() {
			return err
		}
		if retry >= p.config.MaxRetries {
			p.logger.Debug("Retry budget exhausted",
				"retries", retry,
				"error", err)
			return err
		}

		// Don't start a sleep for a request nobody is waiting on.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		wait := p.withJitter(delay)
		p.logger.Debug("Transient failure, retrying",
			"retry", retry+1,
			"max_retries", p.config.MaxRetries,
			"backoff", wait,
			"error", err)
		if p.onRetry != nil {
			p.onRetry(retry+1, err, wait)
		}

		if sleepErr := p.sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}

		delay = time.Duration(float64(delay) * p.config.Multiplier)
		if delay > p.config.MaxDelay {
			delay = p.config.MaxDelay
		}
	}
}

func (p *RetryPolicy) withJitter(d time.Duration) time.Duration {
	if !p.config.Jitter {
		return d
	}
	return d + time.Duration(float64(d)*0.25*rand.Float64())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
