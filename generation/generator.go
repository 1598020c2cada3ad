// Package generation is the entry point content services call. It owns the
// provider clients, resolves each request to a fallback chain from the
// capability registry and runs it through the llm orchestrator.
package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360studio/contentgen/llm"
	"github.com/c360studio/contentgen/model"
)

// DefaultConcurrency is the batch parallelism when none is configured.
const DefaultConcurrency = 4

// ErrNoProviders is returned when a request resolves to no usable provider.
var ErrNoProviders = errors.New("no providers available for request")

// archiveTimeout bounds one ResultArchive.Save call.
const archiveTimeout = 5 * time.Second

// ResultArchive persists finished results. storage.Store implements it.
type ResultArchive interface {
	Save(ctx context.Context, res *llm.GenerationResult) error
}

// ProviderFactory builds a provider for a registry endpoint.
type ProviderFactory func(name string, ep *model.EndpointConfig) (llm.Provider, error)

// Config is everything a Generator needs. Nothing is read from globals.
type Config struct {
	// Registry maps capabilities to endpoint chains and tracks endpoint health.
	Registry *model.Registry

	// Providers are prebuilt clients keyed by endpoint name.
	Providers map[string]llm.Provider

	// Factory builds clients for endpoints missing from Providers, including
	// endpoints added by a registry reload. Optional.
	Factory ProviderFactory

	// Retry is the per-provider retry policy.
	Retry llm.RetryConfig

	// CallTimeout bounds one provider call. Zero uses llm.DefaultCallTimeout.
	CallTimeout time.Duration

	// Concurrency is the default GenerateBatch parallelism.
	Concurrency int

	// Sink receives attempt records. Nil discards them.
	Sink llm.AttemptSink

	// Archive receives every finished result. Optional.
	Archive ResultArchive

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Sleeper replaces the backoff sleep. Tests only.
	Sleeper llm.SleepFunc
}

// builtProvider remembers which endpoint config a factory-built client came from.
type builtProvider struct {
	endpoint *model.EndpointConfig
	provider llm.Provider
}

// Generator runs generation requests. It is safe for concurrent use.
type Generator struct {
	registry    *model.Registry
	static      map[string]llm.Provider
	factory     ProviderFactory
	orch        *llm.Orchestrator
	sink        llm.AttemptSink
	archive     ResultArchive
	concurrency int
	logger      *slog.Logger

	mu      sync.Mutex
	built   map[string]builtProvider
	closers []io.Closer
	closed  bool
}

// New creates a Generator. Missing configuration is reported here rather
// than on the first request.
func New(cfg Config) (*Generator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if len(cfg.Providers) == 0 && cfg.Factory == nil {
		return nil, fmt.Errorf("at least one provider or a provider factory is required")
	}
	if err := cfg.Registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = llm.NopSink{}
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	retryOpts := []llm.RetryOption{llm.WithRetryLogger(logger)}
	if cfg.Sleeper != nil {
		retryOpts = append(retryOpts, llm.WithSleeper(cfg.Sleeper))
	}

	orch := llm.NewOrchestrator(
		llm.WithRetryPolicy(llm.NewRetryPolicy(cfg.Retry, retryOpts...)),
		llm.WithCallTimeout(cfg.CallTimeout),
		llm.WithSink(sink),
		llm.WithHealthTracker(cfg.Registry),
		llm.WithLogger(logger),
	)

	static := make(map[string]llm.Provider, len(cfg.Providers))
	for name, p := range cfg.Providers {
		static[name] = p
	}

	return &Generator{
		registry:    cfg.Registry,
		static:      static,
		factory:     cfg.Factory,
		orch:        orch,
		sink:        sink,
		archive:     cfg.Archive,
		concurrency: concurrency,
		logger:      logger,
		built:       make(map[string]builtProvider),
	}, nil
}

// Registry returns the registry the generator resolves chains from.
func (g *Generator) Registry() *model.Registry {
	return g.registry
}

// Generate runs one request. The error is non-nil only for programmer errors
// (invalid request, nothing to call); provider failures are in the result.
func (g *Generator) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.GenerationResult, error) {
	if req == nil {
		return nil, fmt.Errorf("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	providers, err := g.resolve(req)
	if err != nil {
		return nil, err
	}

	res := g.orch.Run(ctx, req, providers)
	g.logger.Debug("Generation finished",
		"request_id", res.RequestID,
		"state", res.State,
		"provider", res.Provider,
		"attempts", len(res.Attempts),
		"duration", res.Duration)

	g.archiveResult(ctx, res)
	return res, nil
}

// archiveResult saves res when an archive is configured. Failures are logged;
// the caller already has the result.
func (g *Generator) archiveResult(ctx context.Context, res *llm.GenerationResult) {
	if g.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	if err := g.archive.Save(ctx, res); err != nil {
		g.logger.Warn("Failed to archive result",
			"request_id", res.RequestID,
			"error", err)
	}
}

// BatchError reports a request in a batch that could not be started, such
// as one resolving to no provider.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("request %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

// GenerateBatch runs requests concurrently, at most concurrency at a time
// (0 uses the configured default). Results are in request order. Requests
// are validated up front so a programmer error starts no work.
//
// A request that cannot be started leaves a nil slot in the results and a
// *BatchError in the returned error, joined with any others. It never
// cancels or changes the other requests.
func (g *Generator) GenerateBatch(ctx context.Context, reqs []*llm.GenerationRequest, concurrency int) ([]*llm.GenerationResult, error) {
	for i, req := range reqs {
		if req == nil {
			return nil, fmt.Errorf("request %d: request is required", i)
		}
		if err := req.Validate(); err != nil {
			return nil, fmt.Errorf("request %d: invalid request: %w", i, err)
		}
	}
	if concurrency <= 0 {
		concurrency = g.concurrency
	}

	results := make([]*llm.GenerationResult, len(reqs))
	errs := make([]error, len(reqs))
	var eg errgroup.Group
	eg.SetLimit(concurrency)

	for i, req := range reqs {
		eg.Go(func() error {
			res, err := g.Generate(ctx, req)
			if err != nil {
				errs[i] = &BatchError{Index: i, Err: err}
				return nil
			}
			results[i] = res
			return nil
		})
	}

	_ = eg.Wait()
	return results, errors.Join(errs...)
}

// resolve turns the request into an ordered provider list. Explicit
// providers are filtered through the circuit breaker like registry chains.
func (g *Generator) resolve(req *llm.GenerationRequest) ([]llm.Provider, error) {
	var names []string
	if len(req.Providers) > 0 {
		names = g.registry.FilterAvailable(req.Providers)
	} else {
		capability := model.Capability(req.Capability)
		if capability == "" {
			capability = model.CapabilityForModality(string(req.Modality))
		}
		names = g.registry.GetAvailableFallbackChain(capability)
	}

	providers := make([]llm.Provider, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true

		p, err := g.provider(name)
		if err != nil {
			g.logger.Warn("Skipping endpoint", "endpoint", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}

	if len(providers) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoProviders, names)
	}
	return providers, nil
}

// provider returns the client for an endpoint, building it through the
// factory when needed. A factory-built client is rebuilt when the registry
// entry for its endpoint has been replaced.
func (g *Generator) provider(name string) (llm.Provider, error) {
	if p, ok := g.static[name]; ok {
		return p, nil
	}
	if g.factory == nil {
		return nil, fmt.Errorf("no provider configured")
	}

	ep := g.registry.GetEndpoint(name)
	if ep == nil {
		return nil, fmt.Errorf("endpoint not in registry")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.built[name]; ok && b.endpoint == ep {
		return b.provider, nil
	}
	p, err := g.factory(name, ep)
	if err != nil {
		return nil, err
	}
	g.built[name] = builtProvider{endpoint: ep, provider: p}
	return p, nil
}

// addCloser registers a resource released by Close.
func (g *Generator) addCloser(c io.Closer) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closers = append(g.closers, c)
}

// Close releases provider clients and flushes owned sinks, in that order.
func (g *Generator) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true

	var providers []llm.Provider
	for _, p := range g.static {
		providers = append(providers, p)
	}
	for _, b := range g.built {
		providers = append(providers, b.provider)
	}
	closers := g.closers
	g.mu.Unlock()

	var errs []error
	for _, p := range providers {
		if c, ok := p.(llm.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close provider %s: %w", p.Name(), err))
			}
		}
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
