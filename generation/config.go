package generation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/contentgen/config"
	"github.com/c360studio/contentgen/llm"
	"github.com/c360studio/contentgen/llm/providers"
	"github.com/c360studio/contentgen/model"
	"github.com/c360studio/contentgen/storage"
)

// bucketSetupTimeout bounds creating or opening the results bucket.
const bucketSetupTimeout = 10 * time.Second

// buildOptions holds FromConfig overrides.
type buildOptions struct {
	httpClient *http.Client
	registerer prometheus.Registerer
	publisher  llm.Publisher
	archive    ResultArchive
	sleeper    llm.SleepFunc
}

// BuildOption customizes FromConfig.
type BuildOption func(*buildOptions)

// WithHTTPClient sets the client used by every provider.
func WithHTTPClient(c *http.Client) BuildOption {
	return func(o *buildOptions) {
		o.httpClient = c
	}
}

// WithRegisterer sets where metrics are registered (prometheus.DefaultRegisterer by default).
func WithRegisterer(reg prometheus.Registerer) BuildOption {
	return func(o *buildOptions) {
		o.registerer = reg
	}
}

// WithPublisher publishes attempt records on pub instead of dialing sinks.nats.url.
func WithPublisher(pub llm.Publisher) BuildOption {
	return func(o *buildOptions) {
		o.publisher = pub
	}
}

// WithArchive archives results in a instead of the sinks.nats.results_bucket store.
func WithArchive(a ResultArchive) BuildOption {
	return func(o *buildOptions) {
		o.archive = a
	}
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(fn llm.SleepFunc) BuildOption {
	return func(o *buildOptions) {
		o.sleeper = fn
	}
}

// FromConfig builds a Generator from a loaded config: a registry with health
// tracking, HTTP providers for every registry endpoint and the configured sinks.
func FromConfig(cfg *config.Config, logger *slog.Logger, opts ...BuildOption) (*Generator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	registry := model.FromConfig(cfg.Registry)
	if cfg.Registry.Health == nil {
		registry.SetHealthConfig(model.DefaultHealthConfig())
	}

	sink, closers, err := buildSinks(cfg.Sinks, logger, &o)
	if err != nil {
		return nil, err
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	archive := o.archive
	if archive == nil && cfg.Sinks.NATS.ResultsBucket != "" {
		archive, err = openResultStore(cfg.Sinks.NATS, closers)
		if err != nil {
			closeAll()
			return nil, err
		}
	}

	var providerOpts []providers.Option
	if o.httpClient != nil {
		providerOpts = append(providerOpts, providers.WithHTTPClient(o.httpClient))
	}
	factory := func(name string, ep *model.EndpointConfig) (llm.Provider, error) {
		p, err := providers.New(name, ep, providerOpts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	gen, err := New(Config{
		Registry:    registry,
		Factory:     factory,
		Retry:       cfg.Generation.Retry,
		CallTimeout: cfg.Generation.CallTimeout,
		Concurrency: cfg.Generation.Concurrency,
		Sink:        sink,
		Archive:     archive,
		Logger:      logger,
		Sleeper:     o.sleeper,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	for _, c := range closers {
		gen.addCloser(c)
	}

	logger.Debug("Generator ready",
		"endpoints", len(registry.ListEndpoints()),
		"capabilities", len(registry.ListCapabilities()),
		"metrics", cfg.Sinks.Metrics.Enabled,
		"nats", cfg.Sinks.NATS.URL != "" || o.publisher != nil,
		"archive", archive != nil)
	return gen, nil
}

// openResultStore opens the results bucket on the connection owned by the
// NATS attempt sink.
func openResultStore(cfg config.NATSConfig, closers []io.Closer) (*storage.Store, error) {
	var conn *nats.Conn
	for _, c := range closers {
		if s, ok := c.(*llm.NATSSink); ok && s.Conn() != nil {
			conn = s.Conn()
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("sinks.nats.results_bucket needs a NATS connection")
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bucketSetupTimeout)
	defer cancel()
	return storage.NewStore(ctx, js,
		storage.WithBucket(cfg.ResultsBucket),
		storage.WithTTL(cfg.ResultsTTL))
}

// buildSinks assembles the attempt sink. Logging and metrics are synchronous;
// NATS publishing sits behind an AsyncSink so it never blocks a request.
// Closers are returned in the order they must be closed.
func buildSinks(cfg config.SinksConfig, logger *slog.Logger, o *buildOptions) (llm.AttemptSink, []io.Closer, error) {
	var sinks llm.MultiSink
	var closers []io.Closer

	if !cfg.Quiet {
		sinks = append(sinks, llm.NewLogSink(logger))
	}

	if cfg.Metrics.Enabled {
		reg := o.registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		metrics, err := llm.NewMetricsSink(reg)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, metrics)
	}

	if cfg.NATS.URL != "" || o.publisher != nil {
		natsOpts := []llm.NATSSinkOption{llm.WithSinkLogger(logger)}
		if cfg.NATS.Org != "" {
			natsOpts = append(natsOpts, llm.WithOrg(cfg.NATS.Org))
		}
		if cfg.NATS.Project != "" {
			natsOpts = append(natsOpts, llm.WithProject(cfg.NATS.Project))
		}
		if cfg.NATS.SubjectPrefix != "" {
			natsOpts = append(natsOpts, llm.WithSubjectPrefix(cfg.NATS.SubjectPrefix))
		}

		var natsSink *llm.NATSSink
		if o.publisher != nil {
			natsSink = llm.NewNATSSink(o.publisher, natsOpts...)
		} else {
			var err error
			natsSink, err = llm.ConnectNATSSink(cfg.NATS.URL, natsOpts...)
			if err != nil {
				return nil, nil, err
			}
		}

		async := llm.NewAsyncSink(natsSink, cfg.AsyncBuffer)
		sinks = append(sinks, async)
		closers = append(closers, async, natsSink)
	}

	switch len(sinks) {
	case 0:
		return llm.NopSink{}, closers, nil
	case 1:
		return sinks[0], closers, nil
	default:
		return sinks, closers, nil
	}
}
