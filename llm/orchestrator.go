// Package llm is the resilience core between content services and generative
// AI providers: error classification, bounded retry, structured output
// recovery, and fallback across an ordered provider list.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultCallTimeout bounds a single provider call, independent of backoff.
const DefaultCallTimeout = 60 * time.Second

// errEmptyResponse is returned when a text or image call produced nothing.
var errEmptyResponse = errors.New("provider returned an empty response")

// errDegradedOnly marks a structured response that only key-value salvage
// could read. The provider is treated as failed so a faithful parse from a
// fallback can still win.
var errDegradedOnly = fmt.Errorf("only key-value salvage recovered the output: %w", ErrMalformedOutput)

// HealthTracker receives per-provider outcomes, e.g. to drive a circuit breaker.
type HealthTracker interface {
	MarkEndpointSuccess(name string)
	MarkEndpointFailure(name string)
}

// Orchestrator drives a request across an ordered provider list, retrying
// transient failures locally and failing over on everything else.
// It holds no per-request state and is safe for concurrent use.
type Orchestrator struct {
	retry       *RetryPolicy
	callTimeout time.Duration
	sink        AttemptSink
	health      HealthTracker
	logger      *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRetryPolicy sets the per-provider retry policy.
func WithRetryPolicy(p *RetryPolicy) OrchestratorOption {
	return func(o *Orchestrator) {
		o.retry = p
	}
}

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithSink sets the attempt sink.
func WithSink(s AttemptSink) OrchestratorOption {
	return func(o *Orchestrator) {
		o.sink = s
	}
}

// WithHealthTracker sets the tracker notified of provider outcomes.
func WithHealthTracker(h HealthTracker) OrchestratorOption {
	return func(o *Orchestrator) {
		o.health = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator creates an orchestrator with default retry and timeout.
func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		callTimeout: DefaultCallTimeout,
		sink:        NopSink{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.retry == nil {
		o.retry = NewRetryPolicy(DefaultRetryConfig(), WithRetryLogger(o.logger))
	}
	return o
}

// salvage is the first degraded value seen, kept in case nothing better arrives.
type salvage struct {
	value any
	text  string
}

// run is the request-scoped state of one Run call.
type run struct {
	req      *GenerationRequest
	shape    Shape
	result   *GenerationResult
	sequence int
	best     *salvage
}

// Run executes req against providers in order and returns exactly one
// terminal result. Provider failures never surface as errors; they are
// recorded in the result.
func (o *Orchestrator) Run(ctx context.Context, req *GenerationRequest, providers []Provider) *GenerationResult {
	startedAt := time.Now()
	r := &run{
		req:   req,
		shape: ShapeOf(req.Schema),
		result: &GenerationResult{
			RequestID: uuid.New().String(),
			State:     StateNotStarted,
			Attempts:  []ProviderAttempt{},
		},
	}
	res := r.result

	for _, p := range providers {
		if ctx.Err() != nil {
			res.State = StateCancelled
			break
		}
		res.State = StateAttempting

		var out *ProviderOutput
		var rec *Recovery
		err := o.retry.Execute(ctx, func(ctx context.Context, retry int) error {
			var callErr error
			out, rec, callErr = o.attempt(ctx, r, p, retry)
			return callErr
		})

		if err == nil {
			o.succeed(r, p, out, rec)
			o.markHealth(p.Name(), KindNone)
			break
		}

		kind := Classify(err)
		if ctx.Err() != nil {
			res.State = StateCancelled
			res.Failures = append(res.Failures, Failure{Provider: p.Name(), Kind: kind, Message: ctx.Err().Error()})
			break
		}

		res.Failures = append(res.Failures, Failure{Provider: p.Name(), Kind: kind, Message: err.Error()})
		o.markHealth(p.Name(), kind)
		o.logger.Warn("Provider failed, trying fallback",
			"request_id", res.RequestID,
			"provider", p.Name(),
			"error_kind", kind,
			"error", err)
	}

	if res.State == StateAttempting || res.State == StateNotStarted {
		res.State = StateExhausted
	}
	if !res.Success && r.best != nil {
		res.Value = r.best.value
		res.Text = r.best.text
		res.Degraded = true
	}
	res.Duration = time.Since(startedAt)

	if !res.Success {
		o.logger.Warn("Generation failed",
			"request_id", res.RequestID,
			"state", res.State,
			"providers", len(providers),
			"attempts", len(res.Attempts),
			"degraded", res.Degraded)
	}
	return res
}

// attempt performs one provider call under the per-call timeout and, for
// structured requests, runs the recovery cascade over its raw output.
func (o *Orchestrator) attempt(ctx context.Context, r *run, p Provider, retry int) (*ProviderOutput, *Recovery, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	startedAt := time.Now()
	out, err := p.Generate(callCtx, r.req)
	duration := time.Since(startedAt)

	if err == nil {
		err = checkOutput(r.req.Modality, out)
	}

	var rec *Recovery
	if err == nil && r.req.Modality == ModalityStructured {
		rec = Recover(out.Text, out.Parsed, r.shape)
		o.recordRecovery(ctx, r, p.Name(), rec)
		switch {
		case !rec.OK():
			err = rec.Err
		case rec.Degraded:
			if r.best == nil {
				r.best = &salvage{value: rec.Value, text: out.Text}
			}
			err = errDegradedOnly
		}
	}

	attempt := ProviderAttempt{
		Provider:  p.Name(),
		Retry:     retry,
		StartedAt: startedAt,
		Duration:  duration,
		Outcome:   OutcomeSucceeded,
	}
	if out != nil {
		attempt.Model = out.Model
		attempt.RawOutput = out.Text
	}
	if err != nil {
		attempt.Outcome = OutcomeFailed
		attempt.ErrorKind = Classify(err)
		attempt.Error = err.Error()
	}
	r.result.Attempts = append(r.result.Attempts, attempt)
	o.recordProviderAttempt(ctx, r, attempt)

	if err != nil {
		return nil, nil, err
	}
	return out, rec, nil
}

// checkOutput rejects empty responses. Structured output is left to the cascade.
func checkOutput(modality Modality, out *ProviderOutput) error {
	if out == nil {
		if modality == ModalityStructured {
			return ErrMalformedOutput
		}
		return errEmptyResponse
	}
	switch modality {
	case ModalityText:
		if strings.TrimSpace(out.Text) == "" {
			return errEmptyResponse
		}
	case ModalityImage:
		if len(out.Data) == 0 {
			return errEmptyResponse
		}
	}
	return nil
}

func (o *Orchestrator) succeed(r *run, p Provider, out *ProviderOutput, rec *Recovery) {
	res := r.result
	res.State = StateSucceeded
	res.Success = true
	res.Provider = p.Name()
	res.Model = out.Model
	res.Usage = out.Usage
	res.Text = out.Text
	res.Data = out.Data
	res.MimeType = out.MimeType
	if rec != nil {
		res.Value = rec.Value
	}

	o.logger.Debug("Generation succeeded",
		"request_id", res.RequestID,
		"provider", res.Provider,
		"attempts", len(res.Attempts))
}

// markHealth reports an outcome to the health tracker. Auth and malformed
// failures say nothing about endpoint health, so they are not reported.
func (o *Orchestrator) markHealth(name string, kind ErrorKind) {
	if o.health == nil {
		return
	}
	switch kind {
	case KindNone:
		o.health.MarkEndpointSuccess(name)
	case KindTransient, KindQuotaExceeded, KindUnknown:
		o.health.MarkEndpointFailure(name)
	}
}

func (o *Orchestrator) recordProviderAttempt(ctx context.Context, r *run, a ProviderAttempt) {
	r.sequence++
	o.sink.Record(ctx, AttemptRecord{
		RequestID:  r.result.RequestID,
		Operation:  OperationProviderCall,
		Sequence:   r.sequence,
		Provider:   a.Provider,
		Model:      a.Model,
		Modality:   r.req.Modality,
		Retry:      a.Retry,
		StartedAt:  a.StartedAt,
		DurationMs: a.Duration.Milliseconds(),
		Success:    a.Outcome == OutcomeSucceeded,
		ErrorKind:  a.ErrorKind,
		Error:      a.Error,
	})
}

func (o *Orchestrator) recordRecovery(ctx context.Context, r *run, provider string, rec *Recovery) {
	now := time.Now()
	for _, a := range rec.Attempts {
		a.Provider = provider
		r.result.RecoveryAttempts = append(r.result.RecoveryAttempts, a)

		r.sequence++
		record := AttemptRecord{
			RequestID: r.result.RequestID,
			Operation: OperationRecovery,
			Sequence:  r.sequence,
			Provider:  provider,
			Modality:  r.req.Modality,
			Strategy:  a.Strategy,
			StartedAt: now,
			Success:   a.Success,
		}
		if !a.Success {
			record.ErrorKind = KindMalformed
		}
		o.sink.Record(ctx, record)
	}
}
