package llm

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Operation names the kind of attempt a record describes.
type Operation string

const (
	OperationProviderCall Operation = "provider_call"
	OperationRecovery     Operation = "recovery"
)

// AttemptRecord is one ProviderAttempt or RecoveryAttempt as seen by a sink.
type AttemptRecord struct {
	// RequestID correlates every record of one generation request.
	RequestID string `json:"request_id"`

	// Operation is provider_call or recovery.
	Operation Operation `json:"operation"`

	// Sequence is the position of this record within the request.
	Sequence int `json:"sequence"`

	// Provider is the endpoint the attempt ran against.
	Provider string `json:"provider"`

	// Model is the model that answered (provider calls only).
	Model string `json:"model,omitempty"`

	// Modality is the request modality.
	Modality Modality `json:"modality"`

	// Strategy is the recovery strategy (recovery only).
	Strategy string `json:"strategy,omitempty"`

	// Retry is the zero-based retry index (provider calls only).
	Retry int `json:"retry"`

	// StartedAt is when the attempt began.
	StartedAt time.Time `json:"started_at"`

	// DurationMs is the attempt duration in milliseconds.
	DurationMs int64 `json:"duration_ms"`

	// Success reports the attempt outcome.
	Success bool `json:"success"`

	// ErrorKind is the classified failure, empty on success.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Error contains the failure message, if any.
	Error string `json:"error,omitempty"`
}

// AttemptSink receives one record per attempt. Implementations must not
// fail or stall the request that produced the record.
type AttemptSink interface {
	Record(ctx context.Context, rec AttemptRecord)
}

// NopSink discards records.
type NopSink struct{}

// Record implements AttemptSink.
func (NopSink) Record(context.Context, AttemptRecord) {}

// LogSink writes records as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs to logger (slog.Default() if nil).
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements AttemptSink.
func (s *LogSink) Record(ctx context.Context, rec AttemptRecord) {
	attrs := []any{
		"request_id", rec.RequestID,
		"operation", rec.Operation,
		"provider", rec.Provider,
		"duration_ms", rec.DurationMs,
		"success", rec.Success,
	}
	if rec.Strategy != "" {
		attrs = append(attrs, "strategy", rec.Strategy)
	}
	if rec.Operation == OperationProviderCall {
		attrs = append(attrs, "retry", rec.Retry)
	}
	if rec.ErrorKind != KindNone {
		attrs = append(attrs, "error_kind", rec.ErrorKind, "error", rec.Error)
	}

	switch {
	case rec.Operation == OperationRecovery:
		s.logger.DebugContext(ctx, "Recovery attempt", attrs...)
	case rec.Success:
		s.logger.InfoContext(ctx, "Provider call succeeded", attrs...)
	default:
		s.logger.WarnContext(ctx, "Provider call failed", attrs...)
	}
}

// MultiSink fans a record out to several sinks.
type MultiSink []AttemptSink

// Record implements AttemptSink.
func (m MultiSink) Record(ctx context.Context, rec AttemptRecord) {
	for _, s := range m {
		s.Record(ctx, rec)
	}
}

// DefaultAsyncBuffer is the AsyncSink queue size when none is given.
const DefaultAsyncBuffer = 1024

// AsyncSink hands records to a background goroutine through a bounded queue.
// When the queue is full the record is dropped and counted; Record never blocks.
type AsyncSink struct {
	next    AttemptSink
	queue   chan AttemptRecord
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts the background writer for next.
func NewAsyncSink(next AttemptSink, buffer int) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	s := &AsyncSink{
		next:  next,
		queue: make(chan AttemptRecord, buffer),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for rec := range s.queue {
		// The request context may already be gone; records outlive it.
		s.next.Record(context.Background(), rec)
	}
}

// Record implements AttemptSink.
func (s *AsyncSink) Record(_ context.Context, rec AttemptRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many records were discarded.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be written.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	<-s.done
	return nil
}
