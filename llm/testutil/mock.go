// Package testutil provides test utilities for the llm package.
// It includes a scripted provider and a recording attempt sink.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/contentgen/llm"
)

// Step is one scripted provider response. Err takes precedence over Output.
type Step struct {
	Output *llm.ProviderOutput
	Err    error
}

// Text returns a step that answers with plain text.
func Text(s string) Step {
	return Step{Output: &llm.ProviderOutput{Text: s, Model: "mock-model"}}
}

// Fail returns a step that fails with err.
func Fail(err error) Step {
	return Step{Err: err}
}

// MockProvider is a thread-safe scripted provider for testing.
// It returns Steps in sequence and repeats the last one once they run out.
//
// Usage:
//
//	// Quota failure on the primary, success on the fallback
//	primary := &MockProvider{ID: "a", Steps: []Step{
//	    Fail(llm.NewStatusError("a", 429, "", "quota exceeded")),
//	}}
//	fallback := &MockProvider{ID: "b", Steps: []Step{Text(`{"ok": true}`)}}
//
//	// Block until the call context is done (timeout tests)
//	slow := &MockProvider{ID: "slow", Block: true}
type MockProvider struct {
	ID    string
	Steps []Step

	// Block makes Generate wait for ctx.Done() and return its error.
	Block bool

	mu              sync.Mutex
	capturedContext context.Context
	requests        []*llm.GenerationRequest
	callCount       int
}

// Name implements llm.Provider.
func (m *MockProvider) Name() string {
	return m.ID
}

// Generate implements llm.Provider.
func (m *MockProvider) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.ProviderOutput, error) {
	m.mu.Lock()
	m.capturedContext = ctx
	m.requests = append(m.requests, req)
	idx := m.callCount
	m.callCount++
	m.mu.Unlock()

	if m.Block {
		<-ctx.Done()
		return nil, llm.NewTransportError(m.ID, ctx.Err())
	}

	if len(m.Steps) == 0 {
		return &llm.ProviderOutput{Text: "", Model: "mock-model"}, nil
	}
	if idx >= len(m.Steps) {
		idx = len(m.Steps) - 1
	}
	step := m.Steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	out := *step.Output
	return &out, nil
}

// GetCapturedContext returns the last context passed to Generate().
func (m *MockProvider) GetCapturedContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturedContext
}

// GetCallCount returns the number of times Generate() was called.
func (m *MockProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// GetRequests returns every request passed to Generate(), in order.
func (m *MockProvider) GetRequests() []*llm.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.GenerationRequest(nil), m.requests...)
}

// Reset resets the mock's call state.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCount = 0
	m.requests = nil
	m.capturedContext = nil
}

// RecordingSink is a thread-safe llm.AttemptSink that keeps every record.
type RecordingSink struct {
	mu      sync.Mutex
	records []llm.AttemptRecord
}

// Record implements llm.AttemptSink.
func (s *RecordingSink) Record(_ context.Context, rec llm.AttemptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

// Records returns a copy of the recorded attempts.
func (s *RecordingSink) Records() []llm.AttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]llm.AttemptRecord(nil), s.records...)
}

// ByOperation returns the recorded attempts of one operation.
func (s *RecordingSink) ByOperation(op llm.Operation) []llm.AttemptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []llm.AttemptRecord
	for _, r := range s.records {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	return out
}
