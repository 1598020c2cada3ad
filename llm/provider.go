package llm

import (
	"context"
)

// Provider is a generation backend. Implementations perform exactly one call
// per Generate invocation; retry and fallback are the orchestrator's job.
// Errors should be *ProviderError so Classify sees status and vendor message.
type Provider interface {
	// Name returns the endpoint identifier (e.g., "gpt-4o", "claude-sonnet").
	Name() string

	// Generate performs one call for the request.
	Generate(ctx context.Context, req *GenerationRequest) (*ProviderOutput, error)
}

// ProviderFunc adapts a bare attempt function into a Provider.
type ProviderFunc struct {
	ID string
	Fn func(ctx context.Context, req *GenerationRequest) (*ProviderOutput, error)
}

// Name returns the provider identifier.
func (p ProviderFunc) Name() string {
	return p.ID
}

// Generate calls the wrapped function.
func (p ProviderFunc) Generate(ctx context.Context, req *GenerationRequest) (*ProviderOutput, error) {
	return p.Fn(ctx, req)
}

// Closer is implemented by providers that own releasable resources.
type Closer interface {
	Close() error
}
