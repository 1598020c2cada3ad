package llm

import (
	"fmt"
	"time"
)

// Modality is the kind of artifact a request produces.
type Modality string

const (
	// ModalityText is free-form text (captions, ad copy, stories).
	ModalityText Modality = "text"

	// ModalityStructured is JSON conforming to a declared schema.
	ModalityStructured Modality = "structured-json"

	// ModalityImage is binary image data.
	ModalityImage Modality = "image"
)

// IsValid checks if a modality string is known.
func (m Modality) IsValid() bool {
	switch m {
	case ModalityText, ModalityStructured, ModalityImage:
		return true
	}
	return false
}

// Params holds generation parameters passed through to providers.
type Params struct {
	// Temperature controls randomness. nil uses the provider default.
	Temperature *float64 `json:"temperature,omitempty"`

	// MaxTokens limits response length. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// ImageSize is passed to image providers (e.g., "1024x1024").
	ImageSize string `json:"image_size,omitempty"`
}

// GenerationRequest is a single generation call.
type GenerationRequest struct {
	// Prompt is the user prompt.
	Prompt string `json:"prompt"`

	// System is an optional system prompt.
	System string `json:"system,omitempty"`

	// Modality selects text, structured-json or image output.
	Modality Modality `json:"modality"`

	// Schema is the JSON Schema for structured-json requests.
	Schema map[string]any `json:"schema,omitempty"`

	// Params are passed through to the provider.
	Params Params `json:"params"`

	// Providers is the ordered candidate endpoint list. Empty means the
	// registry chain for Capability is used.
	Providers []string `json:"providers,omitempty"`

	// Capability is the registry key used when Providers is empty.
	// Defaults from Modality.
	Capability string `json:"capability,omitempty"`
}

// Validate checks the request for programmer errors.
func (r *GenerationRequest) Validate() error {
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if !r.Modality.IsValid() {
		return fmt.Errorf("unknown modality %q", r.Modality)
	}
	if r.Schema != nil && r.Modality != ModalityStructured {
		return fmt.Errorf("schema is only valid for %s requests", ModalityStructured)
	}
	return nil
}

// TokenUsage represents token consumption details for a provider call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderOutput is what a provider returns from a single call.
type ProviderOutput struct {
	// Text is the raw generated text.
	Text string

	// Parsed is a value the vendor SDK already decoded, if any.
	Parsed any

	// Data holds binary output (images).
	Data []byte

	// MimeType describes Data.
	MimeType string

	// URL links to the artifact when the vendor returned a link instead of bytes.
	URL string

	// Model is the model that actually answered.
	Model string

	// Usage is the reported token usage.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// AttemptOutcome is the result of one provider call.
type AttemptOutcome string

const (
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeFailed    AttemptOutcome = "failed"
)

// ProviderAttempt is one call to one provider, in call order.
type ProviderAttempt struct {
	Provider  string         `json:"provider"`
	Retry     int            `json:"retry"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
	Outcome   AttemptOutcome `json:"outcome"`
	ErrorKind ErrorKind      `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`
	Model     string         `json:"model,omitempty"`

	// RawOutput is the raw text the provider returned, if any.
	RawOutput string `json:"raw_output,omitempty"`
}

// RecoveryAttempt is one strategy of the recovery cascade.
type RecoveryAttempt struct {
	Provider string `json:"provider,omitempty"`
	Strategy string `json:"strategy"`
	Input    string `json:"input"`
	Output   any    `json:"output,omitempty"`
	Success  bool   `json:"success"`
}

// State is the orchestrator state for a request.
type State string

const (
	StateNotStarted State = "not_started"
	StateAttempting State = "attempting"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted_all_providers"
	StateCancelled  State = "cancelled"
)

// Failure summarizes why one provider was given up on.
type Failure struct {
	Provider string    `json:"provider"`
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
}

// GenerationResult is the uniform outcome of a generation request.
type GenerationResult struct {
	RequestID string `json:"request_id"`
	State     State  `json:"state"`
	Success   bool   `json:"success"`

	// Degraded is set when Value came from key-value salvage rather than a
	// faithful parse. Callers must branch on it.
	Degraded bool `json:"degraded"`

	// Value is the parsed structured payload.
	Value any `json:"value,omitempty"`

	// Text is the text payload (also the raw text behind Value).
	Text string `json:"text,omitempty"`

	// Data and MimeType hold image payloads.
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`

	// Provider is the winning endpoint.
	Provider string     `json:"provider,omitempty"`
	Model    string     `json:"model,omitempty"`
	Usage    TokenUsage `json:"usage"`

	Attempts         []ProviderAttempt `json:"attempts"`
	RecoveryAttempts []RecoveryAttempt `json:"recovery_attempts,omitempty"`
	Failures         []Failure         `json:"failures,omitempty"`

	Duration time.Duration `json:"duration"`
}

// FailureKind returns the dominant failure kind of an unsuccessful result:
// the kind of the last provider given up on.
func (r *GenerationResult) FailureKind() ErrorKind {
	if len(r.Failures) == 0 {
		return KindNone
	}
	return r.Failures[len(r.Failures)-1].Kind
}
