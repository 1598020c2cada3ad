// Package providers implements vendor adapters behind llm.Provider.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/contentgen/llm"
	"github.com/c360studio/contentgen/model"
)

// Response size limits.
const (
	maxResponseBytes = 32 << 20 // base64 images are large
	maxErrorBytes    = 64 << 10
)

// Format describes one vendor wire format. HTTPProvider does the transport;
// a Format only knows URLs, headers and bodies.
type Format interface {
	// Name returns the provider identifier used in endpoint configs.
	Name() string

	// Supports reports whether the vendor can serve a modality.
	Supports(modality llm.Modality) bool

	// BuildURL constructs the endpoint URL for a modality.
	BuildURL(baseURL string, modality llm.Modality) string

	// SetHeaders adds authentication and vendor headers.
	SetHeaders(req *http.Request, apiKey string)

	// BuildRequestBody creates the vendor request body.
	BuildRequestBody(model string, req *llm.GenerationRequest, maxTokens int) ([]byte, error)

	// ParseResponse extracts the output from a successful response body.
	ParseResponse(body []byte, modality llm.Modality) (*llm.ProviderOutput, error)

	// DefaultAPIKeyEnv names the environment variable read when the endpoint sets none.
	DefaultAPIKeyEnv() string
}

// HTTPProvider is an llm.Provider for one configured endpoint.
type HTTPProvider struct {
	name      string
	format    Format
	baseURL   string
	model     string
	maxTokens int
	apiKey    string
	client    *http.Client
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithHTTPClient sets the HTTP client. The per-call deadline comes from the
// request context, so the client needs no timeout of its own.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProvider) {
		p.client = c
	}
}

// WithAPIKey overrides the key read from the environment.
func WithAPIKey(key string) Option {
	return func(p *HTTPProvider) {
		p.apiKey = key
	}
}

// FormatFor returns the wire format for a provider name.
func FormatFor(provider string) (Format, error) {
	switch strings.ToLower(provider) {
	case "openai":
		return &OpenAIFormat{}, nil
	case "anthropic":
		return &AnthropicFormat{}, nil
	case "ollama", "openai-compatible", "vllm", "openrouter":
		return &OllamaFormat{}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// New creates a provider for the endpoint registered under name.
// The API key is read from the environment once, here.
func New(name string, ep *model.EndpointConfig, opts ...Option) (*HTTPProvider, error) {
	if ep == nil {
		return nil, fmt.Errorf("endpoint %q: missing configuration", name)
	}
	format, err := FormatFor(ep.Provider)
	if err != nil {
		return nil, fmt.Errorf("endpoint %q: %w", name, err)
	}

	keyEnv := ep.APIKeyEnv
	if keyEnv == "" {
		keyEnv = format.DefaultAPIKeyEnv()
	}

	p := &HTTPProvider{
		name:      name,
		format:    format,
		baseURL:   ep.URL,
		model:     ep.Model,
		maxTokens: ep.MaxTokens,
		client:    http.DefaultClient,
	}
	if keyEnv != "" {
		p.apiKey = os.Getenv(keyEnv)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Name implements llm.Provider.
func (p *HTTPProvider) Name() string {
	return p.name
}

// Generate implements llm.Provider with exactly one HTTP call.
func (p *HTTPProvider) Generate(ctx context.Context, req *llm.GenerationRequest) (*llm.ProviderOutput, error) {
	if !p.format.Supports(req.Modality) {
		return nil, &llm.ProviderError{
			Provider: p.name,
			Code:     "unsupported_modality",
			Message:  fmt.Sprintf("%s does not support %s", p.format.Name(), req.Modality),
		}
	}

	maxTokens := req.Params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	body, err := p.format.BuildRequestBody(p.model, req, maxTokens)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", p.name, err)
	}

	respBody, err := p.post(ctx, p.format.BuildURL(p.baseURL, req.Modality), body)
	if err != nil {
		return nil, err
	}

	out, err := p.format.ParseResponse(respBody, req.Modality)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if out.Model == "" {
		out.Model = p.model
	}

	if req.Modality == llm.ModalityImage && len(out.Data) == 0 && out.URL != "" {
		data, mimeType, err := p.download(ctx, out.URL)
		if err != nil {
			return nil, err
		}
		out.Data, out.MimeType = data, mimeType
	}
	return out, nil
}

func (p *HTTPProvider) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.format.SetHeaders(httpReq, p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.NewTransportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		code, message := ParseErrorBody(errBody)
		return nil, llm.NewStatusError(p.name, resp.StatusCode, code, message)
	}

	return readLimited(p.name, resp.Body, maxResponseBytes)
}

// download fetches an image the vendor returned as a link.
func (p *HTTPProvider) download(ctx context.Context, url string) ([]byte, string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%s: create image request: %w", p.name, err)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, "", llm.NewTransportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		return nil, "", llm.NewStatusError(p.name, resp.StatusCode, "image_download", string(errBody))
	}

	data, err := readLimited(p.name, resp.Body, maxResponseBytes)
	if err != nil {
		return nil, "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func readLimited(provider string, r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, llm.NewTransportError(provider, fmt.Errorf("read response: %w", err))
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s: response exceeds %d bytes", provider, limit)
	}
	return data, nil
}

// ParseErrorBody extracts a vendor error code and message from an error body.
// It understands the OpenAI, Anthropic, Gemini and Ollama shapes and falls
// back to the raw body.
func ParseErrorBody(body []byte) (code, message string) {
	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return "", strings.TrimSpace(string(body))
	}

	// Ollama: {"error": "model not found"}
	var plain string
	if err := json.Unmarshal(envelope.Error, &plain); err == nil {
		return "", plain
	}

	var detail struct {
		Type    string          `json:"type"`
		Code    json.RawMessage `json:"code"`
		Status  string          `json:"status"`
		Message string          `json:"message"`
	}
	if len(envelope.Error) == 0 || json.Unmarshal(envelope.Error, &detail) != nil {
		if envelope.Message != "" {
			return "", envelope.Message
		}
		return "", strings.TrimSpace(string(body))
	}

	// OpenAI puts the specific reason in code, Gemini in status.
	var codeStr string
	_ = json.Unmarshal(detail.Code, &codeStr)
	switch {
	case codeStr != "":
		code = codeStr
	case detail.Status != "":
		code = detail.Status
	default:
		code = detail.Type
	}
	return code, detail.Message
}

// buildSystemPrompt appends the schema instruction for structured requests.
func buildSystemPrompt(req *llm.GenerationRequest) string {
	if req.Modality != llm.ModalityStructured {
		return req.System
	}

	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	b.WriteString("Respond only with valid JSON.")
	if len(req.Schema) > 0 {
		if schema, err := json.Marshal(req.Schema); err == nil {
			b.WriteString(" The JSON must match this JSON Schema:\n")
			b.Write(schema)
		}
	}
	return b.String()
}
