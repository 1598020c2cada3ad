package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/c360studio/contentgen/llm"
)

// AnthropicFormat implements the Anthropic messages API.
type AnthropicFormat struct{}

// anthropicVersion is the API version to use.
const anthropicVersion = "2023-06-01"

// Name returns the provider identifier.
func (a *AnthropicFormat) Name() string {
	return "anthropic"
}

// Supports reports text and structured output.
func (a *AnthropicFormat) Supports(modality llm.Modality) bool {
	return modality == llm.ModalityText || modality == llm.ModalityStructured
}

// DefaultAPIKeyEnv returns ANTHROPIC_API_KEY.
func (a *AnthropicFormat) DefaultAPIKeyEnv() string {
	return "ANTHROPIC_API_KEY"
}

// BuildURL constructs the Anthropic messages endpoint.
func (a *AnthropicFormat) BuildURL(baseURL string, _ llm.Modality) string {
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	return baseURL + "/v1/messages"
}

// SetHeaders adds Anthropic-specific authentication headers.
func (a *AnthropicFormat) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", anthropicVersion)
}

// anthropicRequest is the Anthropic API request format.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates the Anthropic API request body.
// The API has no JSON mode, so structured requests carry the schema in the system prompt.
func (a *AnthropicFormat) BuildRequestBody(model string, req *llm.GenerationRequest, maxTokens int) ([]byte, error) {
	// max_tokens is required by the API
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Messages:    []anthropicMessage{{Role: "user", Content: req.Prompt}},
		System:      buildSystemPrompt(req),
		Temperature: req.Params.Temperature, // nil = use default, 0 = deterministic
	}

	return json.Marshal(body)
}

// anthropicResponse is the Anthropic API response format.
type anthropicResponse struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model        string `json:"model"`
	StopReason   string `json:"stop_reason"`
	StopSequence string `json:"stop_sequence,omitempty"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts content from an Anthropic response.
func (a *AnthropicFormat) ParseResponse(body []byte, _ llm.Modality) (*llm.ProviderOutput, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse anthropic response: %w", err)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &llm.ProviderOutput{
		Text:  content.String(),
		Model: resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: resp.StopReason,
	}, nil
}
