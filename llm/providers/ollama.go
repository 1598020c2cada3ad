package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/c360studio/contentgen/llm"
)

// OllamaFormat implements the OpenAI-compatible chat API used by Ollama, vLLM, OpenRouter, etc.
type OllamaFormat struct{}

// Name returns the provider identifier.
func (o *OllamaFormat) Name() string {
	return "ollama"
}

// Supports reports text and structured output; these servers have no image endpoint.
func (o *OllamaFormat) Supports(modality llm.Modality) bool {
	return modality == llm.ModalityText || modality == llm.ModalityStructured
}

// DefaultAPIKeyEnv returns the key variable shared by OpenAI-compatible servers.
func (o *OllamaFormat) DefaultAPIKeyEnv() string {
	return "OPENAI_API_KEY"
}

// BuildURL constructs the chat completions endpoint.
func (o *OllamaFormat) BuildURL(baseURL string, _ llm.Modality) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	return chatURL(baseURL)
}

func chatURL(baseURL string) string {
	baseURL = strings.TrimSuffix(baseURL, "/")

	// Check if URL already ends with chat/completions
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds OpenAI-compatible headers.
func (o *OllamaFormat) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
}

// openAIRequest is the OpenAI-compatible request format.
type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// BuildRequestBody creates the OpenAI-compatible request body.
// Structured requests ask for JSON mode.
func (o *OllamaFormat) BuildRequestBody(model string, req *llm.GenerationRequest, maxTokens int) ([]byte, error) {
	return buildChatBody(model, req, maxTokens)
}

func buildChatBody(model string, req *llm.GenerationRequest, maxTokens int) ([]byte, error) {
	var messages []openAIMessage
	if system := buildSystemPrompt(req); system != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: system})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.Prompt})

	body := openAIRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Params.Temperature, // nil = use default, 0 = deterministic
	}

	// Only set max_tokens if explicitly provided
	if maxTokens > 0 {
		body.MaxTokens = &maxTokens
	}
	if req.Modality == llm.ModalityStructured {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	return json.Marshal(body)
}

// openAIResponse is the OpenAI-compatible response format.
type openAIResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts content from an OpenAI-compatible response.
func (o *OllamaFormat) ParseResponse(body []byte, _ llm.Modality) (*llm.ProviderOutput, error) {
	return parseChatResponse(body)
}

func parseChatResponse(body []byte) (*llm.ProviderOutput, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse openai response: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	return &llm.ProviderOutput{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
