package providers

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/c360studio/contentgen/llm"
)

// OpenAIFormat implements the OpenAI API for chat, JSON mode and image generation.
// Chat shares the OpenAI-compatible format; the default URL and images differ.
type OpenAIFormat struct {
	OllamaFormat // Embed for shared chat request/response format
}

// Name returns the provider identifier.
func (o *OpenAIFormat) Name() string {
	return "openai"
}

// Supports reports every modality.
func (o *OpenAIFormat) Supports(modality llm.Modality) bool {
	return modality.IsValid()
}

// BuildURL constructs the chat or image endpoint.
func (o *OpenAIFormat) BuildURL(baseURL string, modality llm.Modality) string {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if modality == llm.ModalityImage {
		baseURL = strings.TrimSuffix(baseURL, "/")
		if strings.HasSuffix(baseURL, "/images/generations") {
			return baseURL
		}
		return baseURL + "/images/generations"
	}
	return chatURL(baseURL)
}

// SetHeaders adds OpenAI authentication headers.
func (o *OpenAIFormat) SetHeaders(req *http.Request, apiKey string) {
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	// Support OpenRouter
	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

// imageRequest is the OpenAI image generation request format.
type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	Size           string `json:"size,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// BuildRequestBody creates the chat or image request body.
func (o *OpenAIFormat) BuildRequestBody(model string, req *llm.GenerationRequest, maxTokens int) ([]byte, error) {
	if req.Modality != llm.ModalityImage {
		return buildChatBody(model, req, maxTokens)
	}

	body := imageRequest{
		Model:  model,
		Prompt: req.Prompt,
		N:      1,
		Size:   req.Params.ImageSize,
	}
	// gpt-image models always return base64 and reject response_format.
	if !strings.HasPrefix(model, "gpt-image") {
		body.ResponseFormat = "b64_json"
	}
	return json.Marshal(body)
}

// imageResponse is the OpenAI image generation response format.
type imageResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		B64JSON       string `json:"b64_json"`
		URL           string `json:"url"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	OutputFormat string `json:"output_format"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts chat content or the generated image.
func (o *OpenAIFormat) ParseResponse(body []byte, modality llm.Modality) (*llm.ProviderOutput, error) {
	if modality != llm.ModalityImage {
		return parseChatResponse(body)
	}

	var resp imageResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse image response: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no images in response")
	}

	img := resp.Data[0]
	out := &llm.ProviderOutput{
		Text: img.RevisedPrompt,
		URL:  img.URL,
		Usage: llm.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	if img.B64JSON != "" {
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
		out.Data = data
		out.MimeType = imageMimeType(resp.OutputFormat, data)
	}
	return out, nil
}

func imageMimeType(format string, data []byte) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg", "jpg":
		return "image/jpeg"
	case "webp":
		return "image/webp"
	}
	return http.DetectContentType(data)
}
