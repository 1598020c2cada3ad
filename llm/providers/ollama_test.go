package providers

import (
	"net/http"
	"testing"

	"github.com/c360studio/contentgen/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaFormat_BuildURL(t *testing.T) {
	f := &OllamaFormat{}

	tests := []struct {
		name    string
		baseURL string
		want    string
	}{
		{
			name:    "empty uses default",
			baseURL: "",
			want:    "http://localhost:11434/v1/chat/completions",
		},
		{
			name:    "custom base URL",
			baseURL: "http://gpu-box:11434/v1",
			want:    "http://gpu-box:11434/v1/chat/completions",
		},
		{
			name:    "trailing slash handled",
			baseURL: "http://localhost:11434/v1/",
			want:    "http://localhost:11434/v1/chat/completions",
		},
		{
			name:    "full path kept",
			baseURL: "http://localhost:8000/v1/chat/completions",
			want:    "http://localhost:8000/v1/chat/completions",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := f.BuildURL(tt.baseURL, llm.ModalityText)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOllamaFormat_SetHeaders(t *testing.T) {
	f := &OllamaFormat{}

	t.Run("no key no header", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "http://localhost:11434/v1/chat/completions", nil)
		f.SetHeaders(req, "")
		assert.Empty(t, req.Header.Get("Authorization"))
	})

	t.Run("bearer when key set", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, "http://localhost:11434/v1/chat/completions", nil)
		f.SetHeaders(req, "local-key")
		assert.Equal(t, "Bearer local-key", req.Header.Get("Authorization"))
	})
}

func TestOllamaFormat_Supports(t *testing.T) {
	f := &OllamaFormat{}
	assert.True(t, f.Supports(llm.ModalityText))
	assert.True(t, f.Supports(llm.ModalityStructured))
	assert.False(t, f.Supports(llm.ModalityImage))
}

func TestOllamaFormat_BuildRequestBody(t *testing.T) {
	f := &OllamaFormat{}

	temp := 0.5
	req := &llm.GenerationRequest{
		Prompt:   "Tell me a bedtime story",
		System:   "You are a storyteller.",
		Modality: llm.ModalityText,
		Params:   llm.Params{Temperature: &temp},
	}
	body, err := f.BuildRequestBody("llama3.2", req, 1000)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"model":"llama3.2"`)
	assert.Contains(t, string(body), `"temperature":0.5`)
	assert.Contains(t, string(body), `"max_tokens":1000`)
	assert.Contains(t, string(body), `"role":"system","content":"You are a storyteller."`)
	assert.Contains(t, string(body), `"role":"user","content":"Tell me a bedtime story"`)
	assert.NotContains(t, string(body), "response_format")
}

func TestOllamaFormat_BuildRequestBody_NoOptionalParams(t *testing.T) {
	f := &OllamaFormat{}

	req := &llm.GenerationRequest{Prompt: "Hello", Modality: llm.ModalityText}
	body, err := f.BuildRequestBody("llama3.2", req, 0)
	require.NoError(t, err)

	// Optional params should be omitted
	assert.NotContains(t, string(body), "temperature")
	assert.NotContains(t, string(body), "max_tokens")
	assert.NotContains(t, string(body), `"role":"system"`)
}

func TestOllamaFormat_BuildRequestBody_ZeroTemperature(t *testing.T) {
	f := &OllamaFormat{}

	temp := 0.0
	req := &llm.GenerationRequest{
		Prompt:   "Hello",
		Modality: llm.ModalityText,
		Params:   llm.Params{Temperature: &temp},
	}
	body, err := f.BuildRequestBody("llama3.2", req, 0)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"temperature":0`)
}

func TestOllamaFormat_BuildRequestBody_Structured(t *testing.T) {
	f := &OllamaFormat{}

	req := &llm.GenerationRequest{
		Prompt:   "Describe a product",
		Modality: llm.ModalityStructured,
	}
	body, err := f.BuildRequestBody("llama3.2", req, 0)
	require.NoError(t, err)

	assert.Contains(t, string(body), `"response_format":{"type":"json_object"}`)
	assert.Contains(t, string(body), "Respond only with valid JSON.")
}

func TestOllamaFormat_ParseResponse(t *testing.T) {
	f := &OllamaFormat{}

	body := []byte(`{
		"id": "chatcmpl-123",
		"object": "chat.completion",
		"model": "llama3.2",
		"choices": [{
			"index": 0,
			"message": {"role": "assistant", "content": "Once upon a time..."},
			"finish_reason": "stop"
		}],
		"usage": {"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17}
	}`)

	out, err := f.ParseResponse(body, llm.ModalityText)
	require.NoError(t, err)

	assert.Equal(t, "Once upon a time...", out.Text)
	assert.Equal(t, "llama3.2", out.Model)
	assert.Equal(t, "stop", out.FinishReason)
	assert.Equal(t, 12, out.Usage.PromptTokens)
	assert.Equal(t, 5, out.Usage.CompletionTokens)
	assert.Equal(t, 17, out.Usage.TotalTokens)
}

func TestOllamaFormat_ParseResponse_NoChoices(t *testing.T) {
	f := &OllamaFormat{}

	_, err := f.ParseResponse([]byte(`{"id": "x", "choices": []}`), llm.ModalityText)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}
