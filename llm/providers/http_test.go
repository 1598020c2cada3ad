package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/c360studio/contentgen/llm"
	"github.com/c360studio/contentgen/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponse(content string) string {
	resp := map[string]any{
		"model": "gpt-4o",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func newTestProvider(t *testing.T, provider, url, modelName string) *HTTPProvider {
	t.Helper()
	p, err := New("test-endpoint", &model.EndpointConfig{
		Provider: provider,
		URL:      url,
		Model:    modelName,
	}, WithAPIKey("test-key"))
	require.NoError(t, err)
	return p
}

func TestFormatFor(t *testing.T) {
	tests := []struct {
		provider string
		want     string
		wantErr  bool
	}{
		{provider: "openai", want: "openai"},
		{provider: "OpenAI", want: "openai"},
		{provider: "anthropic", want: "anthropic"},
		{provider: "ollama", want: "ollama"},
		{provider: "vllm", want: "ollama"},
		{provider: "openrouter", want: "ollama"},
		{provider: "openai-compatible", want: "ollama"},
		{provider: "bedrock", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			f, err := FormatFor(tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Name())
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("nil endpoint", func(t *testing.T) {
		_, err := New("missing", nil)
		assert.Error(t, err)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := New("x", &model.EndpointConfig{Provider: "bedrock", Model: "m"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `endpoint "x"`)
	})

	t.Run("reads default key env", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "from-env")
		p, err := New("claude", &model.EndpointConfig{Provider: "anthropic", Model: "claude-sonnet"})
		require.NoError(t, err)
		assert.Equal(t, "from-env", p.apiKey)
		assert.Equal(t, "claude", p.Name())
	})

	t.Run("reads configured key env", func(t *testing.T) {
		t.Setenv("MY_GATEWAY_KEY", "gateway")
		p, err := New("gw", &model.EndpointConfig{Provider: "openai", Model: "gpt-4o", APIKeyEnv: "MY_GATEWAY_KEY"})
		require.NoError(t, err)
		assert.Equal(t, "gateway", p.apiKey)
	})

	t.Run("option overrides env", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "from-env")
		p, err := New("gpt", &model.EndpointConfig{Provider: "openai", Model: "gpt-4o"}, WithAPIKey("explicit"))
		require.NoError(t, err)
		assert.Equal(t, "explicit", p.apiKey)
	})
}

func TestHTTPProvider_Generate_Text(t *testing.T) {
	var gotAuth, gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, chatResponse("Sunsets are free therapy."))
	}))
	defer server.Close()

	p := newTestProvider(t, "openai", server.URL+"/v1", "gpt-4o")
	out, err := p.Generate(context.Background(), &llm.GenerationRequest{
		Prompt:   "Caption this sunset",
		Modality: llm.ModalityText,
		Params:   llm.Params{MaxTokens: 64},
	})
	require.NoError(t, err)

	assert.Equal(t, "Sunsets are free therapy.", out.Text)
	assert.Equal(t, "gpt-4o", out.Model)
	assert.Equal(t, 7, out.Usage.TotalTokens)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/v1/chat/completions", gotPath)
	assert.Equal(t, float64(64), gotBody["max_tokens"])
}

func TestHTTPProvider_Generate_EndpointMaxTokensDefault(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = io.WriteString(w, chatResponse("ok"))
	}))
	defer server.Close()

	p, err := New("local", &model.EndpointConfig{
		Provider:  "ollama",
		URL:       server.URL + "/v1",
		Model:     "llama3.2",
		MaxTokens: 300,
	})
	require.NoError(t, err)

	_, err = p.Generate(context.Background(), &llm.GenerationRequest{Prompt: "hi", Modality: llm.ModalityText})
	require.NoError(t, err)
	assert.Equal(t, float64(300), gotBody["max_tokens"])
}

func TestHTTPProvider_Generate_ModelDefaultsToEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn"}`)
	}))
	defer server.Close()

	p := newTestProvider(t, "anthropic", server.URL, "claude-sonnet-4-20250514")
	out, err := p.Generate(context.Background(), &llm.GenerationRequest{Prompt: "hi", Modality: llm.ModalityText})
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", out.Model)
}

func TestHTTPProvider_Generate_ErrorNormalization(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind llm.ErrorKind
		wantCode string
	}{
		{
			name:     "openai rate limit",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`,
			wantKind: llm.KindQuotaExceeded,
			wantCode: "rate_limit_exceeded",
		},
		{
			name:     "openai bad key",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`,
			wantKind: llm.KindAuthFailure,
			wantCode: "invalid_api_key",
		},
		{
			name:     "anthropic overloaded",
			status:   529,
			body:     `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`,
			wantKind: llm.KindTransient,
			wantCode: "overloaded_error",
		},
		{
			name:     "gemini quota",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`,
			wantKind: llm.KindQuotaExceeded,
			wantCode: "RESOURCE_EXHAUSTED",
		},
		{
			name:     "service unavailable plain body",
			status:   http.StatusServiceUnavailable,
			body:     `upstream connect error`,
			wantKind: llm.KindTransient,
		},
		{
			name:     "bad request",
			status:   http.StatusBadRequest,
			body:     `{"error":"model not found"}`,
			wantKind: llm.KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			p := newTestProvider(t, "openai", server.URL, "gpt-4o")
			_, err := p.Generate(context.Background(), &llm.GenerationRequest{Prompt: "hi", Modality: llm.ModalityText})
			require.Error(t, err)

			var perr *llm.ProviderError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.Equal(t, "test-endpoint", perr.Provider)
			assert.Equal(t, tt.wantCode, perr.Code)
			assert.Equal(t, tt.wantKind, llm.Classify(err))
		})
	}
}

func TestHTTPProvider_Generate_UnsupportedModality(t *testing.T) {
	p := newTestProvider(t, "anthropic", "http://127.0.0.1:1", "claude")
	_, err := p.Generate(context.Background(), &llm.GenerationRequest{Prompt: "a cat", Modality: llm.ModalityImage})
	require.Error(t, err)

	var perr *llm.ProviderError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "unsupported_modality", perr.Code)
	assert.Equal(t, llm.KindUnknown, llm.Classify(err))
}

func TestHTTPProvider_Generate_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	p := newTestProvider(t, "openai", server.URL, "gpt-4o")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, &llm.GenerationRequest{Prompt: "hi", Modality: llm.ModalityText})
	require.Error(t, err)
	assert.Equal(t, llm.KindTransient, llm.Classify(err))
}

func TestHTTPProvider_Generate_ImageBase64(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = io.WriteString(w, `{"data":[{"b64_json":"`+base64.StdEncoding.EncodeToString(pngHeader)+`"}]}`)
	}))
	defer server.Close()

	p := newTestProvider(t, "openai", server.URL+"/v1", "gpt-image-1")
	out, err := p.Generate(context.Background(), &llm.GenerationRequest{Prompt: "a fox", Modality: llm.ModalityImage})
	require.NoError(t, err)

	assert.Equal(t, "/v1/images/generations", gotPath)
	assert.Equal(t, pngHeader, out.Data)
	assert.Equal(t, "image/png", out.MimeType)
	assert.Equal(t, "gpt-image-1", out.Model)
}

func TestHTTPProvider_Generate_ImageURLDownload(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"url":"`+server.URL+`/files/fox.webp"}]}`)
	})
	mux.HandleFunc("/files/fox.webp", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("webp-bytes"))
	})

	p := newTestProvider(t, "openai", server.URL+"/v1", "dall-e-3")
	out, err := p.Generate(context.Background(), &llm.GenerationRequest{Prompt: "a fox", Modality: llm.ModalityImage})
	require.NoError(t, err)

	assert.Equal(t, []byte("webp-bytes"), out.Data)
	assert.Equal(t, "image/webp", out.MimeType)
}

func TestHTTPProvider_Generate_ImageDownloadFails(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/v1/images/generations", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"data":[{"url":"`+server.URL+`/files/gone.png"}]}`)
	})
	mux.HandleFunc("/files/gone.png", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	p := newTestProvider(t, "openai", server.URL+"/v1", "dall-e-3")
	_, err := p.Generate(context.Background(), &llm.GenerationRequest{Prompt: "a fox", Modality: llm.ModalityImage})
	require.Error(t, err)
	assert.Equal(t, llm.KindTransient, llm.Classify(err))
}

func TestReadLimited(t *testing.T) {
	data, err := readLimited("p", strings.NewReader("12345"), 5)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))

	_, err = readLimited("p", strings.NewReader("123456"), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 5 bytes")
}

func TestParseErrorBody(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantCode    string
		wantMessage string
	}{
		{
			name:        "openai",
			body:        `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`,
			wantCode:    "insufficient_quota",
			wantMessage: "You exceeded your current quota",
		},
		{
			name:        "openai null code falls back to type",
			body:        `{"error":{"message":"bad","type":"invalid_request_error","code":null}}`,
			wantCode:    "invalid_request_error",
			wantMessage: "bad",
		},
		{
			name:        "anthropic",
			body:        `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`,
			wantCode:    "authentication_error",
			wantMessage: "invalid x-api-key",
		},
		{
			name:        "gemini",
			body:        `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`,
			wantCode:    "PERMISSION_DENIED",
			wantMessage: "API key not valid",
		},
		{
			name:        "ollama plain string",
			body:        `{"error":"model \"llama9\" not found"}`,
			wantMessage: `model "llama9" not found`,
		},
		{
			name:        "top-level message",
			body:        `{"message":"Internal error"}`,
			wantMessage: "Internal error",
		},
		{
			name:        "not json",
			body:        "  <html>Bad Gateway</html>\n",
			wantMessage: "<html>Bad Gateway</html>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, message := ParseErrorBody([]byte(tt.body))
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantMessage, message)
		})
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	t.Run("text passes system through", func(t *testing.T) {
		got := buildSystemPrompt(&llm.GenerationRequest{System: "be brief", Modality: llm.ModalityText})
		assert.Equal(t, "be brief", got)
	})

	t.Run("structured without schema", func(t *testing.T) {
		got := buildSystemPrompt(&llm.GenerationRequest{Modality: llm.ModalityStructured})
		assert.Equal(t, "Respond only with valid JSON.", got)
	})

	t.Run("structured with system and schema", func(t *testing.T) {
		got := buildSystemPrompt(&llm.GenerationRequest{
			System:   "be brief",
			Modality: llm.ModalityStructured,
			Schema:   map[string]any{"type": "object"},
		})
		assert.True(t, strings.HasPrefix(got, "be brief\n\nRespond only with valid JSON."))
		assert.Contains(t, got, `{"type":"object"}`)
	})
}
