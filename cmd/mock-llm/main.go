// Package main implements a mock LLM server for driving contentgen by hand.
// It serves OpenAI-compatible /v1/chat/completions responses from fixture
// files, routing by the "model" field in the request, so provider chains,
// retries and JSON recovery can be exercised offline and deterministically.
//
// Usage:
//
//	mock-llm -fixtures /path/to/fixtures -port 11434
//
// Fixture files are named by model and may sit in nested directories:
//
//	caption.json          returned verbatim as the assistant message (must be valid JSON)
//	caption.txt           returned verbatim (use for malformed or fenced output)
//	caption.2.json        the 2nd call to model "caption" gets this fixture
//	caption.1.error.json  the 1st call fails: {"status":503,"message":"overloaded"}
//	caption.error.json    every call past the numbered fixtures fails
//
// Numbered fixtures are served in numeric order; after they are exhausted the
// base fixture repeats, or the last numbered fixture when there is no base.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// --- OpenAI-compatible types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// --- Fixtures ---

// fixture is one scripted response: either content or an HTTP failure.
type fixture struct {
	Content string `json:"-"`
	Status  int    `json:"status"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (f fixture) isError() bool {
	return f.Status != 0
}

// Fixture file name patterns, most specific first.
var (
	numberedErrorRe = regexp.MustCompile(`^(.+)\.(\d+)\.error\.json$`)
	baseErrorRe     = regexp.MustCompile(`^(.+)\.error\.json$`)
	numberedFileRe  = regexp.MustCompile(`^(.+)\.(\d+)\.(json|txt)$`)
	baseFileRe      = regexp.MustCompile(`^(.+)\.(json|txt)$`)
)

// loadFixtures reads fixture files under dir and returns model → ordered sequence.
//
// For each model, fixtures are ordered:
//  1. Numbered files (model.1.json, model.2.error.json, ...) in numeric order
//  2. The base file (model.json, model.txt or model.error.json) as the repeating fallback
func loadFixtures(dir string) (map[string][]fixture, error) {
	fsys := os.DirFS(dir)
	paths, err := doublestar.Glob(fsys, "**/*.{json,txt}", doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob fixtures: %w", err)
	}

	base := make(map[string]fixture)
	numbered := make(map[string]map[int]fixture)

	for _, p := range paths {
		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}

		model, index, fx, err := parseFixture(path.Base(p), data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}

		if index == 0 {
			if _, dup := base[model]; dup {
				return nil, fmt.Errorf("%s: duplicate base fixture for model %q", p, model)
			}
			base[model] = fx
			continue
		}
		if numbered[model] == nil {
			numbered[model] = make(map[int]fixture)
		}
		if _, dup := numbered[model][index]; dup {
			return nil, fmt.Errorf("%s: duplicate fixture %d for model %q", p, index, model)
		}
		numbered[model][index] = fx
	}

	fixtures := make(map[string][]fixture)
	for model, byIndex := range numbered {
		indices := make([]int, 0, len(byIndex))
		for idx := range byIndex {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			fixtures[model] = append(fixtures[model], byIndex[idx])
		}
	}
	for model, fx := range base {
		fixtures[model] = append(fixtures[model], fx)
	}

	if len(fixtures) == 0 {
		return nil, fmt.Errorf("no fixture files found in %s", dir)
	}
	return fixtures, nil
}

// parseFixture decodes one fixture file. index is 0 for base fixtures.
func parseFixture(name string, data []byte) (model string, index int, fx fixture, err error) {
	if m := numberedErrorRe.FindStringSubmatch(name); m != nil {
		index, _ = strconv.Atoi(m[2])
		if index == 0 {
			return "", 0, fixture{}, fmt.Errorf("fixture numbers start at 1")
		}
		fx, err = parseErrorFixture(data)
		return m[1], index, fx, err
	}
	if m := baseErrorRe.FindStringSubmatch(name); m != nil {
		fx, err = parseErrorFixture(data)
		return m[1], 0, fx, err
	}

	ext := path.Ext(name)
	if ext == ".json" && !json.Valid(data) {
		return "", 0, fixture{}, fmt.Errorf("invalid JSON (use .txt for malformed output)")
	}
	if m := numberedFileRe.FindStringSubmatch(name); m != nil {
		index, _ = strconv.Atoi(m[2])
		if index == 0 {
			return "", 0, fixture{}, fmt.Errorf("fixture numbers start at 1")
		}
		return m[1], index, fixture{Content: string(data)}, nil
	}
	if m := baseFileRe.FindStringSubmatch(name); m != nil {
		return m[1], 0, fixture{Content: string(data)}, nil
	}
	return "", 0, fixture{}, fmt.Errorf("unrecognized fixture name")
}

func parseErrorFixture(data []byte) (fixture, error) {
	var fx fixture
	if err := json.Unmarshal(data, &fx); err != nil {
		return fixture{}, fmt.Errorf("invalid error fixture: %w", err)
	}
	if fx.Status < 400 || fx.Status > 599 {
		return fixture{}, fmt.Errorf("error fixture status %d is not an HTTP error", fx.Status)
	}
	if fx.Message == "" {
		fx.Message = http.StatusText(fx.Status)
	}
	return fx, nil
}

// --- Server ---

// capturedRequest stores the key fields of an incoming LLM request.
type capturedRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"` // 1-indexed per-model call number
	Status    int           `json:"status"`
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures map[string][]fixture
	logger   *slog.Logger
	calls    atomic.Int64 // total calls served
	failures atomic.Int64 // calls answered with an error fixture

	// mu guards the per-model counters and captured requests.
	mu            sync.Mutex
	modelCalls    map[string]int
	modelRequests map[string][]capturedRequest
}

func newServer(fixtures map[string][]fixture, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures:      fixtures,
		logger:        logger,
		modelCalls:    make(map[string]int),
		modelRequests: make(map[string][]capturedRequest),
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	mux.HandleFunc("/reset", s.handleReset)
	return mux
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory containing fixture response files")
	port := flag.Int("port", 11434, "port to listen on")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}
	if *fixtureDir == "" {
		*fixtureDir = "/fixtures"
	}

	fixtures, err := loadFixtures(*fixtureDir)
	if err != nil {
		logger.Error("Failed to load fixtures", "dir", *fixtureDir, "error", err)
		os.Exit(1)
	}
	logger.Info("Loaded fixtures", "models", len(fixtures), "dir", *fixtureDir)
	for model, seq := range fixtures {
		logger.Info("Model fixtures", "model", model, "count", len(seq))
	}

	s := newServer(fixtures, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Mock LLM server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// next selects the fixture for the next call to model and records the request.
func (s *server) next(model string, req chatRequest) (fixture, int, bool) {
	seq, ok := s.fixtures[model]
	if !ok {
		return fixture{}, 0, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.modelCalls[model]++
	callIndex := s.modelCalls[model]

	fx := seq[len(seq)-1]
	if callIndex <= len(seq) {
		fx = seq[callIndex-1]
	}

	status := http.StatusOK
	if fx.isError() {
		status = fx.Status
	}
	s.modelRequests[model] = append(s.modelRequests[model], capturedRequest{
		Model:     model,
		Messages:  req.Messages,
		CallIndex: callIndex,
		Status:    status,
		Timestamp: time.Now().UnixMilli(),
	})
	return fx, callIndex, true
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: errorDetail{
			Message: fmt.Sprintf("invalid request body: %v", err),
			Type:    "invalid_request_error",
		}})
		return
	}

	callNum := s.calls.Add(1)
	fx, callIndex, ok := s.next(req.Model, req)
	if !ok {
		s.logger.Warn("No fixture for model", "call", callNum, "model", req.Model)
		writeJSON(w, http.StatusNotFound, errorResponse{Error: errorDetail{
			Message: fmt.Sprintf("The model `%s` does not exist", req.Model),
			Type:    "invalid_request_error",
		}})
		return
	}

	if fx.isError() {
		s.failures.Add(1)
		s.logger.Info("Injected failure",
			"call", callNum, "model", req.Model, "call_index", callIndex, "status", fx.Status)
		writeJSON(w, fx.Status, errorResponse{Error: errorDetail{Message: fx.Message, Type: fx.Type}})
		return
	}

	prompt := 0
	for _, m := range req.Messages {
		prompt += len(m.Content) / 4
	}
	completion := len(fx.Content) / 4

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Index:        0,
			Message:      chatMessage{Role: "assistant", Content: fx.Content},
			FinishReason: "stop",
		}},
		Usage: chatUsage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}

	writeJSON(w, http.StatusOK, resp)
	s.logger.Info("Served fixture",
		"call", callNum, "model", req.Model, "call_index", callIndex, "bytes", len(fx.Content))
}

// handleModels returns the list of available mock models.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := make([]modelEntry, 0, len(s.fixtures))
	for name := range s.fixtures {
		models = append(models, modelEntry{ID: name, Object: "model", OwnedBy: "mock-llm"})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleStats returns call counts: total_calls, injected_failures and calls_by_model.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	callsByModel := make(map[string]int, len(s.modelCalls))
	for model, n := range s.modelCalls {
		callsByModel[model] = n
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"total_calls":       s.calls.Load(),
		"injected_failures": s.failures.Load(),
		"calls_by_model":    callsByModel,
	})
}

// handleRequests returns captured requests.
// Query params:
//   - model: filter by model name (optional, returns all models if omitted)
//   - call: filter by call index, 1-indexed (optional)
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	modelFilter := r.URL.Query().Get("model")
	callFilter := r.URL.Query().Get("call")

	callIdx := 0
	if callFilter != "" {
		n, err := strconv.Atoi(callFilter)
		if err != nil || n < 1 {
			http.Error(w, "call must be a positive integer", http.StatusBadRequest)
			return
		}
		callIdx = n
	}

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for model, reqs := range s.modelRequests {
		if modelFilter != "" && model != modelFilter {
			continue
		}
		for _, req := range reqs {
			if callIdx == 0 || req.CallIndex == callIdx {
				result[model] = append(result[model], req)
			}
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"requests_by_model": result,
	})
}

// handleReset clears counters and captured requests so sequences restart.
func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	s.modelCalls = make(map[string]int)
	s.modelRequests = make(map[string][]capturedRequest)
	s.mu.Unlock()
	s.calls.Store(0)
	s.failures.Store(0)

	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
