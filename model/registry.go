package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry manages endpoint selection based on capabilities.
// It maps capabilities to preferred endpoints with fallback chains and tracks
// per-endpoint health.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	defaults     *DefaultsConfig
	health       *healthState
}

// CapabilityConfig defines endpoint preferences for a capability.
type CapabilityConfig struct {
	// Description explains what this capability is for.
	Description string `json:"description" yaml:"description"`

	// Preferred lists endpoints in order of preference.
	// The first available endpoint is used.
	Preferred []string `json:"preferred" yaml:"preferred"`

	// Fallback lists backup endpoints if all preferred fail.
	Fallback []string `json:"fallback" yaml:"fallback"`
}

// EndpointConfig defines an available provider endpoint.
type EndpointConfig struct {
	// Provider is the adapter to use (openai, anthropic, ollama).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL. Empty uses the provider default.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the actual model identifier to send to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens is the default completion limit for this endpoint.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// APIKeyEnv names the environment variable holding the API key.
	// Empty uses the provider default (e.g., OPENAI_API_KEY).
	APIKeyEnv string `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
}

// DefaultsConfig holds default endpoint settings.
type DefaultsConfig struct {
	// Model is the default endpoint when no capability matches.
	Model string `json:"model" yaml:"model"`
}

// NewRegistry creates a new registry with the given configuration.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig) *Registry {
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaults: &DefaultsConfig{
			Model: "default",
		},
	}
}

// NewDefaultRegistry creates a registry with sensible defaults.
// Used when no configuration is provided.
func NewDefaultRegistry() *Registry {
	return &Registry{
		capabilities: map[Capability]*CapabilityConfig{
			CapabilityText: {
				Description: "Captions, ad copy, stories, SEO text",
				Preferred:   []string{"gpt-4o"},
				Fallback:    []string{"claude-sonnet", "llama3.2"},
			},
			CapabilityStructured: {
				Description: "JSON output for posts, calendars and briefs",
				Preferred:   []string{"gpt-4o"},
				Fallback:    []string{"claude-sonnet", "gpt-4o-mini"},
			},
			CapabilityImage: {
				Description: "Social and ad imagery",
				Preferred:   []string{"gpt-image"},
				Fallback:    []string{"dall-e-3"},
			},
			CapabilityFast: {
				Description: "Quick responses, simple tasks",
				Preferred:   []string{"gpt-4o-mini"},
				Fallback:    []string{"claude-haiku", "llama3.2"},
			},
		},
		endpoints: map[string]*EndpointConfig{
			"gpt-4o": {
				Provider:  "openai",
				Model:     "gpt-4o",
				MaxTokens: 4096,
			},
			"gpt-4o-mini": {
				Provider:  "openai",
				Model:     "gpt-4o-mini",
				MaxTokens: 4096,
			},
			"claude-sonnet": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 4096,
			},
			"claude-haiku": {
				Provider:  "anthropic",
				Model:     "claude-3-5-haiku-20241022",
				MaxTokens: 4096,
			},
			"llama3.2": {
				Provider: "ollama",
				URL:      "http://localhost:11434/v1",
				Model:    "llama3.2",
			},
			"gpt-image": {
				Provider: "openai",
				Model:    "gpt-image-1",
			},
			"dall-e-3": {
				Provider: "openai",
				Model:    "dall-e-3",
			},
		},
		defaults: &DefaultsConfig{
			Model: "gpt-4o-mini",
		},
	}
}

// Resolve returns the preferred endpoint for a capability.
func (r *Registry) Resolve(cap Capability) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaults.Model
}

// GetFallbackChain returns all endpoints for a capability in order of preference.
func (r *Registry) GetFallbackChain(cap Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	return []string{r.defaults.Model}
}

// ForModality returns the resolved endpoint for a modality's default capability.
func (r *Registry) ForModality(modality string) string {
	return r.Resolve(CapabilityForModality(modality))
}

// GetFallbackChainForModality returns the full fallback chain for a modality.
func (r *Registry) GetFallbackChainForModality(modality string) []string {
	return r.GetFallbackChain(CapabilityForModality(modality))
}

// GetEndpoint returns the endpoint configuration for an endpoint name.
// Returns nil if the endpoint is not configured.
func (r *Registry) GetEndpoint(name string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.endpoints[name]
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(cap Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	r.capabilities[cap] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// SetDefault sets the default endpoint.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.defaults == nil {
		r.defaults = &DefaultsConfig{}
	}
	r.defaults.Model = name
}

// ListCapabilities returns all configured capabilities, sorted.
func (r *Registry) ListCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make([]Capability, 0, len(r.capabilities))
	for cap := range r.capabilities {
		caps = append(caps, cap)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// ListEndpoints returns all configured endpoint names, sorted.
func (r *Registry) ListEndpoints() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every endpoint named by a capability or the default exists
// and names a provider and model.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for name, ep := range r.endpoints {
		if ep == nil {
			errs = append(errs, fmt.Errorf("endpoint %q: missing configuration", name))
			continue
		}
		if ep.Provider == "" {
			errs = append(errs, fmt.Errorf("endpoint %q: provider is required", name))
		}
		if ep.Model == "" {
			errs = append(errs, fmt.Errorf("endpoint %q: model is required", name))
		}
	}

	for cap, cfg := range r.capabilities {
		if cfg == nil {
			continue
		}
		for _, name := range cfg.Preferred {
			if _, ok := r.endpoints[name]; !ok {
				errs = append(errs, fmt.Errorf("capability %q: preferred endpoint %q not found", cap, name))
			}
		}
		for _, name := range cfg.Fallback {
			if _, ok := r.endpoints[name]; !ok {
				errs = append(errs, fmt.Errorf("capability %q: fallback endpoint %q not found", cap, name))
			}
		}
	}

	if r.defaults != nil && r.defaults.Model != "" {
		if _, ok := r.endpoints[r.defaults.Model]; !ok {
			errs = append(errs, fmt.Errorf("default endpoint %q not found", r.defaults.Model))
		}
	}

	return errors.Join(errs...)
}

// MarshalJSON implements json.Marshaler for the registry.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.ToConfig())
}

// UnmarshalJSON implements json.Unmarshaler for the registry.
func (r *Registry) UnmarshalJSON(data []byte) error {
	var cfg RegistryConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}

	loaded := registryFromConfig(&cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.capabilities = loaded.capabilities
	r.endpoints = loaded.endpoints
	r.defaults = loaded.defaults
	return nil
}
