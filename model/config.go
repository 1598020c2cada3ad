package model

import (
	"encoding/json"
	"fmt"
	"os"
)

// RegistryConfig is the serialized form of the registry. It is embedded under
// "registry" in contentgen.yaml and accepted as JSON by LoadFromJSON.
type RegistryConfig struct {
	Capabilities map[string]*CapabilityConfig `json:"capabilities" yaml:"capabilities"`
	Endpoints    map[string]*EndpointConfig   `json:"endpoints" yaml:"endpoints"`
	Defaults     *DefaultsConfig              `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Health       *HealthConfig                `json:"health,omitempty" yaml:"health,omitempty"`
}

// LoadFromFile loads a registry configuration from a JSON file.
func LoadFromFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	return LoadFromJSON(data)
}

// LoadFromJSON loads a registry from JSON data.
// Accepts either a document with a "registry" key or just the registry config.
func LoadFromJSON(data []byte) (*Registry, error) {
	var wrapped struct {
		Registry *RegistryConfig `json:"registry"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Registry != nil {
		return FromConfig(wrapped.Registry), nil
	}

	var regConfig RegistryConfig
	if err := json.Unmarshal(data, &regConfig); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}

	return FromConfig(&regConfig), nil
}

// FromConfig builds a registry from its serialized form.
func FromConfig(cfg *RegistryConfig) *Registry {
	r := registryFromConfig(cfg)
	if cfg.Health != nil {
		r.SetHealthConfig(*cfg.Health)
	}
	return r
}

// registryFromConfig converts a RegistryConfig to a Registry.
func registryFromConfig(cfg *RegistryConfig) *Registry {
	caps := make(map[Capability]*CapabilityConfig, len(cfg.Capabilities))
	for k, v := range cfg.Capabilities {
		caps[toCapability(k)] = v
	}

	endpoints := cfg.Endpoints
	if endpoints == nil {
		endpoints = make(map[string]*EndpointConfig)
	}

	defaults := cfg.Defaults
	if defaults == nil {
		defaults = &DefaultsConfig{Model: "default"}
	}

	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaults:     defaults,
	}
}

// toCapability keeps unknown capability names as-is so deployments can add their own.
func toCapability(s string) Capability {
	if cap := ParseCapability(s); cap != "" {
		return cap
	}
	return Capability(s)
}

// ToConfig converts a Registry to a RegistryConfig for serialization.
func (r *Registry) ToConfig() *RegistryConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	caps := make(map[string]*CapabilityConfig, len(r.capabilities))
	for k, v := range r.capabilities {
		caps[string(k)] = v
	}

	cfg := &RegistryConfig{
		Capabilities: caps,
		Endpoints:    r.endpoints,
		Defaults:     r.defaults,
	}
	if r.health != nil {
		r.health.mu.RLock()
		hc := r.health.config
		r.health.mu.RUnlock()
		cfg.Health = &hc
	}
	return cfg
}

// MergeFromConfig merges configuration into an existing registry.
// Existing entries are overwritten by the new config; health state is kept.
func (r *Registry) MergeFromConfig(cfg *RegistryConfig) {
	r.mu.Lock()
	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}

	for k, v := range cfg.Capabilities {
		r.capabilities[toCapability(k)] = v
	}
	for k, v := range cfg.Endpoints {
		r.endpoints[k] = v
	}
	if cfg.Defaults != nil {
		r.defaults = cfg.Defaults
	}
	r.mu.Unlock()

	if cfg.Health != nil {
		r.SetHealthConfig(*cfg.Health)
	}
}
