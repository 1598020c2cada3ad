package model

import (
	"sync"
	"time"
)

// EndpointHealth tracks the health status of an endpoint.
type EndpointHealth struct {
	// Available indicates if the endpoint is currently usable.
	Available bool `json:"available"`

	// LastSuccess is the time of the last successful request.
	LastSuccess time.Time `json:"last_success,omitempty"`

	// LastFailure is the time of the last failed request.
	LastFailure time.Time `json:"last_failure,omitempty"`

	// FailureCount is the number of consecutive failures.
	FailureCount int `json:"failure_count"`

	// CircuitOpen indicates if the circuit breaker has tripped.
	CircuitOpen bool `json:"circuit_open"`

	// CircuitOpenedAt is when the circuit was opened.
	CircuitOpenedAt time.Time `json:"circuit_opened_at,omitempty"`

	// probes counts requests admitted while half-open.
	probes int
}

// HealthConfig configures the health tracking behavior.
type HealthConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// RecoveryTimeout is how long to wait before trying a failed endpoint again.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`

	// HalfOpenRequests is how many probe requests to admit once RecoveryTimeout has passed.
	HalfOpenRequests int `json:"half_open_requests" yaml:"half_open_requests"`
}

// DefaultHealthConfig returns sensible defaults for health tracking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// healthState stores endpoint health information.
type healthState struct {
	mu       sync.RWMutex
	config   HealthConfig
	statuses map[string]*EndpointHealth
}

func newHealthState(cfg HealthConfig) *healthState {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	return &healthState{
		config:   cfg,
		statuses: make(map[string]*EndpointHealth),
	}
}

// tracker returns the health state, creating it with defaults on first use.
func (r *Registry) tracker() *healthState {
	r.mu.RLock()
	h := r.health
	r.mu.RUnlock()
	if h != nil {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.health == nil {
		r.health = newHealthState(DefaultHealthConfig())
	}
	return r.health
}

// peek returns the health state without creating it.
func (r *Registry) peek() *healthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.health
}

// getOrCreate returns the status for an endpoint. Caller holds h.mu.
func (h *healthState) getOrCreate(name string) *EndpointHealth {
	if status, ok := h.statuses[name]; ok {
		return status
	}
	status := &EndpointHealth{Available: true}
	h.statuses[name] = status
	return status
}

// halfOpen reports whether an open circuit has waited out its recovery timeout.
func (h *healthState) halfOpen(status *EndpointHealth, now time.Time) bool {
	return status.CircuitOpen && now.Sub(status.CircuitOpenedAt) > h.config.RecoveryTimeout
}

// MarkEndpointSuccess records a successful request to an endpoint and closes its circuit.
func (r *Registry) MarkEndpointSuccess(name string) {
	h := r.tracker()
	h.mu.Lock()
	defer h.mu.Unlock()

	status := h.getOrCreate(name)
	status.LastSuccess = time.Now()
	status.FailureCount = 0
	status.Available = true
	status.CircuitOpen = false
	status.probes = 0
}

// MarkEndpointFailure records a failed request to an endpoint.
// A failed half-open probe reopens the circuit immediately.
func (r *Registry) MarkEndpointFailure(name string) {
	h := r.tracker()
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	status := h.getOrCreate(name)
	wasHalfOpen := h.halfOpen(status, now)

	status.LastFailure = now
	status.FailureCount++
	status.probes = 0

	if wasHalfOpen || status.FailureCount >= h.config.FailureThreshold {
		status.CircuitOpen = true
		status.CircuitOpenedAt = now
		status.Available = false
	}
}

// IsEndpointAvailable checks if an endpoint is available for requests.
// Returns false if the circuit breaker is open and the recovery timeout hasn't passed.
func (r *Registry) IsEndpointAvailable(name string) bool {
	h := r.peek()
	if h == nil {
		return true // No health tracking = always available
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	status, ok := h.statuses[name]
	if !ok || !status.CircuitOpen {
		return true
	}
	return h.halfOpen(status, time.Now())
}

// admit is IsEndpointAvailable for a caller about to send a request: while
// half-open it lets through at most HalfOpenRequests probes until a result arrives.
func (r *Registry) admit(name string) bool {
	h := r.peek()
	if h == nil {
		return true
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	status, ok := h.statuses[name]
	if !ok || !status.CircuitOpen {
		return true
	}
	if !h.halfOpen(status, time.Now()) {
		return false
	}
	if status.probes >= h.config.HalfOpenRequests {
		return false
	}
	status.probes++
	return true
}

// GetEndpointHealth returns the health status for an endpoint.
// Returns nil if no health information is available.
func (r *Registry) GetEndpointHealth(name string) *EndpointHealth {
	h := r.peek()
	if h == nil {
		return nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if status, ok := h.statuses[name]; ok {
		cp := *status
		return &cp
	}
	return nil
}

// GetAvailableFallbackChain returns the fallback chain filtered to endpoints that
// may take a request now. Half-open endpoints are admitted as probes.
func (r *Registry) GetAvailableFallbackChain(cap Capability) []string {
	chain := r.GetFallbackChain(cap)
	return r.FilterAvailable(chain)
}

// FilterAvailable filters an explicit endpoint list the same way.
// If every endpoint is unavailable the full list is returned: better to try
// something than nothing.
func (r *Registry) FilterAvailable(chain []string) []string {
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.admit(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// SetHealthConfig updates the health tracking configuration.
func (r *Registry) SetHealthConfig(cfg HealthConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.health == nil {
		r.health = newHealthState(cfg)
		return
	}

	fresh := newHealthState(cfg)
	r.health.mu.Lock()
	r.health.config = fresh.config
	r.health.mu.Unlock()
}

// ResetEndpointHealth clears the health status for an endpoint.
func (r *Registry) ResetEndpointHealth(name string) {
	h := r.peek()
	if h == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.statuses, name)
}
