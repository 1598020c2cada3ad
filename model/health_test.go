package model

import (
	"testing"
	"time"
)

func TestEndpointHealthTracking(t *testing.T) {
	r := NewDefaultRegistry()

	// Initially, all endpoints should be available
	if !r.IsEndpointAvailable("gpt-4o") {
		t.Error("expected gpt-4o to be available initially")
	}

	// No health info should exist yet
	if health := r.GetEndpointHealth("gpt-4o"); health != nil {
		t.Error("expected no health info before any requests")
	}

	r.MarkEndpointSuccess("gpt-4o")

	health := r.GetEndpointHealth("gpt-4o")
	if health == nil {
		t.Fatal("expected health info after success")
	}
	if !health.Available {
		t.Error("expected endpoint to be available after success")
	}
	if health.FailureCount != 0 {
		t.Errorf("expected failure count 0, got %d", health.FailureCount)
	}
	if health.LastSuccess.IsZero() {
		t.Error("expected last success to be set")
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  time.Hour,
	})

	r.MarkEndpointFailure("gpt-4o")
	if !r.IsEndpointAvailable("gpt-4o") {
		t.Error("expected gpt-4o to be available after 1 failure")
	}

	r.MarkEndpointFailure("gpt-4o")
	if r.IsEndpointAvailable("gpt-4o") {
		t.Error("expected gpt-4o to be unavailable after circuit opens")
	}

	health := r.GetEndpointHealth("gpt-4o")
	if !health.CircuitOpen {
		t.Error("expected circuit to be open")
	}
	if health.FailureCount != 2 {
		t.Errorf("expected failure count 2, got %d", health.FailureCount)
	}
}

func TestCircuitBreakerHalfOpen(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  50 * time.Millisecond,
		HalfOpenRequests: 1,
	})

	r.MarkEndpointFailure("gpt-4o")
	if r.IsEndpointAvailable("gpt-4o") {
		t.Fatal("expected circuit to be open")
	}

	time.Sleep(100 * time.Millisecond)

	if !r.IsEndpointAvailable("gpt-4o") {
		t.Fatal("expected endpoint to be half-open after recovery timeout")
	}

	// Only one probe is admitted until a result arrives
	chain := r.GetAvailableFallbackChain(CapabilityStructured)
	if chain[0] != "gpt-4o" {
		t.Errorf("expected probe to include gpt-4o, got %v", chain)
	}
	chain = r.GetAvailableFallbackChain(CapabilityStructured)
	for _, name := range chain {
		if name == "gpt-4o" {
			t.Errorf("expected second caller to skip gpt-4o while probing, got %v", chain)
		}
	}

	// A failed probe reopens the circuit at once
	r.MarkEndpointFailure("gpt-4o")
	if r.IsEndpointAvailable("gpt-4o") {
		t.Error("expected failed probe to reopen the circuit")
	}
}

func TestCircuitBreakerRecovery(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})

	r.MarkEndpointFailure("gpt-4o")
	time.Sleep(20 * time.Millisecond)

	r.MarkEndpointSuccess("gpt-4o")
	health := r.GetEndpointHealth("gpt-4o")
	if health.CircuitOpen {
		t.Error("expected circuit closed after success")
	}
	if health.FailureCount != 0 {
		t.Errorf("expected failure count reset, got %d", health.FailureCount)
	}
}

func TestGetAvailableFallbackChain(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	})

	r.MarkEndpointFailure("gpt-4o")

	chain := r.GetAvailableFallbackChain(CapabilityText)
	for _, name := range chain {
		if name == "gpt-4o" {
			t.Error("expected gpt-4o to be filtered out")
		}
	}
	if len(chain) != 2 || chain[0] != "claude-sonnet" {
		t.Errorf("expected [claude-sonnet llama3.2], got %v", chain)
	}
}

func TestGetAvailableFallbackChainAllUnavailable(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	})

	r.MarkEndpointFailure("gpt-image")
	r.MarkEndpointFailure("dall-e-3")

	// Better to try something than nothing
	chain := r.GetAvailableFallbackChain(CapabilityImage)
	if len(chain) != 2 {
		t.Errorf("expected full chain when all unavailable, got %v", chain)
	}
}

func TestResetEndpointHealth(t *testing.T) {
	r := NewDefaultRegistry()
	r.SetHealthConfig(HealthConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	r.MarkEndpointFailure("gpt-4o")
	r.ResetEndpointHealth("gpt-4o")

	if !r.IsEndpointAvailable("gpt-4o") {
		t.Error("expected endpoint available after reset")
	}
	if r.GetEndpointHealth("gpt-4o") != nil {
		t.Error("expected no health info after reset")
	}
}

func TestDefaultHealthConfig(t *testing.T) {
	cfg := DefaultHealthConfig()

	if cfg.FailureThreshold != 3 {
		t.Errorf("expected threshold 3, got %d", cfg.FailureThreshold)
	}
	if cfg.RecoveryTimeout != 30*time.Second {
		t.Errorf("expected 30s recovery timeout, got %v", cfg.RecoveryTimeout)
	}
	if cfg.HalfOpenRequests != 1 {
		t.Errorf("expected 1 half-open request, got %d", cfg.HalfOpenRequests)
	}
}
