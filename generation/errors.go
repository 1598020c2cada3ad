package generation

import (
	"fmt"
	"net/http"

	"github.com/c360studio/contentgen/llm"
)

// StatusClientClosedRequest is the non-standard status for a request the caller abandoned.
const StatusClientClosedRequest = 499

// GenerationError is the user-facing form of an unsuccessful result.
type GenerationError struct {
	RequestID string
	Status    int
	Kind      llm.ErrorKind
	State     llm.State
	Degraded  bool
	Message   string
	Failures  []llm.Failure
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation %s failed (%d): %s", e.RequestID, e.Status, e.Message)
}

// ResultError converts an unsuccessful result into a *GenerationError.
// It returns nil for successful results.
func ResultError(res *llm.GenerationResult) error {
	if res == nil || res.Success {
		return nil
	}

	kind := res.FailureKind()
	status, message := statusFor(res.State, kind)
	if res.Degraded {
		message = "The generated content could only be partially recovered."
	}

	return &GenerationError{
		RequestID: res.RequestID,
		Status:    status,
		Kind:      kind,
		State:     res.State,
		Degraded:  res.Degraded,
		Message:   message,
		Failures:  res.Failures,
	}
}

func statusFor(state llm.State, kind llm.ErrorKind) (int, string) {
	if state == llm.StateCancelled {
		return StatusClientClosedRequest, "The request was cancelled."
	}

	switch kind {
	case llm.KindQuotaExceeded:
		return http.StatusTooManyRequests, "Content generation is temporarily rate limited. Please try again later."
	case llm.KindAuthFailure:
		return http.StatusBadGateway, "Content generation is misconfigured."
	case llm.KindMalformed:
		return http.StatusUnprocessableEntity, "The generated content could not be read."
	case llm.KindTransient:
		return http.StatusServiceUnavailable, "Content generation is temporarily unavailable. Please try again."
	default:
		return http.StatusBadGateway, "Content generation failed."
	}
}
