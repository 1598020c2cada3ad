package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"unicode/utf8"
)

// ErrorKind classifies a provider failure for retry and fallback decisions.
type ErrorKind string

const (
	// KindNone is the zero kind, used on successful attempts.
	KindNone ErrorKind = ""

	// KindTransient is a temporary fault that may succeed on the same provider.
	KindTransient ErrorKind = "transient"

	// KindQuotaExceeded covers rate limits, exhausted quotas and billing failures.
	KindQuotaExceeded ErrorKind = "quota_exceeded"

	// KindMalformed means the provider answered but no structured value could be recovered.
	KindMalformed ErrorKind = "malformed"

	// KindAuthFailure means the credentials were rejected.
	KindAuthFailure ErrorKind = "auth_failure"

	// KindUnknown is everything else.
	KindUnknown ErrorKind = "unknown"
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	return string(k)
}

// Retryable reports whether the same provider should be called again.
func (k ErrorKind) Retryable() bool {
	return k == KindTransient
}

// ErrMalformedOutput marks an empty or unparsable response on a structured-json request.
var ErrMalformedOutput = errors.New("malformed structured output")

// ProviderError is the normalized form of every vendor failure.
// Adapters convert HTTP errors, SDK errors and vendor error bodies into this
// shape before anything classifies them.
type ProviderError struct {
	// Provider is the endpoint name that failed.
	Provider string

	// StatusCode is the HTTP status, or 0 when the failure happened below HTTP.
	StatusCode int

	// Code is the vendor error code or type (e.g., "rate_limit_exceeded").
	Code string

	// Message is the vendor message, truncated by the adapter.
	Message string

	// Err is the underlying transport error, if any.
	Err error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, "status %d", e.StatusCode)
	} else {
		b.WriteString("request failed")
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewStatusError builds a ProviderError from an HTTP status and response body.
func NewStatusError(provider string, statusCode int, code, message string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Code:       code,
		Message:    Truncate(message, maxErrorMessageLen),
	}
}

// NewTransportError wraps a failure that happened before an HTTP status was received.
func NewTransportError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Err: err}
}

const maxErrorMessageLen = 200

// Message substrings, lowercased. Kept here so vendor matching never leaks
// into the orchestrator.
var (
	authTerms = []string{
		"invalid api key",
		"invalid_api_key",
		"incorrect api key",
		"api key not valid",
		"invalid x-api-key",
		"unauthenticated",
		"authentication_error",
	}
	quotaTerms = []string{
		"quota",
		"resource_exhausted",
		"rate_limit",
		"rate limit",
		"too many requests",
		"billing",
		"credit balance",
		"payment required",
	}
	transientTerms = []string{
		"overloaded",
		"temporarily unavailable",
		"service unavailable",
	}
)

// Classify maps an error to the failure taxonomy. It has no side effects.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var recErr *RecoveryError
	if errors.Is(err, ErrMalformedOutput) || errors.As(err, &recErr) {
		return KindMalformed
	}

	status := 0
	text := strings.ToLower(err.Error())
	var perr *ProviderError
	if errors.As(err, &perr) {
		status = perr.StatusCode
		text = strings.ToLower(perr.Code + " " + perr.Message)
	}

	// Status codes decide before message text.
	switch status {
	case http.StatusUnauthorized:
		return KindAuthFailure
	case http.StatusTooManyRequests, http.StatusForbidden, http.StatusPaymentRequired:
		return KindQuotaExceeded
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout,
		529: // Anthropic "overloaded"
		return KindTransient
	}

	switch {
	case containsAny(text, authTerms):
		return KindAuthFailure
	case containsAny(text, quotaTerms):
		return KindQuotaExceeded
	case containsAny(text, transientTerms):
		return KindTransient
	}

	// A caller cancellation is not the provider's fault and must not be retried.
	if errors.Is(err, context.Canceled) {
		return KindUnknown
	}
	// Per-call timeout or network failure below HTTP.
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	return KindUnknown
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// Truncate shortens s to at most n bytes, marking the cut with "...". The cut
// never splits a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
