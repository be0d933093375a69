package providers

import (
	"errors"
	"fmt"
	"testing"
)

var errTest = errors.New("boom")

func TestClassifyError(t *testing.T) {
	tests := []struct {
		message string
		want    FailoverReason
	}{
		{"context deadline exceeded", FailoverTimeout},
		{"rate limit exceeded", FailoverRateLimit},
		{"Overloaded", FailoverRateLimit},
		{"401 unauthorized", FailoverAuth},
		{"insufficient quota", FailoverBilling},
		{"model not found", FailoverModelUnavailable},
		{"internal server error", FailoverServerError},
		{"something odd", FailoverUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyError(errors.New(tt.message)); got != tt.want {
			t.Errorf("ClassifyError(%q) = %s, want %s", tt.message, got, tt.want)
		}
	}
}

func TestClassifyStatusCode(t *testing.T) {
	tests := []struct {
		status int
		want   FailoverReason
	}{
		{401, FailoverAuth},
		{403, FailoverAuth},
		{402, FailoverBilling},
		{429, FailoverRateLimit},
		{400, FailoverInvalidRequest},
		{404, FailoverModelUnavailable},
		{500, FailoverServerError},
		{503, FailoverServerError},
		{418, FailoverUnknown},
	}
	for _, tt := range tests {
		if got := classifyStatusCode(tt.status); got != tt.want {
			t.Errorf("classifyStatusCode(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestRetryAndFailoverPolicy(t *testing.T) {
	tests := []struct {
		reason     FailoverReason
		retryable  bool
		shouldFail bool
	}{
		{FailoverRateLimit, true, false},
		{FailoverTimeout, true, false},
		{FailoverServerError, true, false},
		{FailoverBilling, false, true},
		{FailoverAuth, false, true},
		{FailoverModelUnavailable, false, true},
		{FailoverInvalidRequest, false, false},
		{FailoverContentFilter, false, false},
		{FailoverUnknown, false, false},
	}
	for _, tt := range tests {
		if got := tt.reason.IsRetryable(); got != tt.retryable {
			t.Errorf("%s.IsRetryable() = %v, want %v", tt.reason, got, tt.retryable)
		}
		if got := tt.reason.ShouldFailover(); got != tt.shouldFail {
			t.Errorf("%s.ShouldFailover() = %v, want %v", tt.reason, got, tt.shouldFail)
		}
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	wrapped := fmt.Errorf("attempt failed: %w", NewProviderError("anthropic", "claude", errTest))

	providerErr, ok := GetProviderError(wrapped)
	if !ok {
		t.Fatal("expected to find ProviderError in chain")
	}
	if providerErr.Provider != "anthropic" {
		t.Errorf("provider = %q", providerErr.Provider)
	}
	if !errors.Is(wrapped, errTest) {
		t.Error("cause lost from chain")
	}
}

func TestWithCodeReclassifies(t *testing.T) {
	err := NewProviderError("anthropic", "claude", errors.New("request failed")).
		WithStatus(500).
		WithCode("overloaded_error")
	if err.Reason != FailoverRateLimit {
		t.Errorf("reason = %s, want rate_limit after code reclassification", err.Reason)
	}
}
