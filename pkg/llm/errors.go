// Package llm provides a uniform capability interface over the configured
// LLM providers: plain generation, search-grounded generation, and
// structured search-grounded generation. The service layer owns prompt
// caching, deterministic keying, retries, and model fallback; providers
// are thin typed adapters over their wire APIs.
package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ProviderError is a failure surfaced by a provider's API. StatusCode 0
// means the failure happened before an HTTP status was available
// (connection error, timeout).
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s (%s) returned status %d: %s", e.Provider, e.Model, e.StatusCode, e.Message)
}

// IsCapacity reports whether the error indicates provider capacity or a
// server-side fault: the class that justifies trying the fallback model.
func IsCapacity(err error) bool {
	var pe *ProviderError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == 0 ||
		pe.StatusCode == http.StatusTooManyRequests ||
		pe.StatusCode >= 500
}

// ErrEmptyResponse is returned when a provider produced no usable output.
// It is retryable and never cached.
var ErrEmptyResponse = errors.New("empty LLM response")

// ErrUnsupportedModel is returned when a requested model is not in the
// configured allow-list.
var ErrUnsupportedModel = errors.New("unsupported model")
