package inference

import (
	"errors"
	"fmt"
)

// Sentinel errors for common conditions.
var (
	// ErrNoAPIKey is returned when an API key is required but missing.
	ErrNoAPIKey = errors.New("inference: API key required")

	// ErrNoModel is returned when no chat model is configured.
	ErrNoModel = errors.New("inference: model required")

	// ErrBadTemperature is returned for a temperature outside 0.0-2.0.
	ErrBadTemperature = errors.New("inference: temperature must be between 0 and 2")

	// ErrProviderUnavailable is returned when no providers are available.
	ErrProviderUnavailable = errors.New("inference: provider unavailable")

	// ErrEmbeddingsNotSupported is returned when embeddings are not configured.
	ErrEmbeddingsNotSupported = errors.New("inference: embeddings not supported by provider")

	// ErrEmptyResponse is returned when the model produced no choices.
	ErrEmptyResponse = errors.New("inference: empty response")
)

// APIError represents an error response from an inference API.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	Provider   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("inference [%s]: API error %d (%s): %s",
			e.Provider, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("inference [%s]: API error %d: %s",
		e.Provider, e.StatusCode, e.Message)
}

// IsRateLimited returns true for HTTP 429.
func (e *APIError) IsRateLimited() bool {
	return e.StatusCode == 429
}

// IsUnauthorized returns true for HTTP 401.
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsServerError returns true for HTTP 5xx.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500 && e.StatusCode < 600
}

// IsRetryable returns true if the request should be retried.
func (e *APIError) IsRetryable() bool {
	return e.IsRateLimited() || e.IsServerError()
}

// ProviderError wraps an error with provider context.
type ProviderError struct {
	Provider string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	return fmt.Sprintf("inference [%s]: %v", e.Provider, e.Err)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// WrapError wraps an error with provider context.
func WrapError(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Err: err}
}

// ChainError aggregates errors from all providers in a chain.
type ChainError struct {
	Errors []error
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	switch len(e.Errors) {
	case 0:
		return "inference chain: no errors recorded"
	case 1:
		return fmt.Sprintf("inference chain: %v", e.Errors[0])
	}
	return fmt.Sprintf("inference chain: all %d providers failed, last error: %v",
		len(e.Errors), e.Errors[len(e.Errors)-1])
}

// Unwrap returns every recorded error so errors.Is matches any of them.
func (e *ChainError) Unwrap() []error {
	return e.Errors
}
