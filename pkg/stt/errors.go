package stt

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSpeech is returned when the backend recognized no words.
	ErrNoSpeech = errors.New("stt: no speech recognized")

	// ErrEmptyAudio is returned for a zero-length payload.
	ErrEmptyAudio = errors.New("stt: empty audio")

	// ErrNoAPIKey is returned when a hosted backend has no credentials.
	ErrNoAPIKey = errors.New("stt: API key required")

	// ErrNoModel is returned when no model is configured.
	ErrNoModel = errors.New("stt: model required")
)

// APIError represents an error response from a recognition service.
type APIError struct {
	StatusCode int
	Message    string
	Provider   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stt [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether the request may succeed on retry. Hugging
// Face answers 503 while a model is cold.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || (e.StatusCode >= 500 && e.StatusCode < 600)
}

// ProviderError wraps an error with provider context.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("stt [%s]: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// WrapError wraps err with provider context. ErrNoSpeech passes through
// unwrapped so callers can compare it directly.
func WrapError(provider string, err error) error {
	if err == nil || errors.Is(err, ErrNoSpeech) {
		return err
	}
	return &ProviderError{Provider: provider, Err: err}
}
