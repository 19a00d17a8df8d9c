// Package stt transcribes caller audio with hosted speech recognition
// services.
//
// Every backend reports one of three outcomes: a Result with text, the
// ErrNoSpeech sentinel when the service heard nothing, or an error
// describing the failure. Callers decide how each outcome is voiced.
package stt

import (
	"context"
	"strings"
)

// Transcriber converts one recorded utterance to text.
type Transcriber interface {
	// Transcribe recognizes audio. The payload is a WAV file or raw
	// PCM16 mono at the configured sample rate.
	Transcribe(ctx context.Context, audio []byte) (Result, error)

	// Health checks backend connectivity and credentials.
	Health(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}

// Result is a successful transcription.
type Result struct {
	Text       string
	Confidence float64 // 0 when the backend does not report one
	LatencyMs  int64
}

// result trims text and maps an empty transcript to ErrNoSpeech.
func result(text string, confidence float64, latencyMs int64) (Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{}, ErrNoSpeech
	}
	return Result{Text: text, Confidence: confidence, LatencyMs: latencyMs}, nil
}

// languageTag returns the primary subtag of a BCP-47 code ("en-US" -> "en").
func languageTag(code string) string {
	if i := strings.IndexAny(code, "-_"); i > 0 {
		return strings.ToLower(code[:i])
	}
	return strings.ToLower(code)
}
