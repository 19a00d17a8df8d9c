package stt

import (
	"context"
	"sync"
)

// Mock implements Transcriber for testing.
type Mock struct {
	// TranscribeFunc is called when Transcribe is invoked.
	TranscribeFunc func(ctx context.Context, audio []byte) (Result, error)

	// HealthFunc is called when Health is invoked. If nil, Health succeeds.
	HealthFunc func(ctx context.Context) error

	mu    sync.Mutex
	calls [][]byte
}

// NewMock returns a mock that always hears text. Empty text behaves like
// a recording with no speech.
func NewMock(text string) *Mock {
	return &Mock{
		TranscribeFunc: func(ctx context.Context, audio []byte) (Result, error) {
			if err := ctx.Err(); err != nil {
				return Result{}, err
			}
			return result(text, 1, 0)
		},
	}
}

// WithError returns a mock that always fails with err.
func WithError(err error) *Mock {
	return &Mock{
		TranscribeFunc: func(ctx context.Context, audio []byte) (Result, error) {
			return Result{}, err
		},
		HealthFunc: func(ctx context.Context) error {
			return err
		},
	}
}

// Transcribe calls TranscribeFunc and records the payload.
func (m *Mock) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, audio)
	m.mu.Unlock()

	if m.TranscribeFunc == nil {
		return Result{}, ErrNoSpeech
	}
	return m.TranscribeFunc(ctx, audio)
}

// Calls returns the number of Transcribe calls.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Health calls HealthFunc.
func (m *Mock) Health(ctx context.Context) error {
	if m.HealthFunc == nil {
		return nil
	}
	return m.HealthFunc(ctx)
}

// Close is a no-op.
func (m *Mock) Close() error {
	return nil
}

var _ Transcriber = (*Mock)(nil)
