package tts

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	// SynthesizeFunc is called when Synthesize is invoked.
	// If nil, Synthesize fails with ErrProviderUnavailable.
	SynthesizeFunc func(ctx context.Context, text string) (*AudioResult, error)

	// StreamFunc is called when Stream is invoked. If nil, the
	// SynthesizeFunc result is returned as a single chunk.
	StreamFunc func(ctx context.Context, text string) (AudioStream, error)

	// HealthFunc is called when Health is invoked.
	HealthFunc func(ctx context.Context) error

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	mu    sync.Mutex
	calls []MockCall
}

// MockCall records a method invocation for verification.
type MockCall struct {
	Method string
	Text   string
	Time   time.Time
}

// NewMock returns a mock producing silence at 16kHz, 10ms per character.
func NewMock() *Mock {
	return &Mock{
		SynthesizeFunc: func(ctx context.Context, text string) (*AudioResult, error) {
			const bytesPerChar = 320 // 10ms at 16kHz PCM16
			silence := make([]byte, len(text)*bytesPerChar)
			return &AudioResult{
				Audio:     silence,
				Format:    PCMFormat(EncodingPCM16),
				CharCount: len(text),
				LatencyMs: 1,
				Duration:  time.Duration(len(text)) * 10 * time.Millisecond,
			}, nil
		},
		HealthFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// NewStreamingMock returns a mock whose Stream yields chunks in order, in
// format. Synthesize still produces silence as in NewMock.
func NewStreamingMock(format AudioFormat, chunks ...[]byte) *Mock {
	m := NewMock()
	m.StreamFunc = func(ctx context.Context, text string) (AudioStream, error) {
		return &chunkStream{chunks: chunks, format: format}, nil
	}
	return m
}

// Synthesize calls SynthesizeFunc and records the call.
func (m *Mock) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	m.recordCall("Synthesize", text)
	if m.SynthesizeFunc != nil {
		return m.SynthesizeFunc(ctx, text)
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Stream calls StreamFunc and records the call.
func (m *Mock) Stream(ctx context.Context, text string) (AudioStream, error) {
	m.recordCall("Stream", text)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, text)
	}
	if m.SynthesizeFunc != nil {
		result, err := m.SynthesizeFunc(ctx, text)
		if err != nil {
			return nil, err
		}
		return &bufferStream{data: result.Audio, format: result.Format}, nil
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Health calls HealthFunc and records the call.
func (m *Mock) Health(ctx context.Context) error {
	m.recordCall("Health", "")
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.recordCall("Close", "")
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *Mock) recordCall(method, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Text: text, Time: time.Now()})
}

// Calls returns all recorded method calls.
func (m *Mock) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]MockCall, len(m.calls))
	copy(result, m.calls)
	return result
}

// CallCount returns the number of times a method was called.
func (m *Mock) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, c := range m.calls {
		if c.Method == method {
			count++
		}
	}
	return count
}

// Texts returns the text of every Synthesize and Stream call in order.
func (m *Mock) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var texts []string
	for _, c := range m.calls {
		if c.Method == "Synthesize" || c.Method == "Stream" {
			texts = append(texts, c.Text)
		}
	}
	return texts
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{
		SynthesizeFunc: func(ctx context.Context, text string) (*AudioResult, error) {
			return nil, err
		},
		StreamFunc: func(ctx context.Context, text string) (AudioStream, error) {
			return nil, err
		},
		HealthFunc: func(ctx context.Context) error {
			return err
		},
	}
}

// WithLatency wraps a mock to add artificial latency.
func WithLatency(m *Mock, delay time.Duration) *Mock {
	original := m.SynthesizeFunc
	m.SynthesizeFunc = func(ctx context.Context, text string) (*AudioResult, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if original != nil {
			return original(ctx, text)
		}
		return nil, WrapError("mock", ErrProviderUnavailable)
	}
	return m
}

// chunkStream replays fixed chunks.
type chunkStream struct {
	chunks [][]byte
	next   int
	format AudioFormat
}

func (s *chunkStream) Read() ([]byte, error) {
	if s.next >= len(s.chunks) {
		return nil, nil
	}
	chunk := s.chunks[s.next]
	s.next++
	return chunk, nil
}

func (s *chunkStream) Close() error {
	return nil
}

func (s *chunkStream) Format() AudioFormat {
	return s.format
}

var _ Provider = (*Mock)(nil)
