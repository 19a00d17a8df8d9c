package inference

import (
	"context"
	"sync"
	"time"
)

// Mock implements Provider for testing.
type Mock struct {
	// ChatFunc is called when Chat is invoked.
	ChatFunc func(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// StreamFunc is called when Stream is invoked.
	StreamFunc func(ctx context.Context, req *ChatRequest) (Stream, error)

	// EmbedFunc is called when Embed is invoked.
	EmbedFunc func(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error)

	// HealthFunc is called when Health is invoked.
	HealthFunc func(ctx context.Context) error

	// CloseFunc is called when Close is invoked.
	CloseFunc func() error

	// DisableStreaming makes Capabilities report no streaming support.
	DisableStreaming bool

	mu       sync.Mutex
	calls    []MockCall
	requests []*ChatRequest
}

// MockCall records a method invocation.
type MockCall struct {
	Method string
	Time   time.Time
}

// NewMock creates a mock that streams "Mock response" and embeds into
// 8-dimensional zero vectors.
func NewMock() *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{
				Message:      NewAssistantMessage("Mock response"),
				FinishReason: "stop",
				Usage:        Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			}, nil
		},
		EmbedFunc: func(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
			embeddings := make([][]float64, len(req.Input))
			for i := range embeddings {
				embeddings[i] = make([]float64, 8)
			}
			return &EmbedResponse{Embeddings: embeddings}, nil
		},
		HealthFunc: func(ctx context.Context) error {
			return nil
		},
	}
}

// NewStreamingMock returns a mock whose Stream yields the given deltas in
// order and whose Chat returns them joined.
func NewStreamingMock(deltas ...string) *Mock {
	m := NewMock()
	m.StreamFunc = func(ctx context.Context, req *ChatRequest) (Stream, error) {
		return NewMockStream(deltas...), nil
	}
	m.ChatFunc = func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
		text, _ := Collect(NewMockStream(deltas...))
		return &ChatResponse{Message: NewAssistantMessage(text), FinishReason: "stop"}, nil
	}
	return m
}

// Chat calls ChatFunc and records the call.
func (m *Mock) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	m.record("Chat", req)
	if m.ChatFunc != nil {
		return m.ChatFunc(ctx, req)
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Stream calls StreamFunc and records the call. Without a StreamFunc the
// ChatFunc response is returned as a single chunk.
func (m *Mock) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	m.record("Stream", req)
	if m.StreamFunc != nil {
		return m.StreamFunc(ctx, req)
	}
	if m.ChatFunc != nil {
		resp, err := m.ChatFunc(ctx, req)
		if err != nil {
			return nil, err
		}
		return NewMockStream(resp.Message.Content), nil
	}
	return nil, WrapError("mock", ErrProviderUnavailable)
}

// Embed calls EmbedFunc and records the call.
func (m *Mock) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	m.record("Embed", nil)
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, req)
	}
	return nil, WrapError("mock", ErrEmbeddingsNotSupported)
}

// Capabilities reports which funcs are set.
func (m *Mock) Capabilities() Capabilities {
	return Capabilities{
		Chat:       m.ChatFunc != nil,
		Streaming:  !m.DisableStreaming && (m.StreamFunc != nil || m.ChatFunc != nil),
		Embeddings: m.EmbedFunc != nil,
	}
}

// Health calls HealthFunc and records the call.
func (m *Mock) Health(ctx context.Context) error {
	m.record("Health", nil)
	if m.HealthFunc != nil {
		return m.HealthFunc(ctx)
	}
	return nil
}

// Close calls CloseFunc and records the call.
func (m *Mock) Close() error {
	m.record("Close", nil)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

func (m *Mock) record(method string, req *ChatRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: method, Time: time.Now()})
	if req != nil {
		m.requests = append(m.requests, req)
	}
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

// LastRequest returns the most recent Chat or Stream request, or nil.
func (m *Mock) LastRequest() *ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears all recorded calls.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.requests = nil
}

// WithError returns a mock that always returns the given error.
func WithError(err error) *Mock {
	return &Mock{
		ChatFunc: func(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
			return nil, err
		},
		StreamFunc: func(ctx context.Context, req *ChatRequest) (Stream, error) {
			return nil, err
		},
		EmbedFunc: func(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
			return nil, err
		},
		HealthFunc: func(ctx context.Context) error {
			return err
		},
	}
}

// MockStream yields fixed deltas, then optionally fails.
type MockStream struct {
	deltas []string
	pos    int

	// Err, when set, is returned after all deltas are consumed instead
	// of the terminal Done chunk.
	Err error

	mu     sync.Mutex
	closed bool
}

// NewMockStream creates a stream over deltas.
func NewMockStream(deltas ...string) *MockStream {
	return &MockStream{deltas: deltas}
}

// Recv returns the next delta. The last delta is delivered with Done set.
func (s *MockStream) Recv() (*StreamChunk, error) {
	if s.pos >= len(s.deltas) {
		if s.Err != nil {
			return nil, s.Err
		}
		return &StreamChunk{Done: true, FinishReason: "stop"}, nil
	}
	delta := s.deltas[s.pos]
	s.pos++
	if s.pos == len(s.deltas) && s.Err == nil {
		return &StreamChunk{Delta: delta, FinishReason: "stop", Done: true}, nil
	}
	return &StreamChunk{Delta: delta}, nil
}

// Close marks the stream closed.
func (s *MockStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (s *MockStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

var _ Provider = (*Mock)(nil)
