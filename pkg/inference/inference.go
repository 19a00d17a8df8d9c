// Package inference provides the language model interface used to generate
// sales-agent replies and knowledge embeddings.
//
// The package hides chat completions and embeddings behind a single Provider
// interface so the agent can switch between Ollama, vLLM, OpenAI, or any other
// OpenAI-compatible endpoint, and Google Gemini, without changes.
//
// Example usage:
//
//	client, _ := inference.NewClient(
//	    inference.WithBaseURL("http://localhost:11434/v1"),
//	    inference.WithModel("qwen3:14b"),
//	)
//	defer client.Close()
//
//	stream, _ := client.Stream(ctx, &inference.ChatRequest{
//	    Messages: []inference.Message{
//	        inference.NewSystemMessage("You are a sales agent."),
//	        inference.NewUserMessage("Hello!"),
//	    },
//	})
//	defer stream.Close()
package inference

import (
	"context"
	"strings"
)

// Provider is the unified inference interface.
type Provider interface {
	// Chat generates a complete response from a sequence of messages.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Stream generates a response incrementally.
	Stream(ctx context.Context, req *ChatRequest) (Stream, error)

	// Embed generates vector embeddings for text.
	Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error)

	// Capabilities returns what features this provider supports.
	Capabilities() Capabilities

	// Health checks provider connectivity and credentials.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// Stream is an incremental response.
type Stream interface {
	// Recv returns the next chunk. A chunk with Done set ends the stream;
	// it may still carry a final Delta.
	Recv() (*StreamChunk, error)

	// Close stops the stream and releases resources.
	Close() error
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	// Delta is the incremental text content.
	Delta string

	// FinishReason indicates why generation stopped (stop, length).
	FinishReason string

	// Done is true when the stream is complete.
	Done bool
}

// Capabilities describes what features a provider supports.
type Capabilities struct {
	Chat       bool
	Streaming  bool
	Embeddings bool
}

// ChatRequest for chat completions.
type ChatRequest struct {
	// Messages is the conversation, system prompt first.
	Messages []Message

	// Model overrides the default model.
	Model string

	// MaxTokens limits the response length.
	MaxTokens int

	// Temperature overrides the configured temperature when non-nil.
	// A pointer so that an explicit 0.0 is distinguishable from unset.
	Temperature *float64

	// Stop sequences that halt generation.
	Stop []string
}

// ChatResponse from chat completion.
type ChatResponse struct {
	Message      Message
	FinishReason string
	Usage        Usage
	Model        string
	LatencyMs    int64
}

// EmbedRequest for text embeddings.
type EmbedRequest struct {
	// Input texts to embed.
	Input []string

	// Model overrides the default embedding model.
	Model string
}

// EmbedResponse with vector embeddings, one per input.
type EmbedResponse struct {
	Embeddings [][]float64
	Usage      Usage
	LatencyMs  int64
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Float returns a pointer to v, for ChatRequest.Temperature.
func Float(v float64) *float64 {
	return &v
}

// Collect drains a stream into a single string and closes it.
// Text received before an error is returned alongside the error.
func Collect(s Stream) (string, error) {
	defer s.Close()

	var sb strings.Builder
	for {
		chunk, err := s.Recv()
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(chunk.Delta)
		if chunk.Done {
			return sb.String(), nil
		}
	}
}
