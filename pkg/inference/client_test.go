package inference

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestClientChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Expected Bearer test-key, got %s", auth)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "test-id",
			"model": "qwen3:14b",
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": "Hello! How can I help?"},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer server.Close()

	client, err := NewClient(
		WithBaseURL(server.URL),
		WithAPIKey("test-key"),
	)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{NewUserMessage("Hello")},
	})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Message.Content != "Hello! How can I help?" {
		t.Errorf("Unexpected content: %s", resp.Message.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("Expected finish_reason 'stop', got %s", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("Expected 15 tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestClientSendsZeroTemperature(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithModel("qwen3:14b"), WithTemperature(0))
	defer client.Close()

	if _, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	temp, ok := got["temperature"]
	if !ok {
		t.Fatal("Expected temperature in payload")
	}
	if temp.(float64) != 0 {
		t.Errorf("Expected temperature 0, got %v", temp)
	}
	if got["model"] != "qwen3:14b" {
		t.Errorf("Expected model qwen3:14b, got %v", got["model"])
	}

	// Per-request override wins.
	client.Chat(context.Background(), &ChatRequest{
		Messages:    []Message{NewUserMessage("hi")},
		Temperature: Float(0.5),
	})
	if got["temperature"].(float64) != 0.5 {
		t.Errorf("Expected temperature 0.5, got %v", got["temperature"])
	}
}

func TestClientStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["stream"] != true {
			t.Errorf("Expected stream=true, got %v", body["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hello", ", ", "there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))
	defer client.Close()

	stream, err := client.Stream(context.Background(), &ChatRequest{
		Messages: []Message{NewUserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	text, err := Collect(stream)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if text != "Hello, there" {
		t.Errorf("Expected 'Hello, there', got %q", text)
	}
}

func TestClientStreamWithoutDoneMarker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n")
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))
	defer client.Close()

	stream, err := client.Stream(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("Hi")}})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	text, err := Collect(stream)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if text != "partial" {
		t.Errorf("Expected 'partial', got %q", text)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "recovered"}}},
		})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithRetry(2, time.Millisecond))
	defer client.Close()

	resp, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("x")}})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if resp.Message.Content != "recovered" {
		t.Errorf("Unexpected content: %s", resp.Message.Content)
	}
	if hits.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", hits.Load())
	}
}

func TestClientEmbed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("Expected /embeddings, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float64{1, 0}},
				{"embedding": []float64{0, 1}},
			},
		})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithEmbedModel("nomic-embed-text"))
	defer client.Close()

	resp, err := client.Embed(context.Background(), &EmbedRequest{Input: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if len(resp.Embeddings) != 2 || resp.Embeddings[1][1] != 1 {
		t.Errorf("Unexpected embeddings: %v", resp.Embeddings)
	}
}

func TestClientOllamaOptions(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = nil
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithSeed(7), WithKeepAlive(10*time.Minute))
	defer client.Close()

	if _, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got["seed"].(float64) != 7 {
		t.Errorf("Expected seed 7, got %v", got["seed"])
	}
	if got["keep_alive"] != "10m0s" {
		t.Errorf("Expected keep_alive 10m0s, got %v", got["keep_alive"])
	}
	if _, ok := got["stream"]; ok {
		t.Error("Expected no stream flag on a blocking chat")
	}

	plain, _ := NewClient(WithBaseURL(server.URL))
	defer plain.Close()
	plain.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}})
	for _, key := range []string{"seed", "keep_alive", "stop"} {
		if _, ok := got[key]; ok {
			t.Errorf("Expected %s omitted by default", key)
		}
	}
}

func TestClientEmbedBatches(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req struct {
			Input []string `json:"input"`
		}
		json.NewDecoder(r.Body).Decode(&req)

		// Answer out of order; the client must restore input order.
		data := make([]map[string]any, len(req.Input))
		for i, in := range req.Input {
			data[len(req.Input)-1-i] = map[string]any{
				"index":     i,
				"embedding": []float64{float64(len(in))},
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data":  data,
			"usage": map[string]int{"prompt_tokens": len(req.Input), "total_tokens": len(req.Input)},
		})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithEmbedModel("nomic-embed-text"), WithEmbedBatchSize(2))
	defer client.Close()

	resp, err := client.Embed(context.Background(), &EmbedRequest{Input: []string{"a", "bb", "ccc", "dddd", "eeeee"}})
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}
	if requests.Load() != 3 {
		t.Errorf("Expected 3 batches, got %d", requests.Load())
	}
	if len(resp.Embeddings) != 5 {
		t.Fatalf("Expected 5 embeddings, got %d", len(resp.Embeddings))
	}
	for i, e := range resp.Embeddings {
		if e[0] != float64(i+1) {
			t.Errorf("Embedding %d out of order: %v", i, e)
		}
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("Expected 5 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestClientEmbedCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithEmbedModel("nomic-embed-text"))
	defer client.Close()

	if _, err := client.Embed(context.Background(), &EmbedRequest{Input: []string{"a"}}); err == nil {
		t.Error("Expected error when the server drops vectors")
	}
}

func TestClientHonorsRetryAfter(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"content": "ok"}}},
		})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithRetry(1, time.Millisecond))
	defer client.Close()

	start := time.Now()
	if _, err := client.Chat(context.Background(), &ChatRequest{Messages: []Message{NewUserMessage("hi")}}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("Expected to wait for Retry-After, took %v", elapsed)
	}
}

func TestRetryAfter(t *testing.T) {
	tests := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"2", 2 * time.Second},
		{" 3 ", 3 * time.Second},
		{"600", maxRetryAfter},
		{"-1", 0},
		{"Wed, 21 Oct 2015 07:28:00 GMT", 0},
	}
	for _, tt := range tests {
		if got := retryAfter(tt.header, maxRetryAfter); got != tt.want {
			t.Errorf("retryAfter(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}

func TestClientEmbedWithoutModel(t *testing.T) {
	client, _ := NewClient()
	defer client.Close()

	if client.Capabilities().Embeddings {
		t.Error("Expected no embeddings capability without an embed model")
	}
	if _, err := client.Embed(context.Background(), &EmbedRequest{Input: []string{"a"}}); err == nil {
		t.Error("Expected error without embed model")
	}
}

func TestClientHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("Expected /models, got %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"data": []any{}})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL))
	defer client.Close()

	if err := client.Health(context.Background()); err != nil {
		t.Errorf("Health check failed: %v", err)
	}
}

func TestClientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "Invalid API key",
				"code":    "invalid_api_key",
			},
		})
	}))
	defer server.Close()

	client, _ := NewClient(WithBaseURL(server.URL), WithAPIKey("bad-key"))
	defer client.Close()

	_, err := client.Chat(context.Background(), &ChatRequest{
		Messages: []Message{NewUserMessage("test")},
	})
	if err == nil {
		t.Fatal("Expected error")
	}

	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("Expected APIError, got %T", err)
	}
	if !apiErr.IsUnauthorized() {
		t.Error("Expected IsUnauthorized() to be true")
	}
	if !strings.Contains(apiErr.Error(), "invalid_api_key") {
		t.Errorf("Expected code in message, got %s", apiErr.Error())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    []Option
		wantErr bool
	}{
		{"defaults", nil, false},
		{"no model", []Option{WithModel("")}, true},
		{"negative temperature", []Option{WithTemperature(-1)}, true},
		{"hot temperature", []Option{WithTemperature(2.5)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(tt.opts...)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewClient() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Model != "qwen3:14b" {
		t.Errorf("Expected qwen3:14b, got %s", cfg.Model)
	}
	if cfg.Temperature != 0 {
		t.Errorf("Expected temperature 0, got %v", cfg.Temperature)
	}
	if cfg.BaseURL != "http://localhost:11434/v1" {
		t.Errorf("Unexpected base URL %s", cfg.BaseURL)
	}
}

func TestClientStreamingCapability(t *testing.T) {
	client, _ := NewClient(WithBaseURL("http://localhost:11434/v1"))
	if !client.Capabilities().Streaming {
		t.Error("expected streaming by default")
	}

	blocking, _ := NewClient(WithBaseURL("http://localhost:11434/v1"), WithStreaming(false))
	if caps := blocking.Capabilities(); caps.Streaming || !caps.Chat {
		t.Errorf("unexpected capabilities %+v", caps)
	}

	chain, _ := NewChain(blocking)
	if chain.Capabilities().Streaming {
		t.Error("chain of blocking providers should not report streaming")
	}
}
