package inference

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/teslashibe/go-salescall/internal/httpc"
)

const providerClient = "client"

// Client is the HTTP inference provider for OpenAI-compatible APIs
// (Ollama, vLLM, OpenAI, Together, Groq).
type Client struct {
	baseURL string
	apiKey  string
	config  *Config
	http    *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

// NewClient creates a new inference client.
func NewClient(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, WrapError(providerClient, err)
	}

	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		config:  cfg,
		http:    httpc.NewClient(cfg.Timeout),
		stream:  httpc.NewClient(cfg.StreamTimeout),
		logger:  cfg.Logger.With("component", "inference.client"),
	}, nil
}

// Chat generates a chat completion.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	start := time.Now()

	resp, err := c.post(ctx, "/chat/completions", c.buildChatPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("decode response: %w", err))
	}
	if len(result.Choices) == 0 {
		return nil, WrapError(providerClient, ErrEmptyResponse)
	}

	choice := result.Choices[0]
	return &ChatResponse{
		Message:      NewAssistantMessage(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
		Model:     result.Model,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// Embed generates text embeddings, batching the input by the configured
// batch size. Embeddings come back in input order.
func (c *Client) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.config.EmbedModel
	}
	if model == "" {
		return nil, WrapError(providerClient, ErrEmbeddingsNotSupported)
	}

	out := &EmbedResponse{Embeddings: make([][]float64, 0, len(req.Input))}
	for lo := 0; lo < len(req.Input); lo += c.config.EmbedBatchSize {
		hi := min(lo+c.config.EmbedBatchSize, len(req.Input))
		batch, err := c.embedBatch(ctx, model, req.Input[lo:hi])
		if err != nil {
			return nil, err
		}
		if len(batch.Data) != hi-lo {
			return nil, WrapError(providerClient, fmt.Errorf("embeddings: got %d vectors for %d inputs", len(batch.Data), hi-lo))
		}
		slices.SortStableFunc(batch.Data, func(a, b embeddingData) int { return a.Index - b.Index })
		for _, d := range batch.Data {
			out.Embeddings = append(out.Embeddings, d.Embedding)
		}
		out.Usage.PromptTokens += batch.Usage.PromptTokens
		out.Usage.TotalTokens += batch.Usage.TotalTokens
	}

	out.LatencyMs = time.Since(start).Milliseconds()
	return out, nil
}

func (c *Client) embedBatch(ctx context.Context, model string, input []string) (*embeddingResponse, error) {
	resp, err := c.post(ctx, "/embeddings", embedPayload{Model: model, Input: input})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("decode response: %w", err))
	}
	return &result, nil
}

// Capabilities returns what this client supports.
func (c *Client) Capabilities() Capabilities {
	return Capabilities{
		Chat:       true,
		Streaming:  !c.config.DisableStreaming,
		Embeddings: c.config.EmbedModel != "",
	}
}

// Health checks API connectivity.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return WrapError(providerClient, fmt.Errorf("create request: %w", err))
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return WrapError(providerClient, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

// Close releases resources.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	c.stream.CloseIdleConnections()
	return nil
}

// chatPayload is the /chat/completions request body. Temperature has no
// omitempty so that a configured 0.0 reaches the server.
type chatPayload struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Seed        *int          `json:"seed,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	KeepAlive   string        `json:"keep_alive,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type embedPayload struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// buildChatPayload applies the configured defaults to req.
func (c *Client) buildChatPayload(req *ChatRequest, stream bool) chatPayload {
	p := chatPayload{
		Model:       cmp.Or(req.Model, c.config.Model),
		Messages:    make([]chatMessage, len(req.Messages)),
		Temperature: c.config.Temperature,
		MaxTokens:   cmp.Or(req.MaxTokens, c.config.MaxTokens),
		Stop:        req.Stop,
		Seed:        c.config.Seed,
		Stream:      stream,
	}
	for i, msg := range req.Messages {
		p.Messages[i] = chatMessage{Role: string(msg.Role), Content: msg.Content}
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if c.config.KeepAlive > 0 {
		p.KeepAlive = c.config.KeepAlive.String()
	}
	return p
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// post makes a POST request with retries.
func (c *Client) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	return c.doWithRetry(ctx, c.http, req, body)
}

// doWithRetry retries transport failures, 429s and 5xx responses. A
// Retry-After header on a 429 replaces the linear backoff.
func (c *Client) doWithRetry(ctx context.Context, hc *http.Client, req *http.Request, body []byte) (*http.Response, error) {
	var lastErr error
	var wait time.Duration

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if wait == 0 {
				wait = c.config.RetryDelay * time.Duration(attempt)
			}
			select {
			case <-ctx.Done():
				return nil, WrapError(providerClient, ctx.Err())
			case <-time.After(wait):
			}
			wait = 0
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := hc.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, WrapError(providerClient, ctx.Err())
			}
			lastErr = WrapError(providerClient, err)
			c.logger.Warn("request failed, retrying", "attempt", attempt+1, "error", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			if resp.StatusCode == http.StatusTooManyRequests {
				wait = retryAfter(resp.Header.Get("Retry-After"), maxRetryAfter)
			}
			lastErr = c.parseError(resp)
			resp.Body.Close()
			c.logger.Warn("retrying request", "attempt", attempt+1, "status", resp.StatusCode, "wait", wait)
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// maxRetryAfter caps a server-requested wait so that a caller is never
// left on hold for long.
const maxRetryAfter = 5 * time.Second

// retryAfter parses a Retry-After value in seconds, capped at limit. It
// returns zero when the header is absent or not a number.
func retryAfter(v string, limit time.Duration) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, limit)
}

// parseError reads an OpenAI-style error body.
func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := strings.TrimSpace(string(body))
	code := ""
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
		code = errResp.Error.Code
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   providerClient,
	}
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float64 `json:"embedding"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

var _ Provider = (*Client)(nil)
