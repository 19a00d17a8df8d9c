package inference

import (
	"log/slog"
	"time"
)

// Config holds provider configuration.
type Config struct {
	// Connection
	BaseURL string // API base URL
	APIKey  string // API key (optional for local providers)

	// Models
	Model      string // Default chat model
	EmbedModel string // Embedding model, empty disables embeddings

	// Request defaults
	MaxTokens   int
	Temperature float64
	Seed        *int // Sampling seed for reproducible replies, nil lets the server pick

	// KeepAlive asks Ollama to hold the model in memory between calls.
	// Zero omits the field; other servers ignore it.
	KeepAlive time.Duration

	// EmbedBatchSize bounds the inputs sent per embeddings request.
	EmbedBatchSize int

	// DisableStreaming marks the server as unable to stream, so callers
	// use Chat instead of Stream.
	DisableStreaming bool

	// Timeouts
	Timeout       time.Duration
	StreamTimeout time.Duration

	// Retry configuration
	MaxRetries int
	RetryDelay time.Duration

	// Observability
	Logger *slog.Logger
}

// Option is a functional option for configuring providers.
type Option func(*Config)

// WithBaseURL sets the API base URL.
// Examples: "http://localhost:11434/v1", "https://api.openai.com/v1"
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithModel sets the default chat model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithEmbedModel sets the embedding model.
func WithEmbedModel(model string) Option {
	return func(c *Config) { c.EmbedModel = model }
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) Option {
	return func(c *Config) { c.MaxTokens = n }
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) Option {
	return func(c *Config) { c.Temperature = t }
}

// WithSeed pins the sampling seed.
func WithSeed(seed int) Option {
	return func(c *Config) { c.Seed = &seed }
}

// WithKeepAlive sets how long Ollama keeps the model loaded.
func WithKeepAlive(d time.Duration) Option {
	return func(c *Config) { c.KeepAlive = d }
}

// WithEmbedBatchSize sets the number of inputs per embeddings request.
func WithEmbedBatchSize(n int) Option {
	return func(c *Config) { c.EmbedBatchSize = n }
}

// WithStreaming reports whether the server supports streamed replies.
func WithStreaming(enabled bool) Option {
	return func(c *Config) { c.DisableStreaming = !enabled }
}

// WithTimeout sets the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.Timeout = d }
}

// WithStreamTimeout sets the streaming request timeout.
func WithStreamTimeout(d time.Duration) Option {
	return func(c *Config) { c.StreamTimeout = d }
}

// WithRetry configures retry behavior.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// DefaultConfig returns defaults for a local Ollama server with
// deterministic sampling.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:11434/v1",
		Model:          "qwen3:14b",
		MaxTokens:      1024,
		Temperature:    0.0,
		EmbedBatchSize: 64,
		Timeout:        30 * time.Second,
		StreamTimeout:  120 * time.Second,
		MaxRetries:     3,
		RetryDelay:     100 * time.Millisecond,
		Logger:         slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Model == "" {
		return ErrNoModel
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return ErrBadTemperature
	}
	if c.EmbedBatchSize <= 0 {
		c.EmbedBatchSize = 64
	}
	return nil
}
