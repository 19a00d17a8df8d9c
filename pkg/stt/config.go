package stt

import (
	"log/slog"
	"time"
)

// Config holds transcription backend configuration.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// Language is a BCP-47 code such as "en-US".
	Language string

	// SampleRate applies to raw PCM payloads; WAV payloads carry their own.
	SampleRate int

	// Google Cloud credentials
	CredentialsFile string
	AccessToken     string

	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Option is a functional option for configuring backends.
type Option func(*Config)

// WithAPIKey sets the API key or bearer token.
func WithAPIKey(key string) Option {
	return func(c *Config) { c.APIKey = key }
}

// WithBaseURL overrides the default endpoint.
func WithBaseURL(url string) Option {
	return func(c *Config) { c.BaseURL = url }
}

// WithModel sets the recognition model.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithLanguage sets the expected spoken language.
func WithLanguage(code string) Option {
	return func(c *Config) { c.Language = code }
}

// WithSampleRate sets the rate assumed for raw PCM input.
func WithSampleRate(rate int) Option {
	return func(c *Config) { c.SampleRate = rate }
}

// WithCredentialsFile sets a Google service account key file.
func WithCredentialsFile(path string) Option {
	return func(c *Config) { c.CredentialsFile = path }
}

// WithAccessToken sets a pre-issued Google OAuth2 access token.
func WithAccessToken(token string) Option {
	return func(c *Config) { c.AccessToken = token }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) { c.Timeout = timeout }
}

// WithRetry configures retry behavior.
func WithRetry(maxRetries int, delay time.Duration) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
		c.RetryDelay = delay
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// DefaultConfig returns defaults for 16kHz English phone audio.
func DefaultConfig() *Config {
	return &Config{
		Language:   "en-US",
		SampleRate: 16000,
		Timeout:    30 * time.Second,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
		Logger:     slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}
