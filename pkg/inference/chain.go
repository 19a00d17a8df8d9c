package inference

import (
	"context"
	"log/slog"
)

// Chain tries multiple providers in order until one succeeds.
// Fallback happens only when opening a request fails; a stream that
// errors mid-way is not retried on the next provider.
type Chain struct {
	providers []Provider
	logger    *slog.Logger
}

// NewChain creates a provider chain.
// At least one provider is required.
func NewChain(providers ...Provider) (*Chain, error) {
	return NewChainWithLogger(slog.Default(), providers...)
}

// NewChainWithLogger creates a provider chain with a custom logger.
func NewChainWithLogger(logger *slog.Logger, providers ...Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, ErrProviderUnavailable
	}
	return &Chain{
		providers: providers,
		logger:    logger.With("component", "inference.chain"),
	}, nil
}

// try runs fn against every provider accepted by use until one succeeds.
func try[T any](ctx context.Context, c *Chain, op string, use func(Capabilities) bool, fn func(Provider) (T, error)) (T, error) {
	var zero T
	var errs []error

	for i, p := range c.providers {
		if !use(p.Capabilities()) {
			continue
		}

		out, err := fn(p)
		if err == nil {
			if i > 0 {
				c.logger.Info("fallback provider succeeded", "op", op, "provider_index", i)
			}
			return out, nil
		}

		errs = append(errs, err)
		c.logger.Warn("provider failed, trying next", "op", op, "provider_index", i, "error", err)

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
	}

	if len(errs) == 0 {
		return zero, ErrProviderUnavailable
	}
	return zero, &ChainError{Errors: errs}
}

// Chat tries each provider until one succeeds.
func (c *Chain) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return try(ctx, c, "chat",
		func(caps Capabilities) bool { return caps.Chat },
		func(p Provider) (*ChatResponse, error) { return p.Chat(ctx, req) })
}

// Stream tries each provider until one opens a stream.
func (c *Chain) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	return try(ctx, c, "stream",
		func(caps Capabilities) bool { return caps.Streaming },
		func(p Provider) (Stream, error) { return p.Stream(ctx, req) })
}

// Embed tries each provider that supports embeddings.
func (c *Chain) Embed(ctx context.Context, req *EmbedRequest) (*EmbedResponse, error) {
	resp, err := try(ctx, c, "embed",
		func(caps Capabilities) bool { return caps.Embeddings },
		func(p Provider) (*EmbedResponse, error) { return p.Embed(ctx, req) })
	if err == ErrProviderUnavailable {
		return nil, ErrEmbeddingsNotSupported
	}
	return resp, err
}

// Capabilities returns combined capabilities of all providers.
func (c *Chain) Capabilities() Capabilities {
	var caps Capabilities
	for _, p := range c.providers {
		pc := p.Capabilities()
		caps.Chat = caps.Chat || pc.Chat
		caps.Streaming = caps.Streaming || pc.Streaming
		caps.Embeddings = caps.Embeddings || pc.Embeddings
	}
	return caps
}

// Health returns an error only if every provider is unhealthy.
func (c *Chain) Health(ctx context.Context) error {
	var healthy int
	var lastErr error

	for _, p := range c.providers {
		if err := p.Health(ctx); err != nil {
			lastErr = err
		} else {
			healthy++
		}
	}

	if healthy == 0 {
		return WrapError("chain", lastErr)
	}
	c.logger.Debug("health check complete", "healthy", healthy, "total", len(c.providers))
	return nil
}

// Close closes all providers.
func (c *Chain) Close() error {
	var lastErr error
	for _, p := range c.providers {
		if err := p.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Providers returns the list of providers in the chain.
func (c *Chain) Providers() []Provider {
	return c.providers
}

var _ Provider = (*Chain)(nil)
