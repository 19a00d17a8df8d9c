package tts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCooldown is how long a failed provider is passed over before the
// chain tries it again.
const DefaultCooldown = 30 * time.Second

// Chain implements Provider by trying providers in order; the first
// success wins. A provider that fails is skipped for a cooldown so that
// later sentences of a reply don't pay for the same timeout again.
type Chain struct {
	providers []Provider
	logger    *slog.Logger

	mu        sync.Mutex
	cooldown  time.Duration
	downUntil []time.Time
}

// NewChain creates a provider chain. At least one provider is required.
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
		logger:    logger.With("component", "tts.chain"),
		cooldown:  DefaultCooldown,
		downUntil: make([]time.Time, len(providers)),
	}, nil
}

// SetCooldown changes how long a failed provider is skipped. Zero disables
// skipping.
func (c *Chain) SetCooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooldown = d
}

// order returns provider indexes to try: providers in cooldown go last, in
// their configured order.
func (c *Chain) order() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	ready := make([]int, 0, len(c.providers))
	var cooling []int
	for i, until := range c.downUntil {
		if now.Before(until) {
			cooling = append(cooling, i)
		} else {
			ready = append(ready, i)
		}
	}
	return append(ready, cooling...)
}

// mark records the outcome of a call to provider i. Failures after ctx
// ended say nothing about the provider and are not recorded.
func (c *Chain) mark(ctx context.Context, i int, err error) {
	if err != nil && ctx.Err() != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.downUntil[i] = time.Now().Add(c.cooldown)
	} else {
		c.downUntil[i] = time.Time{}
	}
}

// Synthesize tries each provider until one succeeds.
func (c *Chain) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	var errs []error
	for n, i := range c.order() {
		result, err := c.providers[i].Synthesize(ctx, text)
		c.mark(ctx, i, err)
		if err == nil {
			if n > 0 {
				c.logger.Info("fallback provider succeeded", "provider_index", i, "chars", len(text))
			}
			return result, nil
		}

		errs = append(errs, err)
		c.logger.Warn("provider failed, trying next", "provider_index", i, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, &ChainError{Errors: errs}
}

// Stream tries each provider until one opens a stream.
func (c *Chain) Stream(ctx context.Context, text string) (AudioStream, error) {
	var errs []error
	for n, i := range c.order() {
		stream, err := c.providers[i].Stream(ctx, text)
		c.mark(ctx, i, err)
		if err == nil {
			if n > 0 {
				c.logger.Info("fallback provider stream succeeded", "provider_index", i)
			}
			return stream, nil
		}

		errs = append(errs, err)
		c.logger.Warn("provider stream failed, trying next", "provider_index", i, "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, &ChainError{Errors: errs}
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
		return fmt.Errorf("all %d providers unhealthy: %w", len(c.providers), lastErr)
	}
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
