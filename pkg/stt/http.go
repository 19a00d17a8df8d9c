package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-salescall/internal/httpc"
)

// transport is the retrying HTTP layer shared by the hosted backends.
type transport struct {
	provider string
	config   *Config
	client   *http.Client
	logger   *slog.Logger
}

func newTransport(provider string, cfg *Config) *transport {
	return &transport{
		provider: provider,
		config:   cfg,
		client:   httpc.NewClient(cfg.Timeout),
		logger:   cfg.Logger.With("component", "stt."+provider),
	}
}

// transcript is the response shape shared by Hugging Face ASR pipelines
// and OpenAI-compatible /audio/transcriptions.
type transcript struct {
	Text string `json:"text"`
}

// post sends body and decodes a {"text": ...} reply, retrying transport
// failures, 429s and 5xx responses.
func (t *transport) post(ctx context.Context, url, contentType string, body []byte, header http.Header) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", WrapError(t.provider, ctx.Err())
			case <-time.After(t.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", WrapError(t.provider, fmt.Errorf("create request: %w", err))
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return "", WrapError(t.provider, ctx.Err())
			}
			lastErr = WrapError(t.provider, err)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := t.parseError(resp)
			resp.Body.Close()
			if !apiErr.IsRetryable() {
				return "", apiErr
			}
			lastErr = apiErr
			t.logger.Warn("retrying request", "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}

		var out transcript
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return "", WrapError(t.provider, fmt.Errorf("decode response: %w", err))
		}
		return out.Text, nil
	}
	return "", lastErr
}

// get checks that url answers 200 with the given headers.
func (t *transport) get(ctx context.Context, url string, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return WrapError(t.provider, err)
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return WrapError(t.provider, fmt.Errorf("health check: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return t.parseError(resp)
	}
	return nil
}

// parseError understands {"error":{"message"}} and {"error":"..."}.
func (t *transport) parseError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(resp.Body)
	message := strings.TrimSpace(string(body))

	var shaped struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &shaped) == nil && len(shaped.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "":
			message = nested.Message
		case json.Unmarshal(shaped.Error, &flat) == nil && flat != "":
			message = flat
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: message, Provider: t.provider}
}

func (t *transport) close() {
	t.client.CloseIdleConnections()
}
