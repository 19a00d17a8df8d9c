package tts

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

// transport is the retrying HTTP layer shared by the hosted providers.
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
		logger:   cfg.Logger.With("component", "tts."+provider),
	}
}

// postJSON sends payload to url, retrying transport failures, 429s and
// 5xx responses. Non-retryable error statuses are returned as *APIError.
func (t *transport) postJSON(ctx context.Context, url string, payload any, header http.Header) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, WrapError(t.provider, fmt.Errorf("marshal payload: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, WrapError(t.provider, ctx.Err())
			case <-time.After(t.config.RetryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, WrapError(t.provider, fmt.Errorf("create request: %w", err))
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := t.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, WrapError(t.provider, ctx.Err())
			}
			lastErr = WrapError(t.provider, err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = t.parseError(resp)
			resp.Body.Close()
			t.logger.Warn("retrying request", "attempt", attempt+1, "status", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			defer resp.Body.Close()
			return nil, t.parseError(resp)
		}
		return resp, nil
	}
	return nil, lastErr
}

// get performs a single GET, used by health checks.
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

// parseError understands the OpenAI ({"error":{"message"}}), ElevenLabs
// ({"detail":{"message"}}) and Hugging Face ({"error":"..."}) shapes.
func (t *transport) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var shaped struct {
		Error  json.RawMessage `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	message := strings.TrimSpace(string(body))
	code := ""
	if json.Unmarshal(body, &shaped) == nil {
		var nested struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		}
		var flat string
		switch {
		case json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "":
			message, code = nested.Message, nested.Code
		case json.Unmarshal(shaped.Detail, &nested) == nil && nested.Message != "":
			message = nested.Message
		case json.Unmarshal(shaped.Error, &flat) == nil && flat != "":
			message = flat
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Code:       code,
		Provider:   t.provider,
	}
}

func (t *transport) close() {
	t.client.CloseIdleConnections()
}

// httpStream wraps an HTTP response body as AudioStream.
type httpStream struct {
	body   io.ReadCloser
	format AudioFormat
	buf    [4096]byte
}

func (s *httpStream) Read() ([]byte, error) {
	n, err := s.body.Read(s.buf[:])
	if n > 0 {
		chunk := make([]byte, n)
		copy(chunk, s.buf[:n])
		return chunk, nil
	}
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.Read()
}

func (s *httpStream) Close() error {
	return s.body.Close()
}

func (s *httpStream) Format() AudioFormat {
	return s.format
}
