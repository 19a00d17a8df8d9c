package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// Stream returns a streaming chat response over server-sent events.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (Stream, error) {
	body, err := json.Marshal(c.buildChatPayload(req, true))
	if err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("marshal payload: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, WrapError(providerClient, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.doWithRetry(ctx, c.stream, httpReq, body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.parseError(resp)
	}

	return &clientStream{
		reader: bufio.NewReader(resp.Body),
		body:   resp.Body,
	}, nil
}

// clientStream implements Stream for SSE responses.
type clientStream struct {
	reader *bufio.Reader
	body   io.ReadCloser
	once   sync.Once
	done   bool
}

// Recv returns the next stream chunk.
func (s *clientStream) Recv() (*StreamChunk, error) {
	if s.done {
		return &StreamChunk{Done: true}, nil
	}
	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF && strings.TrimSpace(line) == "" {
			s.done = true
			return &StreamChunk{Done: true}, nil
		}
		if err != nil && err != io.EOF {
			return nil, WrapError(providerClient, fmt.Errorf("read stream: %w", err))
		}

		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return &StreamChunk{Done: true}, nil
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		if choice.FinishReason != "" {
			s.done = true
		}
		return &StreamChunk{
			Delta:        choice.Delta.Content,
			FinishReason: choice.FinishReason,
			Done:         s.done,
		}, nil
	}
}

// Close stops the stream.
func (s *clientStream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}

type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}
