package stt

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const (
	openAIBaseURL  = "https://api.openai.com/v1"
	providerOpenAI = "openai"

	// ModelWhisper1 is the hosted OpenAI Whisper model.
	ModelWhisper1 = "whisper-1"
)

// OpenAI transcribes through an OpenAI-compatible /audio/transcriptions
// endpoint (OpenAI, faster-whisper-server, LocalAI).
type OpenAI struct {
	config  *Config
	http    *transport
	baseURL string
	url     string
}

// NewOpenAI creates an OpenAI-compatible backend. An API key is only
// required against the default endpoint.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.Model = ModelWhisper1
	cfg.Apply(opts...)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		if cfg.APIKey == "" {
			return nil, ErrNoAPIKey
		}
		baseURL = openAIBaseURL
	}
	if cfg.Model == "" {
		return nil, ErrNoModel
	}

	return &OpenAI{
		config:  cfg,
		http:    newTransport(providerOpenAI, cfg),
		baseURL: baseURL,
		url:     baseURL + "/audio/transcriptions",
	}, nil
}

// Transcribe uploads the recording as multipart form data.
func (o *OpenAI) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	if len(audio) == 0 {
		return Result{}, ErrEmptyAudio
	}
	start := time.Now()

	wav, err := asWAV(audio, o.config.SampleRate)
	if err != nil {
		return Result{}, WrapError(providerOpenAI, err)
	}

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", "audio.wav")
	if err != nil {
		return Result{}, WrapError(providerOpenAI, err)
	}
	if _, err := part.Write(wav); err != nil {
		return Result{}, WrapError(providerOpenAI, err)
	}
	fields := map[string]string{
		"model":           o.config.Model,
		"response_format": "json",
	}
	if o.config.Language != "" {
		fields["language"] = languageTag(o.config.Language)
	}
	for k, v := range fields {
		if err := form.WriteField(k, v); err != nil {
			return Result{}, WrapError(providerOpenAI, err)
		}
	}
	if err := form.Close(); err != nil {
		return Result{}, WrapError(providerOpenAI, fmt.Errorf("close form: %w", err))
	}

	text, err := o.http.post(ctx, o.url, form.FormDataContentType(), body.Bytes(), o.header())
	if err != nil {
		return Result{}, err
	}
	return result(text, 0, time.Since(start).Milliseconds())
}

// Health lists models to verify the endpoint and key.
func (o *OpenAI) Health(ctx context.Context) error {
	return o.http.get(ctx, o.baseURL+"/models", o.header())
}

func (o *OpenAI) header() http.Header {
	header := http.Header{}
	if o.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+o.config.APIKey)
	}
	return header
}

// Close releases idle connections.
func (o *OpenAI) Close() error {
	o.http.close()
	return nil
}

var _ Transcriber = (*OpenAI)(nil)
