package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	openAITTSURL   = "https://api.openai.com/v1/audio/speech"
	providerOpenAI = "openai"
)

// OpenAI voice and model options.
const (
	VoiceAlloy   = "alloy"
	VoiceNova    = "nova"
	VoiceShimmer = "shimmer"

	ModelTTS1 = "tts-1"
)

// OpenAI implements Provider for OpenAI-compatible /audio/speech servers.
// Audio is requested as raw PCM, which these servers emit at 24kHz.
type OpenAI struct {
	config  *Config
	http    *transport
	baseURL string
}

// NewOpenAI creates a new OpenAI TTS provider.
func NewOpenAI(opts ...Option) (*OpenAI, error) {
	cfg := DefaultConfig()
	cfg.ModelID = ModelTTS1
	cfg.VoiceID = VoiceShimmer
	cfg.Apply(opts...)
	cfg.OutputFormat = EncodingPCM24

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = VoiceShimmer
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openAITTSURL
	}

	return &OpenAI{
		config:  cfg,
		http:    newTransport(providerOpenAI, cfg),
		baseURL: baseURL,
	}, nil
}

// Synthesize converts text to audio, returning the complete audio buffer.
func (o *OpenAI) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	resp, err := o.request(ctx, text)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerOpenAI, fmt.Errorf("read response: %w", err))
	}

	latency := time.Since(start).Milliseconds()
	o.http.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
		"voice", o.config.VoiceID,
	)

	format := PCMFormat(o.config.OutputFormat)
	return &AudioResult{
		Audio:     audio,
		Format:    format,
		Duration:  PCMDuration(len(audio), format.SampleRate),
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// Stream returns the response body as it arrives.
func (o *OpenAI) Stream(ctx context.Context, text string) (AudioStream, error) {
	resp, err := o.request(ctx, text)
	if err != nil {
		return nil, err
	}
	return &httpStream{body: resp.Body, format: PCMFormat(o.config.OutputFormat)}, nil
}

func (o *OpenAI) request(ctx context.Context, text string) (*http.Response, error) {
	payload := map[string]any{
		"model":           o.config.ModelID,
		"voice":           o.config.VoiceID,
		"input":           text,
		"response_format": "pcm",
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.config.APIKey)
	return o.http.postJSON(ctx, o.baseURL, payload, header)
}

// Health checks the models endpoint next to the speech endpoint.
func (o *OpenAI) Health(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.config.APIKey)
	return o.http.get(ctx, strings.TrimSuffix(o.baseURL, "/audio/speech")+"/models", header)
}

// Close releases resources.
func (o *OpenAI) Close() error {
	o.http.close()
	return nil
}

// VoiceID returns the configured voice.
func (o *OpenAI) VoiceID() string {
	return o.config.VoiceID
}

var _ Provider = (*OpenAI)(nil)
