package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	elevenLabsBaseURL  = "https://api.elevenlabs.io/v1"
	providerElevenLabs = "elevenlabs"
)

// ElevenLabs model IDs.
const (
	ModelTurboV2_5 = "eleven_turbo_v2_5"
	ModelFlashV2_5 = "eleven_flash_v2_5"
)

// elevenLabsVoices maps preset names to ElevenLabs voice IDs.
var elevenLabsVoices = map[string]string{
	"rachel":    "21m00Tcm4TlvDq8ikWAM",
	"sarah":     "EXAVITQu4vr4xnSDxMaL",
	"charlotte": "XB0fDUnXU5powFXDhCwa",
	"josh":      "TxGEqnHWrfWFTfGW9XjX",
	"adam":      "pNInz6obpgDQGcFmaJgB",
}

// ResolveElevenLabsVoice returns the voice ID for a preset name, or the
// input unchanged if it is already an ID.
func ResolveElevenLabsVoice(name string) string {
	if id, ok := elevenLabsVoices[name]; ok {
		return id
	}
	return name
}

// ElevenLabs implements Provider for ElevenLabs TTS.
type ElevenLabs struct {
	config  *Config
	http    *transport
	baseURL string
}

// NewElevenLabs creates a new ElevenLabs TTS provider.
func NewElevenLabs(opts ...Option) (*ElevenLabs, error) {
	cfg := DefaultConfig()
	cfg.ModelID = ModelTurboV2_5
	cfg.Apply(opts...)
	cfg.VoiceID = ResolveElevenLabsVoice(cfg.VoiceID)

	if err := cfg.ValidateWithVoice(); err != nil {
		return nil, err
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}

	return &ElevenLabs{
		config:  cfg,
		http:    newTransport(providerElevenLabs, cfg),
		baseURL: baseURL,
	}, nil
}

// Synthesize converts text to audio, returning the complete audio buffer.
func (e *ElevenLabs) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	resp, err := e.request(ctx, fmt.Sprintf("%s/text-to-speech/%s", e.baseURL, e.config.VoiceID), text)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerElevenLabs, fmt.Errorf("read response: %w", err))
	}

	latency := time.Since(start).Milliseconds()
	e.http.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(audio),
		"latency_ms", latency,
		"model", e.config.ModelID,
	)

	format := PCMFormat(e.config.OutputFormat)
	return &AudioResult{
		Audio:     audio,
		Format:    format,
		CharCount: len(text),
		LatencyMs: latency,
		Duration:  PCMDuration(len(audio), format.SampleRate),
	}, nil
}

// Stream uses the /stream endpoint for lowest time to first byte.
func (e *ElevenLabs) Stream(ctx context.Context, text string) (AudioStream, error) {
	resp, err := e.request(ctx, fmt.Sprintf("%s/text-to-speech/%s/stream", e.baseURL, e.config.VoiceID), text)
	if err != nil {
		return nil, err
	}
	return &httpStream{body: resp.Body, format: PCMFormat(e.config.OutputFormat)}, nil
}

func (e *ElevenLabs) request(ctx context.Context, url, text string) (*http.Response, error) {
	url += "?output_format=" + string(e.config.OutputFormat)
	payload := map[string]any{
		"text":     text,
		"model_id": e.config.ModelID,
		"voice_settings": map[string]any{
			"stability":         e.config.VoiceSettings.Stability,
			"similarity_boost":  e.config.VoiceSettings.SimilarityBoost,
			"style":             e.config.VoiceSettings.Style,
			"use_speaker_boost": e.config.VoiceSettings.SpeakerBoost,
		},
	}
	return e.http.postJSON(ctx, url, payload, e.headers())
}

func (e *ElevenLabs) headers() http.Header {
	h := http.Header{}
	h.Set("xi-api-key", e.config.APIKey)
	h.Set("Accept", "audio/pcm")
	return h
}

// Health checks API connectivity and API key validity.
func (e *ElevenLabs) Health(ctx context.Context) error {
	return e.http.get(ctx, e.baseURL+"/user", e.headers())
}

// Close releases resources held by the provider.
func (e *ElevenLabs) Close() error {
	e.http.close()
	return nil
}

// VoiceID returns the configured voice ID.
func (e *ElevenLabs) VoiceID() string {
	return e.config.VoiceID
}

var _ Provider = (*ElevenLabs)(nil)
