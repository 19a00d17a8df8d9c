package stt

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-salescall/pkg/audioio"
)

const (
	huggingFaceBaseURL  = "https://api-inference.huggingface.co/models"
	providerHuggingFace = "huggingface"

	// ModelWhisperBase is the default Hugging Face ASR model.
	ModelWhisperBase = "openai/whisper-base"
)

// HuggingFace transcribes through the Hugging Face Inference API.
type HuggingFace struct {
	config *Config
	http   *transport
	url    string
}

// NewHuggingFace creates a Hugging Face backend.
func NewHuggingFace(opts ...Option) (*HuggingFace, error) {
	cfg := DefaultConfig()
	cfg.Model = ModelWhisperBase
	cfg.Apply(opts...)

	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if cfg.Model == "" {
		return nil, ErrNoModel
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = huggingFaceBaseURL
	}

	return &HuggingFace{
		config: cfg,
		http:   newTransport(providerHuggingFace, cfg),
		url:    baseURL + "/" + cfg.Model,
	}, nil
}

// Transcribe posts the recording as a WAV body.
func (h *HuggingFace) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	if len(audio) == 0 {
		return Result{}, ErrEmptyAudio
	}
	start := time.Now()

	body, err := asWAV(audio, h.config.SampleRate)
	if err != nil {
		return Result{}, WrapError(providerHuggingFace, err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.config.APIKey)

	text, err := h.http.post(ctx, h.url, "audio/wav", body, header)
	if err != nil {
		return Result{}, err
	}

	latency := time.Since(start).Milliseconds()
	h.http.logger.Debug("transcribed audio", "bytes", len(audio), "chars", len(text), "latency_ms", latency)
	return result(text, 0, latency)
}

// Health checks the model endpoint with the configured token.
func (h *HuggingFace) Health(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.config.APIKey)
	return h.http.get(ctx, h.url, header)
}

// Close releases idle connections.
func (h *HuggingFace) Close() error {
	h.http.close()
	return nil
}

// asWAV frames raw PCM16 mono as WAV; WAV input passes through.
func asWAV(audio []byte, sampleRate int) ([]byte, error) {
	if audioio.IsWAV(audio) {
		return audio, nil
	}
	return audioio.EncodeWAV(audio[:len(audio)&^1], sampleRate, 1)
}

var _ Transcriber = (*HuggingFace)(nil)
