package tts

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/teslashibe/go-salescall/pkg/audioio"
)

const (
	huggingFaceBaseURL  = "https://api-inference.huggingface.co/models"
	providerHuggingFace = "huggingface"

	// ModelSpeechT5 is the default Hugging Face text-to-speech model.
	ModelSpeechT5 = "microsoft/speecht5_tts"
)

// HuggingFace implements Provider on the Hugging Face Inference API.
// The service answers with a WAV file which is decoded to PCM16.
type HuggingFace struct {
	config *Config
	http   *transport
	url    string
}

// NewHuggingFace creates a Hugging Face TTS provider.
func NewHuggingFace(opts ...Option) (*HuggingFace, error) {
	cfg := DefaultConfig()
	cfg.ModelID = ModelSpeechT5
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = huggingFaceBaseURL
	}

	return &HuggingFace{
		config: cfg,
		http:   newTransport(providerHuggingFace, cfg),
		url:    baseURL + "/" + cfg.ModelID,
	}, nil
}

// Synthesize converts text to PCM16 audio.
func (h *HuggingFace) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	start := time.Now()

	payload := map[string]any{"inputs": text}
	if len(h.config.SpeakerEmbedding) > 0 {
		payload["parameters"] = map[string]any{"speaker_embeddings": h.config.SpeakerEmbedding}
	}

	resp, err := h.http.postJSON(ctx, h.url, payload, h.headers())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, WrapError(providerHuggingFace, fmt.Errorf("read response: %w", err))
	}

	clip, err := audioio.DecodeWAV(data)
	if err != nil {
		return nil, WrapError(providerHuggingFace, fmt.Errorf("%w: %v", ErrUnsupportedAudio, err))
	}
	clip = clip.Mono()
	pcm := clip.PCM
	format := PCMFormat(EncodingForSampleRate(clip.SampleRate))
	format.SampleRate = clip.SampleRate

	latency := time.Since(start).Milliseconds()
	h.http.logger.Debug("synthesized audio",
		"chars", len(text),
		"bytes", len(pcm),
		"sample_rate", format.SampleRate,
		"latency_ms", latency,
	)

	return &AudioResult{
		Audio:     pcm,
		Format:    format,
		Duration:  PCMDuration(len(pcm), format.SampleRate),
		CharCount: len(text),
		LatencyMs: latency,
	}, nil
}

// Stream synthesizes the whole utterance; the Inference API does not stream.
func (h *HuggingFace) Stream(ctx context.Context, text string) (AudioStream, error) {
	result, err := h.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return &bufferStream{data: result.Audio, format: result.Format}, nil
}

func (h *HuggingFace) headers() http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.config.APIKey)
	header.Set("Accept", "audio/wav")
	return header
}

// Health fetches the model status.
func (h *HuggingFace) Health(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+h.config.APIKey)
	return h.http.get(ctx, h.url, header)
}

// Close releases resources.
func (h *HuggingFace) Close() error {
	h.http.close()
	return nil
}

var _ Provider = (*HuggingFace)(nil)
