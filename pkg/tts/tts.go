// Package tts converts agent replies to speech.
//
// Providers (Hugging Face SpeechT5, ElevenLabs, OpenAI-compatible servers)
// implement a single Provider interface returning raw PCM16, so the agent
// can switch backends or chain them without changes. A Speaker binds a
// provider to the process-wide SpeakerProfile and frames output as WAV.
//
// Example usage:
//
//	provider, _ := tts.NewHuggingFace(
//	    tts.WithAPIKey(os.Getenv("HF_TOKEN")),
//	    tts.WithModel("microsoft/speecht5_tts"),
//	)
//	speaker := tts.NewSpeaker(provider, tts.DefaultSpeakerProfile())
//	clip, _ := speaker.Clip(ctx, "Hello, thanks for taking my call.")
//	// clip is a complete WAV file
package tts

import (
	"context"
	"time"
)

// Provider defines the TTS provider interface.
type Provider interface {
	// Synthesize converts text to audio, returning the complete buffer.
	Synthesize(ctx context.Context, text string) (*AudioResult, error)

	// Stream converts text to audio, returning chunks as they arrive.
	Stream(ctx context.Context, text string) (AudioStream, error)

	// Health checks provider connectivity and credentials.
	Health(ctx context.Context) error

	// Close releases any resources held by the provider.
	Close() error
}

// AudioStream is a streaming audio response.
// Callers read until Read returns nil, then call Close.
type AudioStream interface {
	// Read returns the next audio chunk, or nil when the stream is complete.
	Read() ([]byte, error)

	// Close stops the stream and releases resources.
	Close() error

	// Format returns the audio format metadata.
	Format() AudioFormat
}

// AudioResult is a complete synthesis result.
type AudioResult struct {
	// Audio holds raw audio in Format.
	Audio []byte

	Format    AudioFormat
	Duration  time.Duration
	CharCount int
	LatencyMs int64
}

// AudioFormat describes the audio encoding parameters.
type AudioFormat struct {
	Encoding   Encoding
	SampleRate int
	Channels   int
	BitDepth   int
}

// Encoding represents audio encoding types, named after the ElevenLabs
// output_format values.
type Encoding string

const (
	EncodingPCM16 Encoding = "pcm_16000" // 16kHz mono PCM16
	EncodingPCM22 Encoding = "pcm_22050" // 22.05kHz mono PCM16
	EncodingPCM24 Encoding = "pcm_24000" // 24kHz mono PCM16
	EncodingPCM44 Encoding = "pcm_44100" // 44.1kHz mono PCM16
)

// VoiceSettings controls voice characteristics for providers that support it.
type VoiceSettings struct {
	// Stability controls voice consistency (0.0-1.0).
	Stability float64 `yaml:"stability"`

	// SimilarityBoost controls closeness to the source voice (0.0-1.0).
	SimilarityBoost float64 `yaml:"similarity_boost"`

	// Style controls style exaggeration (0.0-1.0).
	Style float64 `yaml:"style"`

	SpeakerBoost bool `yaml:"speaker_boost"`
}

// DefaultVoiceSettings returns settings tuned for a calm phone voice.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:       0.6,
		SimilarityBoost: 0.75,
		Style:           0.0,
		SpeakerBoost:    true,
	}
}

// SampleRateFromEncoding extracts the sample rate from an encoding type.
func SampleRateFromEncoding(enc Encoding) int {
	switch enc {
	case EncodingPCM22:
		return 22050
	case EncodingPCM24:
		return 24000
	case EncodingPCM44:
		return 44100
	default:
		return 16000
	}
}

// EncodingForSampleRate returns the PCM encoding closest to rate.
func EncodingForSampleRate(rate int) Encoding {
	switch {
	case rate <= 16000:
		return EncodingPCM16
	case rate <= 22050:
		return EncodingPCM22
	case rate <= 24000:
		return EncodingPCM24
	default:
		return EncodingPCM44
	}
}

// PCMFormat returns a mono PCM16 format for enc.
func PCMFormat(enc Encoding) AudioFormat {
	return AudioFormat{
		Encoding:   enc,
		SampleRate: SampleRateFromEncoding(enc),
		Channels:   1,
		BitDepth:   16,
	}
}

// PCMDuration returns the playback length of mono PCM16 audio.
func PCMDuration(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// bufferStream wraps a byte slice as AudioStream.
type bufferStream struct {
	data   []byte
	offset int
	format AudioFormat
}

func (s *bufferStream) Read() ([]byte, error) {
	if s.offset >= len(s.data) {
		return nil, nil
	}
	chunk := s.data[s.offset:]
	s.offset = len(s.data)
	return chunk, nil
}

func (s *bufferStream) Close() error {
	return nil
}

func (s *bufferStream) Format() AudioFormat {
	return s.format
}
