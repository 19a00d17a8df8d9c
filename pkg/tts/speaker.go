package tts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/teslashibe/go-salescall/pkg/audioio"
	"gopkg.in/yaml.v3"
)

// SpeakerProfile is the agent's voice identity. It is loaded once at start
// and shared read-only by every synthesis request.
type SpeakerProfile struct {
	Name      string         `yaml:"name"`
	VoiceID   string         `yaml:"voice_id"`
	Settings  *VoiceSettings `yaml:"settings"`
	Embedding []float64      `yaml:"embedding"`
}

// DefaultSpeakerProfile returns the profile used when none is configured.
func DefaultSpeakerProfile() SpeakerProfile {
	settings := DefaultVoiceSettings()
	return SpeakerProfile{Name: "default", Settings: &settings}
}

// LoadSpeakerProfile reads a YAML or JSON profile from path. An empty path
// yields the default profile.
func LoadSpeakerProfile(path string) (SpeakerProfile, error) {
	profile := DefaultSpeakerProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return profile, fmt.Errorf("read speaker profile: %w", err)
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("parse speaker profile: %w", err)
	}
	if profile.Name == "" {
		base := filepath.Base(path)
		profile.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return profile, nil
}

// Speaker binds a provider to a speaker profile and an output rate.
type Speaker struct {
	provider   Provider
	profile    SpeakerProfile
	outputRate int
}

// NewSpeaker creates a Speaker. The profile's voice should already be
// applied to the provider with WithProfile. Audio is resampled to
// outputRate; zero keeps the provider's rate.
func NewSpeaker(provider Provider, profile SpeakerProfile, outputRate int) *Speaker {
	return &Speaker{provider: provider, profile: profile, outputRate: outputRate}
}

// Profile returns the shared speaker profile.
func (s *Speaker) Profile() SpeakerProfile {
	return s.profile
}

// Provider returns the underlying provider.
func (s *Speaker) Provider() Provider {
	return s.provider
}

// Synthesize returns mono PCM16 at the output rate. Blank text yields an
// empty result without calling the provider.
func (s *Speaker) Synthesize(ctx context.Context, text string) (*AudioResult, error) {
	if strings.TrimSpace(text) == "" {
		return &AudioResult{Format: s.format(SampleRateFromEncoding(EncodingPCM16))}, nil
	}

	result, err := s.provider.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	from := result.Format.SampleRate
	if s.outputRate > 0 && from > 0 && from != s.outputRate {
		result.Audio = audioio.ResampleBytes(result.Audio, from, s.outputRate)
		result.Format = s.format(s.outputRate)
	}
	return result, nil
}

// Health checks the underlying provider.
func (s *Speaker) Health(ctx context.Context) error {
	return s.provider.Health(ctx)
}

// Stream synthesizes text and passes each chunk to emit as mono PCM16 at
// the output rate, in arrival order. A trailing odd byte is held over to the
// next chunk so samples never split. Blank text emits nothing. An error from
// emit stops the stream and is returned.
func (s *Speaker) Stream(ctx context.Context, text string, emit func(pcm []byte, sampleRate int) error) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	stream, err := s.provider.Stream(ctx, text)
	if err != nil {
		return err
	}
	defer stream.Close()

	from := stream.Format().SampleRate
	to := s.format(from).SampleRate
	var carry []byte
	for {
		chunk, err := stream.Read()
		if err != nil {
			return err
		}
		if chunk == nil {
			return nil
		}

		if len(carry) > 0 {
			chunk = append(carry, chunk...)
			carry = nil
		}
		if len(chunk)%2 == 1 {
			carry = []byte{chunk[len(chunk)-1]}
			chunk = chunk[:len(chunk)-1]
		}
		if len(chunk) == 0 {
			continue
		}
		if from > 0 && from != to {
			chunk = audioio.ResampleBytes(chunk, from, to)
		}
		if err := emit(chunk, to); err != nil {
			return err
		}
	}
}

// Clip synthesizes text into a complete WAV file.
func (s *Speaker) Clip(ctx context.Context, text string) ([]byte, error) {
	result, err := s.Synthesize(ctx, text)
	if err != nil {
		return nil, err
	}
	return audioio.EncodeWAV(result.Audio, result.Format.SampleRate, 1)
}

func (s *Speaker) format(fallback int) AudioFormat {
	rate := s.outputRate
	if rate <= 0 {
		rate = fallback
	}
	format := PCMFormat(EncodingForSampleRate(rate))
	format.SampleRate = rate
	return format
}
