package audioio

import (
	"errors"
	"testing"
	"time"
)

func ramp(n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(i*100 - 5000)
	}
	return SamplesToBytes(samples)
}

func TestWAVRoundTrip(t *testing.T) {
	pcm := ramp(160)

	data, err := EncodeWAV(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !IsWAV(data) {
		t.Fatalf("missing RIFF/WAVE header: %q", data[:12])
	}

	clip, err := DecodeWAV(data)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if clip.SampleRate != 16000 || clip.Channels != 1 {
		t.Errorf("unexpected format: %d Hz, %d ch", clip.SampleRate, clip.Channels)
	}
	if string(clip.PCM) != string(pcm) {
		t.Error("decoded samples differ from input")
	}
	if clip.Duration() != 10*time.Millisecond {
		t.Errorf("expected 10ms, got %s", clip.Duration())
	}
}

func TestEncodeWAVEmpty(t *testing.T) {
	data, err := EncodeWAV(nil, 16000, 1)
	if err != nil {
		t.Fatalf("EncodeWAV: %v", err)
	}
	if !IsWAV(data) {
		t.Fatal("expected a header-only wav")
	}
}

func TestEncodeWAVRejectsOddLength(t *testing.T) {
	if _, err := EncodeWAV([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Error("expected alignment error")
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV([]byte("not a wav file at all")); !errors.Is(err, ErrNotWAV) {
		t.Errorf("expected ErrNotWAV, got %v", err)
	}
}

func TestClipMono(t *testing.T) {
	stereo := Clip{PCM: SamplesToBytes([]int16{10, 30, -10, -30}), SampleRate: 8000, Channels: 2}

	mono := stereo.Mono()
	if mono.Channels != 1 {
		t.Fatalf("expected mono, got %d channels", mono.Channels)
	}
	samples := BytesToSamples(mono.PCM)
	if len(samples) != 2 || samples[0] != 20 || samples[1] != -20 {
		t.Errorf("unexpected samples %v", samples)
	}
}
