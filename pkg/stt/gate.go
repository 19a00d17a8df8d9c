package stt

import (
	"context"

	"github.com/teslashibe/go-salescall/pkg/audioio"
)

// SilenceGate reports ErrNoSpeech for recordings below a level threshold
// without calling the wrapped backend.
type SilenceGate struct {
	next      Transcriber
	threshold float64
}

// NewSilenceGate wraps next. threshold is an RMS level in 0..1.
func NewSilenceGate(next Transcriber, threshold float64) *SilenceGate {
	return &SilenceGate{next: next, threshold: threshold}
}

// Transcribe measures the payload and forwards it when loud enough.
func (g *SilenceGate) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	if len(audio) == 0 {
		return Result{}, ErrEmptyAudio
	}

	pcm := audio
	if audioio.IsWAV(audio) {
		clip, err := audioio.DecodeWAV(audio)
		if err != nil {
			return g.next.Transcribe(ctx, audio)
		}
		pcm = clip.PCM
	}
	if audioio.RMS(audioio.BytesToSamples(pcm)) < g.threshold {
		return Result{}, ErrNoSpeech
	}
	return g.next.Transcribe(ctx, audio)
}

// Health checks the wrapped backend.
func (g *SilenceGate) Health(ctx context.Context) error {
	return g.next.Health(ctx)
}

// Close closes the wrapped backend.
func (g *SilenceGate) Close() error {
	return g.next.Close()
}

var _ Transcriber = (*SilenceGate)(nil)
