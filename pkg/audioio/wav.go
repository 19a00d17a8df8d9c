// Package audioio holds the PCM16 helpers shared by the speech adapters:
// WAV framing, resampling, downmixing and level measurement.
package audioio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// ErrNotWAV is returned when a payload is not a RIFF/WAVE file.
var ErrNotWAV = errors.New("audioio: not a wav file")

// Clip is decoded PCM16 audio with its format.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	frames := len(c.PCM) / 2 / c.Channels
	return time.Duration(frames) * time.Second / time.Duration(c.SampleRate)
}

// Mono returns the clip downmixed to a single channel.
func (c Clip) Mono() Clip {
	if c.Channels <= 1 {
		return c
	}
	return Clip{
		PCM:        SamplesToBytes(Downmix(BytesToSamples(c.PCM), c.Channels)),
		SampleRate: c.SampleRate,
		Channels:   1,
	}
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(data []byte) bool {
	return len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

// EncodeWAV frames little-endian PCM16 samples as a WAV file.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	if channels <= 0 {
		channels = 1
	}

	samples := make([]int, len(pcm)/2)
	for i, s := range BytesToSamples(pcm) {
		samples[i] = int(s)
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return out.Bytes(), nil
}

// DecodeWAV extracts PCM16 samples from a WAV file. 8-, 24- and 32-bit
// integer input is rescaled to 16 bits.
func DecodeWAV(data []byte) (Clip, error) {
	if !IsWAV(data) {
		return Clip{}, ErrNotWAV
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, ErrNotWAV
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}

	depth := int(dec.BitDepth)
	samples := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		switch {
		case depth == 8:
			s = (s - 128) << 8
		case depth > 16:
			s >>= depth - 16
		}
		samples[i] = int16(s)
	}

	return Clip{
		PCM:        SamplesToBytes(samples),
		SampleRate: int(dec.SampleRate),
		Channels:   int(dec.NumChans),
	}, nil
}

// seekBuffer is an in-memory io.WriteSeeker; the encoder seeks back to
// patch chunk sizes on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(b.pos) + offset
	case io.SeekEnd:
		pos = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("seek: invalid whence")
	}
	if pos < 0 {
		return 0, errors.New("seek: negative position")
	}
	b.pos = int(pos)
	return pos, nil
}

func (b *seekBuffer) Bytes() []byte {
	return b.buf
}
