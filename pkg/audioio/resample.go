package audioio

import (
	"encoding/binary"
	"math"
)

// Resample converts mono PCM16 samples between rates with linear
// interpolation. Good enough for narrowband speech.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	step := float64(fromRate) / float64(toRate)
	out := make([]int16, int(float64(len(samples))/step))
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + (pos-float64(idx))*(b-a))
	}
	return out
}

// ResampleBytes resamples little-endian PCM16 bytes.
func ResampleBytes(data []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return data
	}
	return SamplesToBytes(Resample(BytesToSamples(data), fromRate, toRate))
}

// BytesToSamples decodes little-endian PCM16. A trailing odd byte is dropped.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}

// Downmix averages interleaved channels into mono.
func Downmix(samples []int16, channels int) []int16 {
	if channels <= 1 {
		return samples
	}
	mono := make([]int16, len(samples)/channels)
	for i := range mono {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(samples[i*channels+c])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono
}

// RMS returns the root mean square level of samples scaled to 0..1.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
