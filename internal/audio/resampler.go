// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package audio

// Resampler converts mono PCM16 between sample rates via linear
// interpolation (§4.2), mirroring the teacher's own internal/audio
// resampler abstraction (internal/channel/webrtc/streamer.go calls a
// resampler.Resample(pcm, fromConfig, toConfig) seam around whatever
// backs it).
type Resampler struct {
	fromRate int
	toRate   int
}

// NewResampler builds a Resampler for the fromRate -> toRate conversion.
// Resample is a no-op copy whenever the rates already match.
func NewResampler(fromRate, toRate int) *Resampler {
	return &Resampler{fromRate: fromRate, toRate: toRate}
}

// Resample converts mono PCM16 samples (not bytes) by linear
// interpolation between the two nearest source samples.
func (r *Resampler) Resample(in []int16) []int16 {
	if r.fromRate == r.toRate || len(in) <= 1 {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(r.fromRate) / float64(r.toRate)
	outLen := int(float64(len(in)) / ratio)
	out := make([]int16, outLen)
	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := srcPos - float64(idx)
		if idx+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		a, b := float64(in[idx]), float64(in[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// BytesToInt16LE unpacks little-endian PCM16 bytes into samples.
func BytesToInt16LE(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// Int16ToBytesLE packs PCM16 samples into little-endian bytes.
func Int16ToBytesLE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(uint16(s))
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
