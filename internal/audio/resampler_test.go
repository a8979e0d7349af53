package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResampleNoopWhenRatesMatch(t *testing.T) {
	r := NewResampler(24000, 24000)
	in := []int16{1, 2, 3, 4}
	out := r.Resample(in)
	assert.Equal(t, in, out)
}

func TestResampleDownsampleHalvesLength(t *testing.T) {
	r := NewResampler(48000, 24000)
	in := make([]int16, 100)
	for i := range in {
		in[i] = int16(i)
	}
	out := r.Resample(in)
	assert.InDelta(t, 50, len(out), 1)
}

func TestResampleUpsampleDoublesLength(t *testing.T) {
	r := NewResampler(24000, 48000)
	in := make([]int16, 50)
	for i := range in {
		in[i] = int16(i * 10)
	}
	out := r.Resample(in)
	assert.InDelta(t, 100, len(out), 1)
}

func TestBytesInt16RoundTrip(t *testing.T) {
	samples := []int16{-32768, -1, 0, 1, 32767}
	b := Int16ToBytesLE(samples)
	back := BytesToInt16LE(b)
	assert.Equal(t, samples, back)
}
