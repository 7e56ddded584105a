package ioport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInterleaveRoundTrip(t *testing.T) {
	t.Parallel()

	const channels, nframes = 2, 64
	src := make([][]float32, channels)
	for ch := range src {
		src[ch] = make([]float32, nframes)
		for i := range src[ch] {
			src[ch][i] = float32(ch*1000+i) / 2048
		}
	}

	wire := make([]byte, channels*nframes*4)
	interleaveF32(src, wire, channels, nframes)

	dst := make([][]float32, channels)
	for ch := range dst {
		dst[ch] = make([]float32, nframes)
	}
	deinterleaveF32(wire, dst, channels, nframes)

	assert.Equal(t, src, dst)
}

func TestDeinterleaveShortBufferStopsClean(t *testing.T) {
	t.Parallel()

	dst := [][]float32{make([]float32, 4)}
	// Only one complete sample present.
	deinterleaveF32(make([]byte, 5), dst, 1, 4)
	assert.Equal(t, []float32{0, 0, 0, 0}, dst[0])
}

func TestPortNaming(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "system:capture_1", portName("capture", 0))
	assert.Equal(t, "system:playback_2", portName("playback", 1))
}
