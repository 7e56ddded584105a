// Package xfade implements the destructive-capture equal-power crossfade
// curves: precomputed at engine init, reused on every capture
// start/stop boundary, with a shorter one-off curve recomputed for
// captures too brief to hold a full-length xfade.
package xfade

import (
	"math"

	"github.com/klauspost/cpuid/v2"
)

// Curves holds the precomputed fade-in/fade-out sample arrays for one
// crossfade length, both of length n.
type Curves struct {
	FadeIn  []float32
	FadeOut []float32
}

// Precompute builds equal-power fade-in/fade-out curves of length n:
// fade_in[i] = sin(i/(n-1) * pi/2), fade_out[i] = cos(i/(n-1) * pi/2),
// so that fade_in[i]^2 + fade_out[i]^2 == 1 at every sample (constant
// power across the crossfade).
func Precompute(n int) *Curves {
	if n <= 0 {
		return &Curves{}
	}
	in := make([]float32, n)
	out := make([]float32, n)
	if n == 1 {
		in[0], out[0] = 1, 0
		return &Curves{FadeIn: in, FadeOut: out}
	}
	for i := 0; i < n; i++ {
		theta := (float64(i) / float64(n-1)) * (math.Pi / 2)
		in[i] = float32(math.Sin(theta))
		out[i] = float32(math.Cos(theta))
	}
	return &Curves{FadeIn: in, FadeOut: out}
}

// Set is the pair of curve lengths an engine carries: the standard xfade
// and a shorter one used when a capture segment is too brief to hold the
// standard length.
type Set struct {
	Standard *Curves
	standardFrames int
	shortMS        float64
	sampleRate     int
}

// NewSet precomputes the standard-length curve once at engine init.
// shortMS is the configured short-crossfade duration in milliseconds,
// used later by ForLength to size one-off short curves.
func NewSet(standardFrames int, shortMS float64, sampleRate int) *Set {
	return &Set{
		Standard:       Precompute(standardFrames),
		standardFrames: standardFrames,
		shortMS:        shortMS,
		sampleRate:     sampleRate,
	}
}

// ForLength returns the curve to use for a crossfade of exactly cnt
// frames: the precomputed standard curve if cnt matches its length,
// otherwise a freshly computed curve of length cnt (a
// one-off curve of that shorter length rather than truncating).
func (s *Set) ForLength(cnt int) *Curves {
	if cnt == s.standardFrames {
		return s.Standard
	}
	return Precompute(cnt)
}

// ShortFrames converts the configured short-crossfade millisecond length
// to frames at the set's sample rate.
func (s *Set) ShortFrames() int {
	return int(s.shortMS * float64(s.sampleRate) / 1000.0)
}

// StandardFrames returns the configured standard crossfade length, in
// frames, used by callers sizing a fade-out tail against it.
func (s *Set) StandardFrames() int {
	return s.standardFrames
}

// MixWidth reports how many float32 lanes the crossfade mixing loop should
// unroll by, based on the CPU's detected vector width. Falls back to 1
// (scalar) when no wider instruction set is available — correctness never
// depends on this, only throughput.
func MixWidth() int {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F):
		return 16
	case cpuid.CPU.Supports(cpuid.AVX2):
		return 8
	case cpuid.CPU.Supports(cpuid.SSE2):
		return 4
	default:
		return 1
	}
}

// MixBlock implements the destructive-capture write partition:
// the incoming block new_data is written into dst starting at pos, with
// a fade-in region at the start of the block crossfaded against the
// existing data already in dst, and the remainder written directly. A
// fade-out region (crossfading the tail of an outgoing block against
// what follows) is handled the same way by the caller invoking MixBlock
// again at the trailing boundary with FadeOut curves.
func MixBlock(dst []float32, pos int, newData []float32, curves *Curves, fadeIn bool) {
	n := len(curves.FadeIn)
	if n > len(newData) {
		n = len(newData)
	}
	width := MixWidth()

	i := 0
	for ; i+width <= n; i += width {
		for w := 0; w < width; w++ {
			mixSample(dst, pos+i+w, newData[i+w], curves, i+w, fadeIn)
		}
	}
	for ; i < n; i++ {
		mixSample(dst, pos+i, newData[i], curves, i, fadeIn)
	}

	for i := n; i < len(newData); i++ {
		dst[pos+i] = newData[i]
	}
}

func mixSample(dst []float32, idx int, sample float32, curves *Curves, curveIdx int, fadeIn bool) {
	if fadeIn {
		dst[idx] = sample*curves.FadeIn[curveIdx] + dst[idx]*curves.FadeOut[curveIdx]
		return
	}
	dst[idx] = sample*curves.FadeOut[curveIdx] + dst[idx]*curves.FadeIn[curveIdx]
}
