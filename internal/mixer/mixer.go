// Package mixer provides the per-route mix-down primitives used by the
// process cycle: gain application, buffer accumulation, and equal-power
// pan, written as width-unrolled loops sized from the CPU's detected
// vector capability.
package mixer

import (
	"math"

	"github.com/klauspost/cpuid/v2"
)

// width is probed once at init. Correctness never depends on it, only
// how far the inner loops unroll.
var width = probeWidth()

func probeWidth() int {
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

// ApplyGain scales buf in place by gain.
func ApplyGain(buf []float32, gain float32) {
	if gain == 1 {
		return
	}
	i := 0
	for ; i+width <= len(buf); i += width {
		for w := 0; w < width; w++ {
			buf[i+w] *= gain
		}
	}
	for ; i < len(buf); i++ {
		buf[i] *= gain
	}
}

// AccumulateWithGain adds src scaled by gain into dst. dst and src must
// be the same length.
func AccumulateWithGain(dst, src []float32, gain float32) {
	i := 0
	for ; i+width <= len(dst); i += width {
		for w := 0; w < width; w++ {
			dst[i+w] += src[i+w] * gain
		}
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * gain
	}
}

// Silence zeroes buf.
func Silence(buf []float32) {
	for i := range buf {
		buf[i] = 0
	}
}

// PanGains converts a pan position in [-1, 1] to equal-power left/right
// gains: constant total power across the pan sweep.
func PanGains(pos float64) (left, right float32) {
	if pos < -1 {
		pos = -1
	} else if pos > 1 {
		pos = 1
	}
	theta := (pos + 1) * (math.Pi / 4)
	return float32(math.Cos(theta)), float32(math.Sin(theta))
}

// PeakAndRMS computes the block's peak absolute sample and RMS level,
// feeding the per-route meters.
func PeakAndRMS(buf []float32) (peak, rms float32) {
	if len(buf) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range buf {
		a := v
		if a < 0 {
			a = -a
		}
		if a > peak {
			peak = a
		}
		sum += float64(v) * float64(v)
	}
	return peak, float32(math.Sqrt(sum / float64(len(buf))))
}

// DeclickGain ramps buf linearly from startGain to endGain across the
// block, the short fade applied around transport start/stop/locate to
// avoid audible transients.
func DeclickGain(buf []float32, startGain, endGain float32) {
	n := len(buf)
	if n == 0 {
		return
	}
	if startGain == endGain {
		ApplyGain(buf, startGain)
		return
	}
	step := (endGain - startGain) / float32(n)
	g := startGain
	for i := 0; i < n; i++ {
		buf[i] *= g
		g += step
	}
}
