package ioport

import (
	"encoding/binary"
	"math"
)

// deinterleaveF32 splits little-endian interleaved float32 device bytes
// into per-channel sample slices.
func deinterleaveF32(src []byte, dst [][]float32, channels, nframes int) {
	for i := 0; i < nframes; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 4
			if off+4 > len(src) {
				return
			}
			bits := binary.LittleEndian.Uint32(src[off : off+4])
			dst[ch][i] = math.Float32frombits(bits)
		}
	}
}

// interleaveF32 packs per-channel samples back into the device's
// little-endian interleaved float32 layout.
func interleaveF32(src [][]float32, dst []byte, channels, nframes int) {
	for i := 0; i < nframes; i++ {
		for ch := 0; ch < channels; ch++ {
			off := (i*channels + ch) * 4
			if off+4 > len(dst) {
				return
			}
			binary.LittleEndian.PutUint32(dst[off:off+4], math.Float32bits(src[ch][i]))
		}
	}
}
