package diskstream

import "github.com/ardourgo/transportcore/internal/xfade"

// DestructiveSource is a single-channel destructive write target: one
// monotonic write cursor, crossfading new data against existing data at
// every capture start/stop boundary rather than creating new files per
// take. data is an in-memory stand-in
// for the on-disk file a capturefile writer would ultimately target.
type DestructiveSource struct {
	data   []float32
	cursor int64
	curves *xfade.Set
}

// NewDestructiveSource creates a destructive source over a pre-sized data
// buffer (the existing on-disk material) using curves for its crossfades.
func NewDestructiveSource(existing []float32, curves *xfade.Set) *DestructiveSource {
	return &DestructiveSource{data: existing, curves: curves}
}

// Seek repositions the monotonic write cursor to pos, growing the backing
// buffer if necessary. Called at the start of a new capture window so a
// punch-in lands at the window's transport frame rather than continuing
// from wherever the previous window left off.
func (s *DestructiveSource) Seek(pos int64) {
	if pos < 0 {
		pos = 0
	}
	if n := int(pos); n > len(s.data) {
		grown := make([]float32, n)
		copy(grown, s.data)
		s.data = grown
	}
	s.cursor = pos
}

// WriteCapture writes newData at the current cursor, partitioning it per
// a fade-in region crossfaded with existing data, a direct body,
// and (if fadeOutAt is within the block) a fade-out region crossfaded
// with whatever follows. fadeOutAt is the offset within newData where the
// capture stops; pass -1 if the
// whole block is body/fade-in only (capture continues past this block).
func (s *DestructiveSource) WriteCapture(newData []float32, isWindowStart bool, fadeOutAt int) {
	pos := int(s.cursor)
	if pos+len(newData) > len(s.data) {
		grown := make([]float32, pos+len(newData))
		copy(grown, s.data)
		s.data = grown
	}

	// Snapshot the tail this call will fade out against before any write
	// below touches it: the body copy (and, on a window-start block, the
	// fade-in curve's own tail-copy loop) would otherwise overwrite it
	// with newData first, leaving the fade-out blend with newData on both
	// sides instead of with the genuine pre-existing material.
	var existingTail []float32
	if fadeOutAt >= 0 && fadeOutAt < len(newData) {
		existingTail = append([]float32(nil), s.data[pos+fadeOutAt:pos+len(newData)]...)
	}

	if isWindowStart {
		n := len(s.curves.Standard.FadeIn)
		if len(newData) < n {
			// capture too brief for the standard window: a one-off short
			// curve, not a truncation of the standard one
			n = len(newData)
		}
		xfade.MixBlock(s.data, pos, newData, s.curves.ForLength(n), true)
	} else {
		copy(s.data[pos:pos+len(newData)], newData)
	}

	if existingTail != nil {
		tailLen := len(newData) - fadeOutAt
		curves := s.curves.ForLength(tailLen)
		xfade.MixBlock(existingTail, 0, newData[fadeOutAt:], curves, false)
		copy(s.data[pos+fadeOutAt:pos+len(newData)], existingTail)
	}

	s.cursor += int64(len(newData))
}

// Cursor returns the current monotonic write position.
func (s *DestructiveSource) Cursor() int64 { return s.cursor }

// Data exposes the underlying sample buffer, read-only, for tests.
func (s *DestructiveSource) Data() []float32 { return s.data }

// flushDestructive routes one just-popped capture chunk (chunk[ch] holds
// n frames per channel, in captureBuf pop order) through each channel's
// DestructiveSource instead of a plain append, splitting the chunk at any
// capture_boundaries entries it spans so a window-start seeks the cursor
// and crossfades in, and a window-end crossfades out, exactly once per
// window edge rather than guessing the split from chunk size alone. The
// blended result is copied back into chunk so the caller still persists a
// flat byte stream to the backing source.
func (d *Diskstream) flushDestructive(chunk [][]float32, n int) {
	base := d.captureFlushed
	segStart := 0
	for segStart < n {
		segEnd := n
		isStart := false
		windowCloses := false

		for len(d.captureBoundaries) > 0 {
			b := d.captureBoundaries[0]
			rel := int(b.pushPos - base)
			if rel <= segStart {
				// Already accounted for by the previous segment's split
				// (or, for a start boundary, needs acting on now).
				d.captureBoundaries = d.captureBoundaries[1:]
				if b.start {
					isStart = true
					for _, src := range d.destructive {
						if src != nil {
							src.Seek(b.frame)
						}
					}
				}
				continue
			}
			if rel > n {
				break
			}
			// rel falls strictly inside the remainder of this chunk:
			// split the segment here, fading out if it's a window close.
			segEnd = rel
			windowCloses = !b.start
			break
		}

		for ch := 0; ch < len(chunk) && ch < len(d.destructive); ch++ {
			src := d.destructive[ch]
			if src == nil {
				continue
			}
			fadeOutAt := -1
			if windowCloses {
				// Only the final standard-length tail of the segment
				// crossfades; the rest of a long unflushed backlog is
				// written through directly.
				segLen := segEnd - segStart
				fadeOutAt = segLen - src.curves.StandardFrames()
				if fadeOutAt < 0 {
					fadeOutAt = 0
				}
			}
			before := src.Cursor()
			src.WriteCapture(chunk[ch][segStart:segEnd], isStart, fadeOutAt)
			copy(chunk[ch][segStart:segEnd], src.Data()[before:src.Cursor()])
		}
		segStart = segEnd
	}
	d.captureFlushed += int64(n)
}
