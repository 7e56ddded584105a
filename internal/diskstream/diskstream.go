// Package diskstream implements the per-track streaming endpoint:
// ring buffers bridging the audio thread to disk, alignment derivation,
// per-cycle capture/playback processing, and (via butler.go) the
// non-realtime refill/flush passes and destructive-capture crossfades.
package diskstream

import (
	"github.com/ardourgo/transportcore/internal/logging"
	"github.com/ardourgo/transportcore/internal/ring"
	"github.com/ardourgo/transportcore/internal/timeline"
	"github.com/ardourgo/transportcore/internal/xfade"
)

var log = logging.ForService("diskstream")

// Overlap classifies how the current recordable window intersects the
// cycle being processed.
type Overlap int

const (
	OverlapNone Overlap = iota
	OverlapInternal
	OverlapStart
	OverlapEnd
	OverlapExternal
)

// CaptureToken is pushed into the capture_transition_buf to preserve the
// exact sample at which a new capture window began, interleaved with the
// audio data itself.
type CaptureToken struct {
	CaptureVal int64
}

// CaptureInfo records one completed capture pass, consumed at stop to
// build playlist regions.
type CaptureInfo struct {
	Start  int64
	Length int64
}

// Flags is the bitset carried on a diskstream, mirroring the persisted
// Diskstream.flags bits: Recordable, Hidden, Destructive.
type Flags int

const (
	FlagRecordable  Flags = 1 << 0
	FlagHidden      Flags = 1 << 1
	FlagDestructive Flags = 1 << 2
)

// captureBoundary marks, in capture-push-stream position space, where a
// recording window starts or ends. The butler consumes these in order as
// it flushes captureBuf, so a destructive flush can split exactly on
// window edges rather than guessing from chunk size alone.
type captureBoundary struct {
	pushPos int64 // position in the capture-push stream (see capturePushed)
	start   bool  // true: window opens here (seek + crossfade-in); false: window closes here (crossfade-out)
	frame   int64 // transport frame of this boundary; meaningful for start boundaries only
}

// Diskstream is a per-track streaming endpoint. One audio-channel ring per
// channel; MIDI-granularity streams use the same struct with Channels==1
// and frames interpreted as events rather than samples by the caller.
type Diskstream struct {
	id       string
	channels int

	playbackBuf []*ring.Pointer[float32]
	captureBuf  []*ring.Pointer[float32]
	transition  *ring.Pointer[CaptureToken]

	alignStyle    AlignStyle
	recordEnabled bool

	firstRecordableFrame int64
	lastRecordableFrame  int64
	haveRecordWindow     bool

	captureOffset      int64
	rollDelay          int64
	worstOutputLatency int64

	fileFrame int64 // next frame to read from the playlist during refill

	playbackLowWater  int
	captureHighWater  int

	captureInfos []CaptureInfo
	captureStart int64
	capturing    bool

	flags             Flags
	destructive       []*DestructiveSource
	captureBoundaries []captureBoundary
	capturePushed     int64 // total frames pushed into captureBuf, push-stream position space
	captureFlushed    int64 // total frames the butler has drained from captureBuf, same space

	playlist       timeline.Playlist
	varispeedState varispeed
}

// New creates a diskstream with per-channel ring buffers of the given
// frame capacity.
func New(id string, channels, ringCapacity int, playlist timeline.Playlist) *Diskstream {
	d := &Diskstream{
		id:           id,
		channels:     channels,
		playbackBuf:  make([]*ring.Pointer[float32], channels),
		captureBuf:   make([]*ring.Pointer[float32], channels),
		transition:   ring.NewPointer[CaptureToken](64),
		playlist:     playlist,
	}
	for ch := 0; ch < channels; ch++ {
		d.playbackBuf[ch] = ring.NewPointer[float32](ringCapacity)
		d.captureBuf[ch] = ring.NewPointer[float32](ringCapacity)
	}
	return d
}

// SetRecordWindow establishes the recordable window for subsequent
// CheckRecordStatus calls, derived by the session glue from record-enable,
// punch locations, alignment style, capture offset, and latency.
// Passing haveWindow=false disables recording for this cycle.
func (d *Diskstream) SetRecordWindow(first, last int64, haveWindow bool) {
	d.firstRecordableFrame = first
	d.lastRecordableFrame = last
	d.haveRecordWindow = haveWindow
}

// CheckRecordStatus computes the overlap of the current recordable window
// with [transportFrame, transportFrame+nframes).
func (d *Diskstream) CheckRecordStatus(transportFrame int64, nframes int, canRecord bool) (kind Overlap, recOffset, recNframes int) {
	if !canRecord || !d.haveRecordWindow {
		return OverlapNone, 0, 0
	}
	cycleStart := transportFrame
	cycleEnd := transportFrame + int64(nframes)

	overlapStart := cycleStart
	if d.firstRecordableFrame > overlapStart {
		overlapStart = d.firstRecordableFrame
	}
	overlapEnd := cycleEnd
	if d.lastRecordableFrame < overlapEnd {
		overlapEnd = d.lastRecordableFrame
	}
	if overlapStart >= overlapEnd {
		return OverlapNone, 0, 0
	}

	recOffset = int(overlapStart - cycleStart)
	recNframes = int(overlapEnd - overlapStart)

	switch {
	case cycleStart >= d.firstRecordableFrame && cycleEnd <= d.lastRecordableFrame:
		kind = OverlapInternal
	case cycleStart < d.firstRecordableFrame && cycleEnd <= d.lastRecordableFrame:
		kind = OverlapStart
	case cycleStart >= d.firstRecordableFrame && cycleEnd > d.lastRecordableFrame:
		kind = OverlapEnd
	default:
		kind = OverlapExternal
	}
	return kind, recOffset, recNframes
}

// Process runs one cycle's worth of capture/playback. It
// reads/writes through trackBuf (the caller's per-channel scratch buffer
// for this cycle, from internal/buffers) and never blocks or touches disk.
func (d *Diskstream) Process(transportFrame int64, nframes int, canRecord bool, trackBuf [][]float32) {
	kind, recOffset, recNframes := d.CheckRecordStatus(transportFrame, nframes, canRecord)

	if recNframes > 0 {
		overlapStart := transportFrame + int64(recOffset)
		if overlapStart == d.firstRecordableFrame && !d.capturing {
			d.transition.Push(CaptureToken{CaptureVal: d.firstRecordableFrame})
			if d.IsDestructive() {
				d.captureBoundaries = append(d.captureBoundaries, captureBoundary{
					pushPos: d.capturePushed, start: true, frame: d.firstRecordableFrame,
				})
			}
			d.capturing = true
			d.captureStart = d.firstRecordableFrame
		}
		for ch := 0; ch < d.channels && ch < len(trackBuf); ch++ {
			for i := 0; i < recNframes; i++ {
				d.captureBuf[ch].Push(trackBuf[ch][recOffset+i])
			}
		}
		d.capturePushed += int64(recNframes)
		if overlapStart+int64(recNframes) >= d.lastRecordableFrame && (kind == OverlapEnd || kind == OverlapInternal) {
			d.finishCaptureWindow()
		}
	} else if d.capturing {
		// window closed before this cycle started (no overlap this time)
		d.finishCaptureWindow()
	}

	if recNframes < nframes || !canRecord {
		for ch := 0; ch < d.channels && ch < len(trackBuf); ch++ {
			d.readPlayback(ch, trackBuf[ch], nframes, recOffset, recNframes)
		}
	}
}

func (d *Diskstream) readPlayback(ch int, dst []float32, nframes, recOffset, recNframes int) {
	n := nframes
	start := 0
	if recNframes > 0 {
		// only fill the non-recording portion of the block
		if recOffset == 0 {
			start = recNframes
		} else {
			n = recOffset
		}
	}
	for i := start; i < n; i++ {
		v, ok := d.playbackBuf[ch].Pop()
		if !ok {
			dst[i] = 0
			continue
		}
		dst[i] = v
	}
}

func (d *Diskstream) finishCaptureWindow() {
	if !d.capturing {
		return
	}
	d.captureInfos = append(d.captureInfos, CaptureInfo{
		Start:  d.captureStart,
		Length: d.lastRecordableFrame - d.captureStart,
	})
	if d.IsDestructive() {
		d.captureBoundaries = append(d.captureBoundaries, captureBoundary{pushPos: d.capturePushed, start: false})
	}
	d.capturing = false
}

// Commit reports whether the butler should be woken at the end of the
// cycle: playback buffer below low water, or capture buffer above high
// water. It keeps no sample counters; nframes is not used.
func (d *Diskstream) Commit(nframes int) bool {
	wake := false
	for _, pb := range d.playbackBuf {
		if pb.ReadSpace() < d.playbackLowWater {
			wake = true
		}
	}
	for _, cb := range d.captureBuf {
		if cb.ReadSpace() > d.captureHighWater {
			wake = true
		}
	}
	return wake
}

// SetWaterMarks configures the low/high water thresholds Commit checks.
func (d *Diskstream) SetWaterMarks(playbackLow, captureHigh int) {
	d.playbackLowWater = playbackLow
	d.captureHighWater = captureHigh
}

// SetRecordEnabled toggles this diskstream's record-enable flag, read by
// the session glue's per-cycle record-window computation.
// SetAlignStyleFromIO's guard checks whether a window is capturing, not
// this flag.
func (d *Diskstream) SetRecordEnabled(on bool) { d.recordEnabled = on }
func (d *Diskstream) RecordEnabled() bool      { return d.recordEnabled }

func (d *Diskstream) ID() string       { return d.id }
func (d *Diskstream) Channels() int    { return d.channels }
func (d *Diskstream) FileFrame() int64 { return d.fileFrame }

// Flags returns the diskstream's bitset.
func (d *Diskstream) Flags() Flags { return d.flags }

// SetFlags replaces the diskstream's bitset.
func (d *Diskstream) SetFlags(f Flags) { d.flags = f }

// IsDestructive reports whether this diskstream records in place (punch
// in/out crossfaded against existing material) rather than appending a
// new take per capture pass.
func (d *Diskstream) IsDestructive() bool { return d.flags&FlagDestructive != 0 }

// EnableDestructive sets FlagDestructive and builds one DestructiveSource
// per channel over existing, the pre-recorded material each channel's
// captures will crossfade against. existing[ch] may be nil for a channel
// with no prior material.
func (d *Diskstream) EnableDestructive(curves *xfade.Set, existing [][]float32) {
	d.flags |= FlagDestructive
	d.destructive = make([]*DestructiveSource, d.channels)
	for ch := 0; ch < d.channels; ch++ {
		var prior []float32
		if ch < len(existing) {
			prior = existing[ch]
		}
		d.destructive[ch] = NewDestructiveSource(append([]float32(nil), prior...), curves)
	}
}

// CaptureInfos returns the completed capture passes recorded so far,
// consumed by the butler at stop to build playlist regions.
func (d *Diskstream) CaptureInfos() []CaptureInfo { return d.captureInfos }

// ClearCaptureInfos empties the recorded capture-pass list once the
// butler has turned it into playlist regions.
func (d *Diskstream) ClearCaptureInfos() { d.captureInfos = nil }
