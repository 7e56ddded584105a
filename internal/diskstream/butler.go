package diskstream

import (
	"strconv"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/timeline"
)

// LoopRange names the active loop boundaries do_refill must respect when
// reading ahead into playback_buf.
type LoopRange struct {
	Start int64
	End   int64
}

// Butler performs the non-realtime disk refill/flush passes on behalf of
// every diskstream registered with it: a single background worker woken
// by the engine when Commit reports a buffer crossing its water mark.
type Butler struct {
	diskIOChunkFrames int
	streams           []*Diskstream
}

// NewButler creates a butler that reads/writes disk in chunks of
// diskIOChunkFrames per pass.
func NewButler(diskIOChunkFrames int) *Butler {
	return &Butler{diskIOChunkFrames: diskIOChunkFrames}
}

// Register adds a diskstream to this butler's refill/flush rotation.
func (b *Butler) Register(d *Diskstream) {
	b.streams = append(b.streams, d)
}

// DoRefill reads up to disk_io_chunk_frames per diskstream from its
// playlist into playback_buf, starting at file_frame. Only runs for a
// stream whose playback buffer write space is at least one chunk, or
// whose varispeed exceeds 2x (where the butler must stay ahead).
func (b *Butler) DoRefill(loop *LoopRange, speed float64) error {
	for _, d := range b.streams {
		if err := b.doRefillOne(d, loop, speed); err != nil {
			return err
		}
	}
	return nil
}

func (b *Butler) doRefillOne(d *Diskstream, loop *LoopRange, speed float64) error {
	if d.playlist == nil {
		return nil
	}
	minSpace := d.playbackBuf[0].WriteSpace()
	for _, pb := range d.playbackBuf[1:] {
		if s := pb.WriteSpace(); s < minSpace {
			minSpace = s
		}
	}
	abs := speed
	if abs < 0 {
		abs = -abs
	}
	if minSpace < b.diskIOChunkFrames && abs <= 2.0 {
		return nil
	}

	toRead := b.diskIOChunkFrames
	if loop != nil && loop.End > loop.Start {
		if d.fileFrame >= loop.Start && d.fileFrame < loop.End {
			if d.fileFrame+int64(toRead) > loop.End {
				toRead = int(loop.End - d.fileFrame)
			}
		}
	}
	if toRead <= 0 {
		return nil
	}

	scratch := make([]float32, toRead)
	for ch := 0; ch < d.channels; ch++ {
		n, err := d.playlist.Read(scratch, d.fileFrame, toRead, ch)
		if err != nil {
			return errors.Newf("playlist read failed during refill").
				Component("diskstream").
				Category(errors.CategoryDiskIO).
				Context("diskstream_id", d.id).
				Context("cause", err.Error()).
				Build()
		}
		for i := 0; i < n; i++ {
			d.playbackBuf[ch].Push(scratch[i])
		}
	}
	d.fileFrame += int64(toRead)
	if loop != nil && loop.End > loop.Start && d.fileFrame >= loop.End {
		d.fileFrame = loop.Start + (d.fileFrame - loop.End)
	}
	return nil
}

// DoFlush drains capture_buf in chunks of disk_io_chunk_frames to each
// diskstream's write-source. Returns true if any stream still has
// work pending, meaning the butler should re-run promptly.
func (b *Butler) DoFlush(sources map[string]timeline.Source, force bool) (workPending bool, err error) {
	for _, d := range b.streams {
		src, ok := sources[d.id]
		if !ok {
			continue
		}
		pending, ferr := b.doFlushOne(d, src, force)
		if ferr != nil {
			return false, ferr
		}
		if pending {
			workPending = true
		}
	}
	return workPending, nil
}

func (b *Butler) doFlushOne(d *Diskstream, src timeline.Source, force bool) (bool, error) {
	avail := d.captureBuf[0].ReadSpace()
	for _, cb := range d.captureBuf[1:] {
		if r := cb.ReadSpace(); r < avail {
			avail = r
		}
	}
	if avail == 0 {
		return false, nil
	}

	chunk := b.diskIOChunkFrames
	if force || avail < chunk {
		chunk = avail
	}
	if chunk == 0 {
		return false, nil
	}

	scratch := make([][]float32, d.channels)
	for ch := 0; ch < d.channels; ch++ {
		scratch[ch] = make([]float32, chunk)
		for i := 0; i < chunk; i++ {
			v, ok := d.captureBuf[ch].Pop()
			if !ok {
				continue
			}
			scratch[ch][i] = v
		}
	}

	// A destructive track overdubs in place: the crossfade engine blends
	// the chunk against existing material at capture start/stop
	// boundaries before it ever reaches the write-source, rather than the
	// write-source receiving a new take appended after the fact.
	if d.IsDestructive() {
		d.flushDestructive(scratch, chunk)
	}

	for ch := 0; ch < d.channels; ch++ {
		if _, err := src.Write(scratch[ch], chunk); err != nil {
			return false, errors.Newf("source write failed during flush").
				Component("diskstream").
				Category(errors.CategoryDiskIO).
				Context("diskstream_id", d.id).
				Context("cause", err.Error()).
				Build()
		}
	}
	return avail-chunk > 0, nil
}

// HasCaptureWork reports whether any registered stream holds capture
// state a stop pass must flush and finalize: an open window, completed
// windows awaiting region build, or undrained capture samples.
func (b *Butler) HasCaptureWork() bool {
	for _, d := range b.streams {
		if d.capturing || len(d.captureInfos) > 0 {
			return true
		}
		for _, cb := range d.captureBuf {
			if cb.ReadSpace() > 0 {
				return true
			}
		}
	}
	return false
}

// FinishCapture runs a final forced flush, then builds capture regions
// from every diskstream's recorded CaptureInfo entries and adds them to
// the playlist as a single undo-able edit.
func (b *Butler) FinishCapture(sources map[string]timeline.Source, editor timeline.PlaylistEditor, sourceIDs map[string]timeline.SourceID) error {
	for {
		pending, err := b.DoFlush(sources, true)
		if err != nil {
			return err
		}
		if !pending {
			break
		}
	}

	var regions []timeline.Region
	for _, d := range b.streams {
		d.finishCaptureWindow()
		sourceID := sourceIDs[d.id]
		for i, info := range d.CaptureInfos() {
			regions = append(regions, timeline.Region{
				ID:       timeline.RegionID(d.id + ":capture:" + strconv.Itoa(i)),
				SourceID: sourceID,
				Start:    info.Start,
				Length:   info.Length,
			})
		}
		d.ClearCaptureInfos()
	}
	if len(regions) == 0 {
		return nil
	}
	return editor.AddCaptureRegions(regions)
}
