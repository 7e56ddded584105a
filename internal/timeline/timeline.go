// Package timeline models the region/playlist surface as small
// consumer-facing interfaces only (no region/source
// persistence, no project file format). Diskstream and the butler consume
// these; nothing in this module implements a concrete playlist.
package timeline

import "time"

// SourceID and RegionID are opaque handles into a session's indexed
// store (owning pointers replaced with indexed stores plus
// weak back-references, mediated by use-counts rather than pointer chains).
type SourceID string
type RegionID string

// Playlist is read by the diskstream process step and the butler's
// do_refill pass. Read must never block.
type Playlist interface {
	// Read fills buffer with up to count frames starting at start on the
	// given channel, returning the number of frames actually produced
	// (which may be less than count at region boundaries or silence gaps).
	Read(buffer []float32, start int64, count int, channel int) (framesRead int, err error)
}

// Source is written by the butler's do_flush pass during capture.
type Source interface {
	// Write appends count frames from buffer, returning the number
	// actually written (a short write signals an I/O failure).
	Write(buffer []float32, count int) (framesWritten int, err error)

	// UpdateHeader rewrites the source's header to record the capture
	// origin timestamp, called once at capture stop.
	UpdateHeader(position int64, when time.Time) error

	// MarkStreamingWriteCompleted finalizes the source after the last
	// do_flush of a capture pass.
	MarkStreamingWriteCompleted() error
}

// Region describes one finalized capture pass, added to a playlist as a
// single undo-able edit at stop.
type Region struct {
	ID       RegionID
	SourceID SourceID
	Start    int64
	Length   int64
}

// PlaylistEditor receives finalized capture regions. A concrete session
// implements this; diskstream only calls it.
type PlaylistEditor interface {
	AddCaptureRegions(regions []Region) error
}
