package diskstream

import (
	"github.com/ardourgo/transportcore/internal/errors"
)

// AlignStyle determines how a diskstream's first/last recordable frame
// relate to transport position, capture offset, output latency, and roll
// delay.
type AlignStyle int

const (
	// ExistingMaterial aligns newly captured data with material already on
	// disk: used when the diskstream's input is a physical port, where the
	// capture offset must exactly compensate input latency.
	ExistingMaterial AlignStyle = iota
	// CaptureTime aligns captured data to the transport position at the
	// instant of capture, with no existing-material compensation.
	CaptureTime
)

func (a AlignStyle) String() string {
	if a == ExistingMaterial {
		return "ExistingMaterial"
	}
	return "CaptureTime"
}

// SetAlignStyleFromIO derives AlignStyle from whether the diskstream's
// input is connected to a physical port: physical ⇒ ExistingMaterial,
// virtual ⇒ CaptureTime. Refuses to change while actively recording,
// since switching alignment mid-capture would shift in-flight frame math.
func (d *Diskstream) SetAlignStyleFromIO(connectedToPhysical bool) error {
	if d.capturing {
		return errors.Newf("cannot change align style while recording").
			Component("diskstream").
			Category(errors.CategoryInvariant).
			Context("diskstream_id", d.id).
			Build()
	}
	if connectedToPhysical {
		d.alignStyle = ExistingMaterial
	} else {
		d.alignStyle = CaptureTime
	}
	return nil
}

// AlignStyle returns the diskstream's current alignment style.
func (d *Diskstream) AlignStyle() AlignStyle { return d.alignStyle }

// FirstRecordableFrame computes where capture may begin for a transport
// roll starting at transportStart. ExistingMaterial compensates the full
// input-to-output path so new material lines up with what is already on
// disk; CaptureTime only honors the configured roll delay.
func FirstRecordableFrame(transportStart int64, style AlignStyle, captureOffset, worstOutputLatency, rollDelay int64) int64 {
	if style == ExistingMaterial {
		return transportStart + captureOffset + worstOutputLatency
	}
	return transportStart + rollDelay
}

// SetLatencies installs the alignment inputs used when a record window
// opens.
func (d *Diskstream) SetLatencies(captureOffset, worstOutputLatency, rollDelay int64) {
	d.captureOffset = captureOffset
	d.worstOutputLatency = worstOutputLatency
	d.rollDelay = rollDelay
}

// CaptureOffset returns the input-latency compensation in frames.
func (d *Diskstream) CaptureOffset() int64 { return d.captureOffset }

// WorstOutputLatency returns the largest downstream latency in frames.
func (d *Diskstream) WorstOutputLatency() int64 { return d.worstOutputLatency }

// RollDelay returns the configured pre-roll in frames.
func (d *Diskstream) RollDelay() int64 { return d.rollDelay }

// TruncateRecordWindow clips an open record window so it ends no later
// than endFrame. A window that never started is left untouched.
func (d *Diskstream) TruncateRecordWindow(endFrame int64) {
	if !d.haveRecordWindow {
		return
	}
	if endFrame < d.lastRecordableFrame {
		d.lastRecordableFrame = endFrame
	}
}
