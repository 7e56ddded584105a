// Package syncsource models the transport master / sync source contract
// as a narrow consumer-facing interface (no
// cross-machine sync wire protocol implementation here — only the query
// surface the transport FSM and session glue read once per cycle).
package syncsource

// Master is queried once per engine cycle by the session glue to decide
// whether to follow external timecode or fall back to the internal clock
// when sync is lost.
type Master interface {
	// SpeedAndPosition returns the master's reported speed and sample
	// position. valid is false if the master's signal is not currently
	// usable (dropout, not yet locked).
	SpeedAndPosition() (speed float64, position int64, valid bool)

	// Locked reports whether the master has achieved a stable lock.
	Locked() bool

	// OK reports whether the master is currently providing usable sync.
	OK() bool

	// Starting reports whether the master is in the process of locking.
	Starting() bool
}

// Internal is the always-available fallback master: the engine's own
// sample clock, advancing at exactly 1.0x.
type Internal struct {
	position int64
}

// NewInternal creates an internal clock master starting at position 0.
func NewInternal() *Internal { return &Internal{} }

// Advance moves the internal clock forward by nframes, called once per
// engine cycle.
func (i *Internal) Advance(nframes int64) { i.position += nframes }

// SpeedAndPosition implements Master: always 1.0x, always valid.
func (i *Internal) SpeedAndPosition() (float64, int64, bool) { return 1.0, i.position, true }

func (i *Internal) Locked() bool   { return true }
func (i *Internal) OK() bool       { return true }
func (i *Internal) Starting() bool { return false }

// Position returns the internal clock's current sample position.
func (i *Internal) Position() int64 { return i.position }
