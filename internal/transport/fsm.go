// Package transport implements the transport finite state machine:
// motion and butler sub-states driven by a single-threaded event
// queue with deferral and bounded reentrancy, cooperating with a Transport
// API for declick/locate/butler side effects.
package transport

import (
	"sync"

	"github.com/ardourgo/transportcore/internal/logging"
)

var log = logging.ForService("transport")

// Motion is the transport's primary motion state.
type Motion int

const (
	Stopped Motion = iota
	Rolling
	DeclickToStop
	DeclickToLocate
	WaitingForLocate
)

func (m Motion) String() string {
	switch m {
	case Stopped:
		return "Stopped"
	case Rolling:
		return "Rolling"
	case DeclickToStop:
		return "DeclickToStop"
	case DeclickToLocate:
		return "DeclickToLocate"
	case WaitingForLocate:
		return "WaitingForLocate"
	default:
		return "Unknown"
	}
}

// ButlerState tracks whether the FSM is waiting on the butler to finish a
// work unit before it may be considered fully settled.
type ButlerState int

const (
	NotWaitingForButler ButlerState = iota
	WaitingForButler
)

// EventType enumerates the transport event kinds.
type EventType int

const (
	ButlerDone EventType = iota
	ButlerRequired
	DeclickDone
	StartTransport
	StopTransport
	Locate
	LocateDone
	SetSpeed
)

// Event is a pool-allocated transport FSM input, distinct from
// sessionevent.Event.
type Event struct {
	Type EventType

	WithRoll  bool
	WithFlush bool
	WithLoop  bool
	Force     bool
	Abort     bool
	ClearState bool

	Target int64
	Speed  float64
}

// API is the set of side effects the FSM drives but does not itself
// implement. All methods must be
// safe to call from the audio thread and must not block.
type API interface {
	StartPlayback()
	StopPlayback(abort, clearState bool)
	BeginDeclick()
	StartLocate(target int64, withLoop bool)
	InterruptLocate(target int64, force bool)
	ScheduleButlerForTransportWork()
	SetSpeed(speed float64)
}

// savedLocate captures the in-flight locate request so a subsequent Locate
// before LocateDone can coalesce or override it.
type savedLocate struct {
	target    int64
	withRoll  bool
	withFlush bool
	withLoop  bool
	force     bool
	fromSpeed float64 // speed in effect when the locate was requested
}

// FSM is the single-threaded transport state machine. All public methods
// must be called from the audio thread.
type FSM struct {
	api API

	motion Motion
	butler ButlerState

	locate *savedLocate
	wasRollingBeforeLocate bool
	stopAbort              bool
	stopClear              bool
	currentSpeed           float64

	// reentrancy guard: enqueue() calls made from within a transition
	// handler are appended to queuedEvents instead of recursing, and are
	// drained at the end of the current Step.
	processing   int
	queuedEvents []*Event

	deferredEvents []*Event

	mu sync.Mutex
}

// New creates an FSM in the initial Stopped/NotWaitingForButler state.
func New(api API) *FSM {
	return &FSM{api: api, motion: Stopped, butler: NotWaitingForButler}
}

// State returns both sub-states under the FSM's lock, safe to call from
// non-audio threads that only need a consistent snapshot.
func (f *FSM) State() (Motion, ButlerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.motion, f.butler
}

func (f *FSM) Motion() Motion           { return f.motion }
func (f *FSM) ButlerState() ButlerState { return f.butler }
func (f *FSM) Rolling() bool            { return f.motion == Rolling }
func (f *FSM) Stopped() bool            { return f.motion == Stopped }
func (f *FSM) Locating() bool {
	return f.motion == DeclickToLocate || f.motion == WaitingForLocate
}

// Enqueue submits ev for processing. If called while already inside a
// Step (i.e. from within a transition handler), ev is appended to
// queuedEvents and processed at the end of the current Step rather than
// recursively. This bounds reentrancy to one level.
func (f *FSM) Enqueue(ev *Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.processing > 0 {
		f.queuedEvents = append(f.queuedEvents, ev)
		return
	}
	f.stepLocked(ev)
	f.drainQueuedLocked()
}

func (f *FSM) drainQueuedLocked() {
	for len(f.queuedEvents) > 0 {
		next := f.queuedEvents[0]
		f.queuedEvents = f.queuedEvents[1:]
		f.stepLocked(next)
	}
}

// stepLocked runs one transition and, only if it actually changed state
// (rather than deferring), retries any previously deferred events — a
// state change may have made them handleable. Retrying after an event that
// was itself deferred would just re-defer it forever.
func (f *FSM) stepLocked(ev *Event) {
	f.processing++
	handled := f.handle(ev)
	f.processing--

	if f.processing == 0 && handled {
		f.retryDeferredLocked()
	}
}

func (f *FSM) retryDeferredLocked() {
	if len(f.deferredEvents) == 0 {
		return
	}
	pending := f.deferredEvents
	f.deferredEvents = nil
	for _, ev := range pending {
		f.stepLocked(ev)
	}
}

func (f *FSM) defer_(ev *Event) {
	f.deferredEvents = append(f.deferredEvents, ev)
}

// handle dispatches ev through the transition table. It returns false
// when ev was deferred rather than acted on.
func (f *FSM) handle(ev *Event) bool {
	switch ev.Type {
	case ButlerDone:
		f.butler = NotWaitingForButler
		return true
	case ButlerRequired:
		f.butler = WaitingForButler
		return true
	}

	switch f.motion {
	case Stopped:
		return f.handleStopped(ev)
	case Rolling:
		return f.handleRolling(ev)
	case DeclickToStop:
		return f.handleDeclickToStop(ev)
	case DeclickToLocate:
		return f.handleDeclickToLocate(ev)
	case WaitingForLocate:
		return f.handleWaitingForLocate(ev)
	}
	return false
}

func (f *FSM) handleStopped(ev *Event) bool {
	switch ev.Type {
	case StartTransport:
		f.motion = Rolling
		f.butler = WaitingForButler
		if f.currentSpeed == 0 {
			f.currentSpeed = 1.0
		}
		f.api.StartPlayback()
		f.api.ScheduleButlerForTransportWork()
	case Locate:
		// Stopped: start_locate immediately, no declick.
		f.wasRollingBeforeLocate = false
		f.locate = &savedLocate{target: ev.Target, withRoll: ev.WithRoll, withFlush: ev.WithFlush, withLoop: ev.WithLoop, force: ev.Force}
		f.motion = WaitingForLocate
		f.butler = WaitingForButler
		f.api.StartLocate(ev.Target, ev.WithLoop)
	case SetSpeed:
		f.api.SetSpeed(ev.Speed)
	case StopTransport:
		// already stopped; no-op, but still "handled" (nothing to defer).
	default:
		f.defer_(ev)
		return false
	}
	return true
}

func (f *FSM) handleRolling(ev *Event) bool {
	switch ev.Type {
	case StopTransport:
		f.stopAbort = ev.Abort
		f.stopClear = ev.ClearState
		f.motion = DeclickToStop
		f.api.BeginDeclick()
	case Locate:
		f.wasRollingBeforeLocate = true
		f.locate = &savedLocate{target: ev.Target, withRoll: ev.WithRoll, withFlush: ev.WithFlush, withLoop: ev.WithLoop, force: ev.Force}
		f.motion = DeclickToLocate
		f.api.BeginDeclick()
	case SetSpeed:
		if crossesZero(f.currentSpeed, ev.Speed) {
			f.motion = DeclickToStop
			f.api.BeginDeclick()
		} else {
			f.currentSpeed = ev.Speed
			f.api.SetSpeed(ev.Speed)
		}
	case StartTransport:
		// already rolling; no-op
	default:
		f.defer_(ev)
		return false
	}
	return true
}

func (f *FSM) handleDeclickToStop(ev *Event) bool {
	switch ev.Type {
	case DeclickDone:
		f.api.StopPlayback(f.stopAbort, f.stopClear)
		f.motion = Stopped
		f.butler = WaitingForButler
		f.api.ScheduleButlerForTransportWork()
		return true
	default:
		// A stop in progress cannot be cancelled mid-declick; any
		// other request is deferred until the declick completes.
		f.defer_(ev)
		return false
	}
}

func (f *FSM) handleDeclickToLocate(ev *Event) bool {
	switch ev.Type {
	case DeclickDone:
		saved := f.locate
		f.motion = WaitingForLocate
		f.butler = WaitingForButler
		f.api.StartLocate(saved.target, saved.withLoop)
		return true
	case Locate:
		// interrupt_locate: replace the saved target, honoring force.
		f.interruptLocate(ev)
		return true
	default:
		f.defer_(ev)
		return false
	}
}

func (f *FSM) handleWaitingForLocate(ev *Event) bool {
	switch ev.Type {
	case LocateDone:
		saved := f.locate
		roll := saved != nil && shouldRollAfterLocate(saved, f.wasRollingBeforeLocate)
		f.locate = nil
		if roll {
			f.motion = Rolling
			f.api.StartPlayback()
		} else {
			f.motion = Stopped
		}
		// butler state is left as-is: ButlerDone arrives independently.
		return true
	case Locate:
		f.interruptLocate(ev)
		return true
	default:
		f.defer_(ev)
		return false
	}
}

// interruptLocate handles a locate arriving while another is already in
// flight: a second locate before LocateDone
// replaces the saved target unless the in-flight one carries Force and the
// new one does not.
func (f *FSM) interruptLocate(ev *Event) {
	if f.locate != nil && f.locate.force && !ev.Force {
		return
	}
	// Coalesce identical targets with no flush/force while waiting.
	if f.locate != nil && f.motion == WaitingForLocate &&
		f.locate.target == ev.Target && !ev.WithFlush && !ev.Force {
		return
	}
	f.locate = &savedLocate{target: ev.Target, withRoll: ev.WithRoll, withFlush: ev.WithFlush, withLoop: ev.WithLoop, force: ev.Force}
	f.api.InterruptLocate(ev.Target, ev.Force)
	if f.motion == WaitingForLocate {
		// A fresh waiting-for-locate starts the new target directly,
		// since declick already happened the first time through.
		f.butler = WaitingForButler
		f.api.StartLocate(ev.Target, ev.WithLoop)
	}
}

// shouldRollAfterLocate implements the roll guard:
// should_roll_after_locate = saved.with_roll || (was_rolling && !saved.force_stop)
func shouldRollAfterLocate(saved *savedLocate, wasRolling bool) bool {
	return saved.withRoll || (wasRolling && !saved.force)
}

// crossesZero reports whether moving from currentSpeed to newSpeed passes
// through (or lands on) zero — a direction reversal or a stop request.
// Such a change routes through a declick-to-stop; once the declick
// completes the transport is Stopped, and the FSM neither applies the
// requested speed nor restarts.
func crossesZero(currentSpeed, newSpeed float64) bool {
	if newSpeed == 0 {
		return true
	}
	return (currentSpeed >= 0) != (newSpeed >= 0)
}
