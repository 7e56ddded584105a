package sessionevent

import (
	"sort"
	"sync/atomic"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/logging"
	"github.com/ardourgo/transportcore/internal/ring"
)

var log = logging.ForService("sessionevent")

// Dispatcher is the tail-call target of Scheduler.ProcessEvent: whichever
// component (transport FSM, diskstream, control surface) actually performs the
// event's side effect. Implementations must not block or allocate when
// called from the audio thread.
type Dispatcher interface {
	Dispatch(ev *Event) error
}

// Scheduler owns two in-order lists (timed and immediate) plus the
// lock-free inbound ring used by non-RT producers, and dedicated singleton
// slots for O(1) replace/remove of AutoLoop/PunchIn/PunchOut.
type Scheduler struct {
	events          []*Event // sorted by ActionSample, runs at/after position
	immediateEvents []*Event // runs at next cycle boundary, ActionSample == Immediate

	pending *ring.Pointer[*Event]

	singleton map[Type]*Event

	nextEvent *Event

	seq atomic.Uint64
}

// NewScheduler creates a scheduler whose inbound ring has pendingCapacity
// slots rounded up to a power of two. One slot always stays free, so the
// ring holds one event fewer than that before QueueEvent starts failing.
func NewScheduler(pendingCapacity int) *Scheduler {
	return &Scheduler{
		pending:   ring.NewPointer[*Event](pendingCapacity),
		singleton: make(map[Type]*Event),
	}
}

// QueueEvent is the non-blocking enqueue entry point for any thread. It
// stamps an insertion sequence (for stable tie-break ordering) and pushes
// onto the inbound ring. Returns an exhaustion error if the ring is full;
// callers must treat this as non-fatal.
func (s *Scheduler) QueueEvent(ev *Event) error {
	ev.sequence = s.seq.Add(1)
	if !s.pending.Push(ev) {
		log.Warn("session event ring full, dropping event", "type", ev.Type.String())
		return errors.Newf("session event ring full").
			Component("sessionevent").
			Category(errors.CategoryExhaustion).
			Context("event_type", ev.Type.String()).
			Build()
	}
	return nil
}

// DrainPending merges every event currently sitting on the inbound ring.
// Must be called once per audio cycle from the audio thread, before
// ProcessDue.
func (s *Scheduler) DrainPending() {
	for {
		ev, ok := s.pending.Pop()
		if !ok {
			return
		}
		s.mergeEvent(ev)
	}
}

// mergeEvent dispatches a drained event by its Action field.
func (s *Scheduler) mergeEvent(ev *Event) {
	switch ev.Action {
	case Add:
		if ev.Type.isSingleton() {
			s.replaceSingleton(ev)
			return
		}
		s.insertSorted(ev)
	case Replace:
		s.replaceSingleton(ev)
	case Remove:
		s.remove(ev.Type, ev.ActionSample, ev.MatchSample)
	case Clear:
		s.clear(ev.Type)
	}
}

// insertSorted inserts ev into events (or immediateEvents, if it carries
// the Immediate sentinel) preserving ActionSample order with stable
// tie-break by insertion sequence.
func (s *Scheduler) insertSorted(ev *Event) {
	if ev.ActionSample == Immediate {
		s.immediateEvents = append(s.immediateEvents, ev)
		return
	}
	idx := sort.Search(len(s.events), func(i int) bool {
		return !Compare(s.events[i], ev)
	})
	s.events = append(s.events, nil)
	copy(s.events[idx+1:], s.events[idx:])
	s.events[idx] = ev
}

// replaceSingleton removes any existing queued instance of ev.Type (from
// the singleton slot, the timed list and the immediate list) and installs
// ev as the new singleton, preserving the at-most-one invariant.
func (s *Scheduler) replaceSingleton(ev *Event) {
	s.clear(ev.Type)
	s.singleton[ev.Type] = ev
	if ev.ActionSample == Immediate {
		s.immediateEvents = append(s.immediateEvents, ev)
		return
	}
	s.insertSorted(ev)
}

// remove deletes matching events of the given type, optionally filtered to
// a specific ActionSample.
func (s *Scheduler) remove(t Type, actionSample int64, matchSample bool) {
	if existing, ok := s.singleton[t]; ok {
		if !matchSample || existing.ActionSample == actionSample {
			delete(s.singleton, t)
		}
	}
	s.removeFromList(t, actionSample, matchSample)
}

func (s *Scheduler) removeFromList(t Type, actionSample int64, matchSample bool) {
	filtered := s.events[:0]
	for _, ev := range s.events {
		if ev.Type == t && (!matchSample || ev.ActionSample == actionSample) {
			continue
		}
		filtered = append(filtered, ev)
	}
	s.events = filtered
}

// clear removes every queued event of type t, from both lists and the
// singleton slot.
func (s *Scheduler) clear(t Type) {
	delete(s.singleton, t)
	s.removeFromList(t, 0, false)
	filteredImm := s.immediateEvents[:0]
	for _, ev := range s.immediateEvents {
		if ev.Type != t {
			filteredImm = append(filteredImm, ev)
		}
	}
	s.immediateEvents = filteredImm
}

// SetNextEvent recomputes the cursor to the smallest ActionSample >=
// currentPosition. Events list is kept sorted, so this is a linear scan
// from the front (bounded by how far the cursor has to move per cycle in
// practice).
func (s *Scheduler) SetNextEvent(currentPosition int64) {
	for _, ev := range s.events {
		if ev.ActionSample >= currentPosition {
			s.nextEvent = ev
			return
		}
	}
	s.nextEvent = nil
}

// NextEvent returns the current cursor, or nil if no event is pending at
// or after the last position passed to SetNextEvent.
func (s *Scheduler) NextEvent() *Event {
	return s.nextEvent
}

// Events exposes the sorted pending list read-only, for invariant checks
// and tests. Callers must not mutate the returned slice.
func (s *Scheduler) Events() []*Event {
	return s.events
}

// PopDue removes and returns every event due at or before currentPosition,
// in ascending-ActionSample / stable-insertion order: immediate events
// first (they always run before any timed event of the same cycle),
// then timed events up to and including currentPosition.
func (s *Scheduler) PopDue(currentPosition int64) []*Event {
	due := append([]*Event(nil), s.immediateEvents...)
	s.immediateEvents = s.immediateEvents[:0]

	i := 0
	for i < len(s.events) && s.events[i].ActionSample <= currentPosition {
		i++
	}
	due = append(due, s.events[:i]...)
	s.events = s.events[i:]

	for _, ev := range due {
		if existing, ok := s.singleton[ev.Type]; ok && existing == ev {
			delete(s.singleton, ev.Type)
		}
	}
	return due
}

// ProcessEvent tail-calls into d for the given event's side effect. A
// dispatch error is logged, not propagated further: a
// failing event's side effect must not unwind the scheduler.
func (s *Scheduler) ProcessEvent(d Dispatcher, ev *Event) {
	if err := d.Dispatch(ev); err != nil {
		log.Error("session event dispatch failed", "type", ev.Type.String(), "error", err)
	}
}

// SingletonCount returns how many of AutoLoop/PunchIn/PunchOut are
// currently queued, for invariant tests.
func (s *Scheduler) SingletonCount(t Type) int {
	if _, ok := s.singleton[t]; ok {
		return 1
	}
	return 0
}
