package session

import (
	"time"

	"github.com/ardourgo/transportcore/internal/diskstream"
	"github.com/ardourgo/transportcore/internal/events"
	"github.com/ardourgo/transportcore/internal/transport"
)

// The Session is the FSM's side-effect surface. Every method here runs on
// the audio thread (or, for locate completion, the butler) and must not
// block or touch disk directly.

// StartPlayback begins rolling: the next cycle fades in from silence and
// the record window opens for armed tracks.
func (s *Session) StartPlayback() {
	s.declickFadeIn = true
	s.declickRemaining = s.cfg.DeclickFrames
	s.openRecordWindow(s.transportFrame.Load())
	s.publishState("Rolling")
}

// StopPlayback ends motion. abort discards the in-flight capture instead
// of finalizing it; clearState additionally drops queued timed events.
func (s *Session) StopPlayback(abort, clearState bool) {
	s.closeRecordWindow(s.transportFrame.Load())
	if abort {
		s.mu.Lock()
		for _, t := range s.tracks {
			t.Stream.ClearCaptureInfos()
		}
		s.mu.Unlock()
	}
	if clearState {
		s.scheduler.PopDue(int64(1) << 62)
	}
	s.publishState("Stopped")
}

// BeginDeclick arms the fade-out counter; Process counts it down and
// delivers DeclickDone to the FSM when it crosses zero.
func (s *Session) BeginDeclick() {
	s.declickFadeIn = false
	s.declickRemaining = s.cfg.DeclickFrames
}

// StartLocate hands the seek to the butler. The FSM is already in
// WaitingForLocate; the butler answers with LocateDone.
func (s *Session) StartLocate(target int64, withLoop bool) {
	s.pendingLoc.Store(&pendingLocate{target: target, withLoop: withLoop})
	s.wakeButler()
}

// InterruptLocate replaces the in-flight locate target. The butler reads
// the pointer fresh on each pass, so the last stored target wins.
func (s *Session) InterruptLocate(target int64, force bool) {
	s.pendingLoc.Store(&pendingLocate{target: target})
}

// ScheduleButlerForTransportWork marks a transport-level work unit
// (post-stop flush and capture finalization) and wakes the butler.
func (s *Session) ScheduleButlerForTransportWork() {
	s.transportWk.Store(true)
	s.wakeButler()
}

// SetSpeed applies a non-zero-crossing speed change in place.
func (s *Session) SetSpeed(speed float64) {
	s.speedBits.Store(floatBits(speed))
	s.mu.Lock()
	for _, t := range s.tracks {
		t.Stream.RealtimeSetSpeed(s.cfg.BlockSize, speed)
	}
	s.mu.Unlock()
}

func (s *Session) publishState(state string) {
	s.metrics.SetTransportState(state)
	if !s.notifier.TryPublish(events.TransportEvent{
		Kind:     events.TransportStateChanged,
		When:     time.Now(),
		State:    state,
		Position: s.transportFrame.Load(),
	}) {
		s.metrics.RecordNotifierDrop()
	}
}

// openRecordWindow computes and installs each armed track's recordable
// window starting at the given transport position.
func (s *Session) openRecordWindow(startFrame int64) {
	if !s.recordEnabled.Load() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if !t.Stream.RecordEnabled() {
			continue
		}
		first := diskstream.FirstRecordableFrame(
			startFrame,
			t.Stream.AlignStyle(),
			t.Stream.CaptureOffset(),
			t.Stream.WorstOutputLatency(),
			t.Stream.RollDelay(),
		)
		t.Stream.SetRecordWindow(first, int64(1)<<62, true)
	}
	s.recordWindowOpen = true
}

// closeRecordWindow truncates every open window at endFrame.
func (s *Session) closeRecordWindow(endFrame int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tracks {
		if t.Stream.RecordEnabled() {
			t.Stream.TruncateRecordWindow(endFrame)
		}
	}
	s.recordWindowOpen = false
}

func (s *Session) wakeButler() {
	select {
	case s.butlerWake <- struct{}{}:
	default:
	}
}

var _ transport.API = (*Session)(nil)
