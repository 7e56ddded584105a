package session

import (
	"time"

	"github.com/ardourgo/transportcore/internal/events"
	"github.com/ardourgo/transportcore/internal/mixer"
	"github.com/ardourgo/transportcore/internal/routing"
	"github.com/ardourgo/transportcore/internal/transport"
)

// Process runs one audio cycle. The backend calls it once per callback
// with the cycle's frame count; everything here stays on the calling
// thread and never blocks.
func (s *Session) Process(nframes int) {
	started := time.Now()

	s.pollSyncMaster(nframes)

	// Inbound control requests become merged events, then everything due
	// this cycle dispatches in order: immediates first, then timed.
	s.scheduler.DrainPending()
	frame := s.transportFrame.Load()
	for _, ev := range s.scheduler.PopDue(frame + int64(nframes) - 1) {
		s.scheduler.ProcessEvent(s, ev)
	}

	s.runDeclick(nframes)
	motion := s.fsm.Motion()

	if motion == transport.Rolling || motion == transport.DeclickToStop || motion == transport.DeclickToLocate {
		s.processRoutes(nframes)
		s.advanceTransport(nframes)
	}

	s.scheduler.SetNextEvent(s.transportFrame.Load())
	s.metrics.RecordCycle(time.Since(started).Seconds())
}

// pollSyncMaster queries the active master once per cycle. An unusable
// master drops the engine back onto its internal clock with a sync-loss
// notification; recovery is silent.
func (s *Session) pollSyncMaster(nframes int) {
	s.internalClock.Advance(int64(nframes))

	slot := s.master.Load()
	if slot == nil || slot.m == s.internalClock {
		return
	}
	m := slot.m
	if !m.OK() || (!m.Locked() && !m.Starting()) {
		if s.syncHealthy {
			s.syncHealthy = false
			s.metrics.RecordSyncLoss()
			log.Warn("transport master unusable, falling back to internal clock")
			if !s.notifier.TryPublish(events.TransportEvent{
				Kind:     events.SyncLost,
				When:     time.Now(),
				Position: s.transportFrame.Load(),
			}) {
				s.metrics.RecordNotifierDrop()
			}
		}
		return
	}
	if speed, _, valid := m.SpeedAndPosition(); valid {
		s.syncHealthy = true
		if cur := s.Speed(); cur != speed && s.fsm.Rolling() {
			s.fsm.Enqueue(&transport.Event{Type: transport.SetSpeed, Speed: speed})
		}
	}
}

// runDeclick counts the fade window down and tells the FSM when it has
// fully elapsed.
func (s *Session) runDeclick(nframes int) {
	motion := s.fsm.Motion()
	if motion != transport.DeclickToStop && motion != transport.DeclickToLocate {
		return
	}
	s.declickRemaining -= nframes
	if s.declickRemaining <= 0 {
		s.declickRemaining = 0
		s.fsm.Enqueue(&transport.Event{Type: transport.DeclickDone})
	}
}

// processRoutes runs every route in topological order: fill input,
// diskstream capture/playback, gain, declick ramp, meters, output tap.
func (s *Session) processRoutes(nframes int) {
	set, err := s.bufMgr.Checkout("audio")
	if err != nil {
		log.Error("audio buffer checkout failed", "error", err)
		s.metrics.RecordXrun()
		return
	}
	defer s.bufMgr.Release("audio")

	order := s.order.Load().([]routing.RouteID)
	canRecord := s.canRecordNow()
	frame := s.transportFrame.Load()
	rampStart, rampEnd, ramp := s.declickRampBounds(nframes)
	wake := false

	for _, id := range order {
		t := s.lookupTrack(id)
		if t == nil {
			continue
		}
		trackBuf := make([][]float32, 0, t.Stream.Channels())
		for ch := 0; ch < t.Stream.Channels() && ch < set.Channels(); ch++ {
			buf := set.Audio(ch)[:nframes]
			mixer.Silence(buf)
			if s.input != nil {
				s.input(t.ID, ch, buf)
			}
			trackBuf = append(trackBuf, buf)
		}

		t.Stream.Process(frame, nframes, canRecord, trackBuf)

		for ch, buf := range trackBuf {
			mixer.ApplyGain(buf, t.Gain)
			if ramp {
				mixer.DeclickGain(buf, rampStart, rampEnd)
			}
			peak, rms := mixer.PeakAndRMS(buf)
			t.PeakMeter, t.RMSMeter = peak, rms
			if s.output != nil {
				s.output(t.ID, ch, buf)
			}
		}

		if t.Stream.Commit(nframes) {
			wake = true
		}
	}

	if wake {
		s.fsm.Enqueue(&transport.Event{Type: transport.ButlerRequired})
		s.wakeButler()
	}
}

// declickRampBounds computes this cycle's fade gains once, shared by
// every route buffer. Fade-out progress is driven by runDeclick's counter
// (which also signals DeclickDone); fade-in keeps its own countdown here.
func (s *Session) declickRampBounds(nframes int) (startGain, endGain float32, active bool) {
	total := s.cfg.DeclickFrames
	if total <= 0 {
		s.declickFadeIn = false
		return 0, 0, false
	}
	motion := s.fsm.Motion()
	if motion == transport.DeclickToStop || motion == transport.DeclickToLocate {
		// runDeclick already decremented for this cycle.
		remaining := s.declickRemaining
		donePrev := float32(total-remaining-nframes) / float32(total)
		doneNow := float32(total-remaining) / float32(total)
		return clamp01(1 - donePrev), clamp01(1 - doneNow), true
	}
	if s.declickFadeIn {
		done := float32(total-s.declickRemaining) / float32(total)
		end := done + float32(nframes)/float32(total)
		if end >= 1 {
			end = 1
			s.declickFadeIn = false
			s.declickRemaining = 0
		} else {
			s.declickRemaining -= nframes
		}
		return clamp01(done), end, true
	}
	return 0, 0, false
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// advanceTransport moves the playhead by the cycle's stride, handling an
// active loop wrap seamlessly when the playback rings already hold the
// post-wrap content.
func (s *Session) advanceTransport(nframes int) {
	speed := s.Speed()
	stride := int64(float64(nframes) * speed)
	pos := s.transportFrame.Load() + stride

	if loop := s.loop.Load(); loop != nil && speed > 0 && pos >= loop.End {
		overshoot := pos - loop.End
		pos = loop.Start + overshoot
		// The butler wraps file_frame at loop_end during refill, so the
		// ring is already continuous across the boundary. No wake needed.
	}
	s.transportFrame.Store(pos)

	if s.playRangeOn && pos >= s.playRangeEnd {
		s.playRangeOn = false
		s.fsm.Enqueue(&transport.Event{Type: transport.StopTransport})
	}
}

func (s *Session) canRecordNow() bool {
	if !s.recordEnabled.Load() {
		return false
	}
	if s.diskMon != nil && !s.diskMon.CaptureAllowed() {
		return false
	}
	return true
}

func (s *Session) lookupTrack(id routing.RouteID) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[id]
}
