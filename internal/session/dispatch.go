package session

import (
	"github.com/ardourgo/transportcore/internal/diskstream"
	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/sessionevent"
	"github.com/ardourgo/transportcore/internal/transport"
)

// Dispatch tail-calls a due session event into the FSM or session API.
// Runs on the audio thread during Process.
func (s *Session) Dispatch(ev *sessionevent.Event) error {
	switch ev.Type {
	case sessionevent.SetTransportSpeed:
		s.dispatchSpeed(ev.Speed)

	case sessionevent.Locate:
		s.fsm.Enqueue(&transport.Event{Type: transport.Locate, Target: ev.TargetSample})

	case sessionevent.LocateRoll:
		s.fsm.Enqueue(&transport.Event{Type: transport.Locate, Target: ev.TargetSample, WithRoll: true})

	case sessionevent.StartRoll:
		s.fsm.Enqueue(&transport.Event{Type: transport.StartTransport})

	case sessionevent.EndRoll:
		s.fsm.Enqueue(&transport.Event{Type: transport.StopTransport, Abort: ev.BoolParam})

	case sessionevent.SetLoop:
		if ev.TargetSample < ev.ActionSample {
			s.loop.Store(&diskstream.LoopRange{Start: ev.TargetSample, End: ev.ActionSample})
		} else {
			s.loop.Store(nil)
		}

	case sessionevent.AutoLoop:
		// Due at the loop end: wrap the playhead and re-arm the singleton
		// for the next pass. The butler's refill already wrapped
		// file_frame, so the rings are continuous across the boundary.
		s.loop.Store(&diskstream.LoopRange{Start: ev.TargetSample, End: ev.ActionSample})
		if s.fsm.Rolling() {
			s.transportFrame.Store(ev.TargetSample)
		}
		return s.scheduler.QueueEvent(&sessionevent.Event{
			Type:         sessionevent.AutoLoop,
			Action:       sessionevent.Add,
			ActionSample: ev.ActionSample,
			TargetSample: ev.TargetSample,
		})

	case sessionevent.PunchIn:
		s.openRecordWindow(ev.ActionSample)

	case sessionevent.PunchOut:
		s.closeRecordWindow(ev.ActionSample)

	case sessionevent.RangeStop:
		s.fsm.Enqueue(&transport.Event{Type: transport.StopTransport})

	case sessionevent.RangeLocate:
		s.fsm.Enqueue(&transport.Event{Type: transport.Locate, Target: ev.TargetSample, WithRoll: true})

	case sessionevent.SetPlayAudioRange:
		s.playRangeOn = true
		s.playRangeEnd = ev.RangeEnd
		s.fsm.Enqueue(&transport.Event{Type: transport.Locate, Target: ev.RangeStart, WithRoll: true})

	case sessionevent.CancelPlayAudioRange:
		s.playRangeOn = false

	case sessionevent.Overwrite:
		// A playlist edit invalidated buffered playback: flush the rings
		// and let the butler re-read from the current position.
		s.StartLocate(s.transportFrame.Load(), false)
		s.fsm.Enqueue(&transport.Event{Type: transport.ButlerRequired})

	case sessionevent.AdjustPlaybackBuffering, sessionevent.AdjustCaptureBuffering:
		// Buffer geometry changes happen off the audio thread.
		s.wakeButler()

	case sessionevent.SetTransportMaster:
		// The concrete master is installed via SetTransportMaster; the
		// event only exists so the change lands between cycles. Nothing
		// further here.

	case sessionevent.TransportStateChange:
		s.publishState(s.fsm.Motion().String())

	case sessionevent.RealTimeOperation:
		if ev.RTOperation != nil {
			ev.RTOperation()
		}

	case sessionevent.Audition, sessionevent.Skip:
		s.fsm.Enqueue(&transport.Event{Type: transport.Locate, Target: ev.TargetSample, WithRoll: ev.Type == sessionevent.Skip})

	case sessionevent.SetTimecodeTransmission, sessionevent.SyncCues:
		// Timecode output and cue sync are owned by the sync layer;
		// acknowledging the event keeps ordering intact.

	default:
		return errors.Newf("unhandled session event").
			Component("session").
			Category(errors.CategoryScheduler).
			Context("type", ev.Type.String()).
			Build()
	}
	return nil
}

// dispatchSpeed normalizes a speed request into FSM arcs: zero while
// moving is a stop, non-zero while stopped is a start plus speed change,
// anything else adjusts in place (the FSM declicks zero crossings).
func (s *Session) dispatchSpeed(speed float64) {
	switch {
	case speed == 0:
		if !s.fsm.Stopped() {
			s.fsm.Enqueue(&transport.Event{Type: transport.StopTransport})
		}
	case s.fsm.Stopped():
		if speed != 1.0 {
			s.fsm.Enqueue(&transport.Event{Type: transport.SetSpeed, Speed: speed})
		}
		s.fsm.Enqueue(&transport.Event{Type: transport.StartTransport})
	default:
		s.fsm.Enqueue(&transport.Event{Type: transport.SetSpeed, Speed: speed})
	}
}

var _ sessionevent.Dispatcher = (*Session)(nil)
