package session

import (
	"time"

	"github.com/ardourgo/transportcore/internal/events"
	"github.com/ardourgo/transportcore/internal/timeline"
	"github.com/ardourgo/transportcore/internal/transport"
)

// butlerLoop is the session's single non-realtime disk worker. It blocks
// on its wake channel, runs one refill/flush pass per wake, answers the
// FSM with LocateDone/ButlerDone, and finalizes captures after a stop.
func (s *Session) butlerLoop() {
	defer close(s.butlerDone)

	for {
		select {
		case <-s.ctx.Done():
			s.finishTransportWork()
			return
		case <-s.butlerWake:
		}
		s.metrics.RecordButlerWake()

		// A pending locate is served before anything else: seek every
		// stream, land the playhead, then refill from the new position.
		served := false
		if loc := s.pendingLoc.Swap(nil); loc != nil {
			s.mu.Lock()
			for _, t := range s.tracks {
				t.Stream.SeekTo(loc.target)
			}
			s.mu.Unlock()
			s.transportFrame.Store(loc.target)
			served = true
		}

		s.mu.Lock()
		for _, t := range s.tracks {
			t.Stream.ResizeWrapBufferIfNeeded(s.cfg.BlockSize)
		}
		s.mu.Unlock()

		if err := s.butler.DoRefill(s.loop.Load(), s.Speed()); err != nil {
			log.Error("refill pass failed", "error", err)
			s.metrics.RecordXrun()
		} else {
			s.metrics.RecordRefillPass()
		}

		s.flushCapture(false)

		if s.transportWk.Swap(false) {
			s.finishTransportWork()
		}

		// The locate that triggered this pass is complete only after the
		// rings are refilled from the new position. A newer locate stored
		// meanwhile belongs to the next wake; completion waits for it.
		if served && s.pendingLoc.Load() == nil {
			s.fsm.Enqueue(&transport.Event{Type: transport.LocateDone})
		}
		s.fsm.Enqueue(&transport.Event{Type: transport.ButlerDone})
	}
}

// snapshotSources copies the source maps under the session lock so the
// butler never holds it across disk I/O.
func (s *Session) snapshotSources() (map[string]timeline.Source, map[string]timeline.SourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sources := make(map[string]timeline.Source, len(s.sources))
	for k, v := range s.sources {
		sources[k] = v
	}
	ids := make(map[string]timeline.SourceID, len(s.sourceIDs))
	for k, v := range s.sourceIDs {
		ids[k] = v
	}
	return sources, ids
}

// flushCapture drains capture rings to their write-sources. force drains
// everything regardless of chunk size.
func (s *Session) flushCapture(force bool) {
	sources, _ := s.snapshotSources()
	if len(sources) == 0 {
		return
	}

	pending, err := s.butler.DoFlush(sources, force)
	if err != nil {
		log.Error("flush pass failed", "error", err)
		return
	}
	s.metrics.RecordFlushPass()
	s.metrics.SetWorkPending(pending)
	if pending {
		s.wakeButler()
	}
}

// finishTransportWork runs the post-stop sequence: force-flush residual
// capture, build regions, finalize write-sources, notify subscribers.
// The transport-work wake also fires on start, where there is nothing to
// finalize yet: only a stopped transport with actual capture state
// proceeds.
func (s *Session) finishTransportWork() {
	if m, _ := s.fsm.State(); m != transport.Stopped {
		return
	}
	if !s.butler.HasCaptureWork() {
		return
	}
	sources, ids := s.snapshotSources()
	if len(sources) == 0 {
		return
	}

	if err := s.butler.FinishCapture(sources, s.editor, ids); err != nil {
		log.Error("capture finalization failed", "error", err)
		return
	}

	s.mu.Lock()
	s.sources = make(map[string]timeline.Source)
	s.mu.Unlock()

	now := time.Now()
	for trackID, src := range sources {
		if err := src.UpdateHeader(s.transportFrame.Load(), now); err != nil {
			log.Error("capture header update failed", "track", trackID, "error", err)
		}
		if err := src.MarkStreamingWriteCompleted(); err != nil {
			log.Error("capture finalize failed", "track", trackID, "error", err)
			s.metrics.RecordCaptureFailure(trackID)
			continue
		}
		if !s.notifier.TryPublish(events.TransportEvent{
			Kind:    events.CaptureFinished,
			When:    now,
			TrackID: trackID,
		}) {
			s.metrics.RecordNotifierDrop()
		}
	}
}
