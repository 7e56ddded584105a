// Package controlapi is the transport operations surface consumed by
// GUIs and control protocols: speed/locate/play-range/record requests
// poked from non-realtime threads, plus a read-only transport state
// query. Requests are normalized into session events on the scheduler's
// inbound ring; a full ring is retried with a rate-limited backoff
// before the request is reported as dropped.
package controlapi

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/logging"
	"github.com/ardourgo/transportcore/internal/sessionevent"
)

var log = logging.ForService("controlapi")

// TransportQuery is the read-only state surface. Implemented by the
// session; safe to call from any thread.
type TransportQuery interface {
	Rolling() bool
	Stopped() bool
	Locating() bool
	CurrentFrame() int64
}

// SessionOps covers the operations that act on session state directly
// rather than through the transport timeline.
type SessionOps interface {
	SetTrackRecordEnabled(trackID string, yn bool) error
	AddMarker(name string, position int64) error
	SaveState(name string) error
	EndPosition() int64
}

// Surface is one control client's handle onto the session. Each control
// protocol thread may own its own Surface; they all feed the same
// scheduler ring.
type Surface struct {
	scheduler *sessionevent.Scheduler
	query     TransportQuery
	ops       SessionOps

	// retry pacing for a full inbound ring: the ring drains once per
	// audio cycle, so retrying faster than a cycle only burns CPU.
	limiter    *rate.Limiter
	maxRetries int
}

// New creates a control surface over the given scheduler and session.
func New(scheduler *sessionevent.Scheduler, query TransportQuery, ops SessionOps) *Surface {
	return &Surface{
		scheduler:  scheduler,
		query:      query,
		ops:        ops,
		limiter:    rate.NewLimiter(rate.Every(2*time.Millisecond), 1),
		maxRetries: 8,
	}
}

// queueWithRetry pushes ev, backing off and retrying while the inbound
// ring is full. Exhaustion after maxRetries is returned to the caller;
// dropping a control request is non-fatal.
func (s *Surface) queueWithRetry(ctx context.Context, ev *sessionevent.Event) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err = s.scheduler.QueueEvent(ev); err == nil {
			return nil
		}
		if werr := s.limiter.Wait(ctx); werr != nil {
			return errors.New(werr).
				Component("controlapi").
				Category(errors.CategoryCancellation).
				Context("event_type", ev.Type.String()).
				Build()
		}
	}
	log.Warn("control request dropped after retries", "type", ev.Type.String())
	return err
}

// RequestTransportSpeed asks the transport to move at speed. Zero stops,
// negative reverses.
func (s *Surface) RequestTransportSpeed(ctx context.Context, speed float64) error {
	return s.queueWithRetry(ctx, &sessionevent.Event{
		Type:         sessionevent.SetTransportSpeed,
		Action:       sessionevent.Add,
		ActionSample: sessionevent.Immediate,
		Speed:        speed,
	})
}

// RequestLocate moves the playhead to pos; withRoll resumes playback
// once the locate completes.
func (s *Surface) RequestLocate(ctx context.Context, pos int64, withRoll bool) error {
	t := sessionevent.Locate
	if withRoll {
		t = sessionevent.LocateRoll
	}
	return s.queueWithRetry(ctx, &sessionevent.Event{
		Type:         t,
		Action:       sessionevent.Add,
		ActionSample: sessionevent.Immediate,
		TargetSample: pos,
	})
}

// RequestPlayRange plays [start, end) once, stopping at end.
func (s *Surface) RequestPlayRange(ctx context.Context, start, end int64) error {
	if end <= start {
		return errors.Newf("invalid play range").
			Component("controlapi").
			Category(errors.CategoryValidation).
			Context("start", start).
			Context("end", end).
			Build()
	}
	return s.queueWithRetry(ctx, &sessionevent.Event{
		Type:         sessionevent.SetPlayAudioRange,
		Action:       sessionevent.Add,
		ActionSample: sessionevent.Immediate,
		RangeStart:   start,
		RangeEnd:     end,
	})
}

// CancelPlayRange abandons an active range play, leaving the transport
// wherever it currently is.
func (s *Surface) CancelPlayRange(ctx context.Context) error {
	return s.queueWithRetry(ctx, &sessionevent.Event{
		Type:         sessionevent.CancelPlayAudioRange,
		Action:       sessionevent.Add,
		ActionSample: sessionevent.Immediate,
	})
}

// RequestPunch schedules punch-in/punch-out at the given samples. Each is
// a singleton: a later request replaces an earlier queued one.
func (s *Surface) RequestPunch(ctx context.Context, punchIn, punchOut int64) error {
	if err := s.queueWithRetry(ctx, &sessionevent.Event{
		Type:         sessionevent.PunchIn,
		Action:       sessionevent.Add,
		ActionSample: punchIn,
	}); err != nil {
		return err
	}
	return s.queueWithRetry(ctx, &sessionevent.Event{
		Type:         sessionevent.PunchOut,
		Action:       sessionevent.Add,
		ActionSample: punchOut,
	})
}

// RequestLoop installs an auto-loop over [start, end). Singleton.
func (s *Surface) RequestLoop(ctx context.Context, start, end int64) error {
	return s.queueWithRetry(ctx, &sessionevent.Event{
		Type:         sessionevent.AutoLoop,
		Action:       sessionevent.Add,
		ActionSample: end,
		TargetSample: start,
	})
}

// SetRecordEnabled arms or disarms a track for recording.
func (s *Surface) SetRecordEnabled(trackID string, yn bool) error {
	return s.ops.SetTrackRecordEnabled(trackID, yn)
}

// GotoStart locates to the session origin.
func (s *Surface) GotoStart(ctx context.Context) error {
	return s.RequestLocate(ctx, 0, false)
}

// GotoEnd locates to the end of the last region on any playlist.
func (s *Surface) GotoEnd(ctx context.Context) error {
	return s.RequestLocate(ctx, s.ops.EndPosition(), false)
}

// AddMarker drops a marker at the current transport position.
func (s *Surface) AddMarker(name string) error {
	return s.ops.AddMarker(name, s.query.CurrentFrame())
}

// SaveState snapshots session state under the given name.
func (s *Surface) SaveState(name string) error {
	return s.ops.SaveState(name)
}

// Rolling reports whether the transport is in motion.
func (s *Surface) Rolling() bool { return s.query.Rolling() }

// Stopped reports whether the transport is at rest.
func (s *Surface) Stopped() bool { return s.query.Stopped() }

// Locating reports whether a locate is in flight.
func (s *Surface) Locating() bool { return s.query.Locating() }

// CurrentFrame returns the transport's sample position.
func (s *Surface) CurrentFrame() int64 { return s.query.CurrentFrame() }
