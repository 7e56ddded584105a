package controlapi

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardourgo/transportcore/internal/sessionevent"
)

type fakeQuery struct {
	rolling bool
	frame   int64
}

func (f *fakeQuery) Rolling() bool       { return f.rolling }
func (f *fakeQuery) Stopped() bool       { return !f.rolling }
func (f *fakeQuery) Locating() bool      { return false }
func (f *fakeQuery) CurrentFrame() int64 { return f.frame }

type fakeOps struct {
	recEnables map[string]bool
	markers    []string
	saved      []string
	end        int64
}

func (f *fakeOps) SetTrackRecordEnabled(trackID string, yn bool) error {
	if f.recEnables == nil {
		f.recEnables = make(map[string]bool)
	}
	f.recEnables[trackID] = yn
	return nil
}

func (f *fakeOps) AddMarker(name string, position int64) error {
	f.markers = append(f.markers, name)
	return nil
}

func (f *fakeOps) SaveState(name string) error {
	f.saved = append(f.saved, name)
	return nil
}

func (f *fakeOps) EndPosition() int64 { return f.end }

func newSurface(pending int) (*Surface, *sessionevent.Scheduler, *fakeQuery, *fakeOps) {
	sched := sessionevent.NewScheduler(pending)
	q := &fakeQuery{}
	ops := &fakeOps{end: 960000}
	return New(sched, q, ops), sched, q, ops
}

func drainTypes(sched *sessionevent.Scheduler) []sessionevent.Type {
	sched.DrainPending()
	var types []sessionevent.Type
	for _, ev := range sched.PopDue(int64(1) << 62) {
		types = append(types, ev.Type)
	}
	return types
}

func TestSpeedAndLocateRequestsLandOnScheduler(t *testing.T) {
	t.Parallel()

	s, sched, _, _ := newSurface(64)
	ctx := context.Background()

	require.NoError(t, s.RequestTransportSpeed(ctx, 1.0))
	require.NoError(t, s.RequestLocate(ctx, 480000, true))
	require.NoError(t, s.RequestLocate(ctx, 0, false))

	types := drainTypes(sched)
	assert.Equal(t, []sessionevent.Type{
		sessionevent.SetTransportSpeed,
		sessionevent.LocateRoll,
		sessionevent.Locate,
	}, types)
}

func TestPunchRequestsAreSingletons(t *testing.T) {
	t.Parallel()

	s, sched, _, _ := newSurface(64)
	ctx := context.Background()

	// Three punch windows in a row: only the last survives.
	require.NoError(t, s.RequestPunch(ctx, 1000, 1500))
	require.NoError(t, s.RequestPunch(ctx, 2000, 2500))
	require.NoError(t, s.RequestPunch(ctx, 3000, 3500))

	sched.DrainPending()
	assert.Equal(t, 1, sched.SingletonCount(sessionevent.PunchIn))
	assert.Equal(t, 1, sched.SingletonCount(sessionevent.PunchOut))

	due := sched.PopDue(int64(1) << 62)
	require.Len(t, due, 2)
	assert.Equal(t, int64(3000), due[0].ActionSample)
	assert.Equal(t, int64(3500), due[1].ActionSample)
}

func TestPlayRangeValidation(t *testing.T) {
	t.Parallel()

	s, sched, _, _ := newSurface(64)
	ctx := context.Background()

	assert.Error(t, s.RequestPlayRange(ctx, 5000, 5000))
	require.NoError(t, s.RequestPlayRange(ctx, 0, 48000))

	types := drainTypes(sched)
	assert.Equal(t, []sessionevent.Type{sessionevent.SetPlayAudioRange}, types)
}

func TestGotoEndUsesSessionEnd(t *testing.T) {
	t.Parallel()

	s, sched, _, _ := newSurface(64)
	require.NoError(t, s.GotoEnd(context.Background()))

	sched.DrainPending()
	due := sched.PopDue(int64(1) << 62)
	require.Len(t, due, 1)
	assert.Equal(t, int64(960000), due[0].TargetSample)
}

func TestOpsDelegation(t *testing.T) {
	t.Parallel()

	s, _, q, ops := newSurface(64)
	q.frame = 12345

	require.NoError(t, s.SetRecordEnabled("drums", true))
	require.NoError(t, s.AddMarker("chorus"))
	require.NoError(t, s.SaveState("take2"))

	assert.True(t, ops.recEnables["drums"])
	assert.Equal(t, []string{"chorus"}, ops.markers)
	assert.Equal(t, []string{"take2"}, ops.saved)
}

func TestRetryThenDropOnFullRing(t *testing.T) {
	t.Parallel()

	// Capacity 2 rounds up to a tiny ring that the test saturates; nothing
	// drains it, so after the retries the request must be reported dropped.
	s, sched, _, _ := newSurface(2)
	ctx := context.Background()

	var err error
	for i := 0; i < 16 && err == nil; i++ {
		err = s.RequestTransportSpeed(ctx, 1.0)
	}
	require.Error(t, err)

	sched.DrainPending()
	assert.NotEmpty(t, sched.PopDue(int64(1)<<62))
}