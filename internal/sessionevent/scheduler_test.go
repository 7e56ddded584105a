package sessionevent

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDispatcher captures every event handed to it.
type recordingDispatcher struct {
	seen []*Event
	err  error
}

func (d *recordingDispatcher) Dispatch(ev *Event) error {
	d.seen = append(d.seen, ev)
	return d.err
}

func TestEventsListStaysSortedAfterArbitraryQueueOrder(t *testing.T) {
	s := NewScheduler(64)
	samples := []int64{500, 100, 900, 100, 0, 1000, 250}
	for _, sample := range samples {
		require.NoError(t, s.QueueEvent(&Event{Type: Locate, Action: Add, ActionSample: sample}))
	}
	s.DrainPending()

	got := s.Events()
	assert.True(t, sort.SliceIsSorted(got, func(i, j int) bool {
		return Compare(got[i], got[j])
	}), "scheduler's events list must be sorted by ActionSample at every cycle boundary")
	assert.Len(t, got, len(samples))
}

// TestSingletonAtMostOne: three
// PunchIn events enqueued in order leave exactly one queued, at the last
// sample.
func TestSingletonAtMostOne(t *testing.T) {
	s := NewScheduler(64)
	for _, sample := range []int64{1000, 2000, 3000} {
		require.NoError(t, s.QueueEvent(&Event{Type: PunchIn, Action: Add, ActionSample: sample}))
	}
	s.DrainPending()

	assert.Equal(t, 1, s.SingletonCount(PunchIn))
	var punchins []*Event
	for _, ev := range s.Events() {
		if ev.Type == PunchIn {
			punchins = append(punchins, ev)
		}
	}
	require.Len(t, punchins, 1)
	assert.Equal(t, int64(3000), punchins[0].ActionSample)
}

func TestSingletonHoldsAcrossAllThreeTypes(t *testing.T) {
	s := NewScheduler(64)
	for _, typ := range []Type{AutoLoop, PunchIn, PunchOut} {
		require.NoError(t, s.QueueEvent(&Event{Type: typ, Action: Add, ActionSample: 10}))
		require.NoError(t, s.QueueEvent(&Event{Type: typ, Action: Add, ActionSample: 20}))
	}
	s.DrainPending()

	for _, typ := range []Type{AutoLoop, PunchIn, PunchOut} {
		assert.Equal(t, 1, s.SingletonCount(typ))
	}
}

func TestReplaceSingletonViaReplaceAction(t *testing.T) {
	s := NewScheduler(64)
	require.NoError(t, s.QueueEvent(&Event{Type: PunchOut, Action: Add, ActionSample: 100}))
	s.DrainPending()

	require.NoError(t, s.QueueEvent(&Event{Type: PunchOut, Action: Replace, ActionSample: 200}))
	s.DrainPending()

	assert.Equal(t, 1, s.SingletonCount(PunchOut))
	var sample int64
	for _, ev := range s.Events() {
		if ev.Type == PunchOut {
			sample = ev.ActionSample
		}
	}
	assert.Equal(t, int64(200), sample)
}

func TestClearRemovesAllOfType(t *testing.T) {
	s := NewScheduler(64)
	for _, sample := range []int64{10, 20, 30} {
		require.NoError(t, s.QueueEvent(&Event{Type: Locate, Action: Add, ActionSample: sample}))
	}
	require.NoError(t, s.QueueEvent(&Event{Type: SetLoop, Action: Add, ActionSample: 40}))
	s.DrainPending()

	require.NoError(t, s.QueueEvent(&Event{Type: Locate, Action: Clear}))
	s.DrainPending()

	for _, ev := range s.Events() {
		assert.NotEqual(t, Locate, ev.Type)
	}
	assert.Len(t, s.Events(), 1)
}

func TestRemoveMatchingSample(t *testing.T) {
	s := NewScheduler(64)
	require.NoError(t, s.QueueEvent(&Event{Type: RangeStop, Action: Add, ActionSample: 10}))
	require.NoError(t, s.QueueEvent(&Event{Type: RangeStop, Action: Add, ActionSample: 20}))
	s.DrainPending()

	require.NoError(t, s.QueueEvent(&Event{Type: RangeStop, Action: Remove, ActionSample: 10, MatchSample: true}))
	s.DrainPending()

	require.Len(t, s.Events(), 1)
	assert.Equal(t, int64(20), s.Events()[0].ActionSample)
}

func TestImmediateEventsRunBeforeTimedEventsOfSameCycle(t *testing.T) {
	s := NewScheduler(64)
	require.NoError(t, s.QueueEvent(&Event{Type: StartRoll, Action: Add, ActionSample: 500}))
	require.NoError(t, s.QueueEvent(&Event{Type: Skip, Action: Add, ActionSample: Immediate}))
	s.DrainPending()

	due := s.PopDue(500)
	require.Len(t, due, 2)
	assert.Equal(t, Skip, due[0].Type, "immediate events must be processed before timed events of the same cycle")
	assert.Equal(t, StartRoll, due[1].Type)
}

func TestSetNextEventFindsSmallestAtOrAfterPosition(t *testing.T) {
	s := NewScheduler(64)
	for _, sample := range []int64{100, 500, 900} {
		require.NoError(t, s.QueueEvent(&Event{Type: Locate, Action: Add, ActionSample: sample}))
	}
	s.DrainPending()

	s.SetNextEvent(600)
	require.NotNil(t, s.NextEvent())
	assert.Equal(t, int64(900), s.NextEvent().ActionSample)

	s.SetNextEvent(1000)
	assert.Nil(t, s.NextEvent())
}

func TestProcessEventDispatchErrorDoesNotUnwindScheduler(t *testing.T) {
	s := NewScheduler(64)
	d := &recordingDispatcher{err: assertErr{}}
	ev := &Event{Type: Locate, ActionSample: 10}

	// Must not panic even though Dispatch returns an error.
	s.ProcessEvent(d, ev)
	require.Len(t, d.seen, 1)
}

type assertErr struct{}

func (assertErr) Error() string { return "dispatch failed" }

func TestQueueEventFailsGracefullyWhenRingFull(t *testing.T) {
	s := NewScheduler(2) // rounds up to pow2 capacity (1 usable slot)
	var lastErr error
	for i := 0; i < 10; i++ {
		if err := s.QueueEvent(&Event{Type: Locate, ActionSample: int64(i)}); err != nil {
			lastErr = err
		}
	}
	assert.Error(t, lastErr, "a full inbound ring must report exhaustion, not block")
}
