package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	startPlaybackCalls  int
	stopPlaybackCalls   int
	declickCalls        int
	locateStarts        []int64
	interruptedLocates  []int64
	butlerScheduled     int
	speedsSet           []float64
}

func (f *fakeAPI) StartPlayback()                      { f.startPlaybackCalls++ }
func (f *fakeAPI) StopPlayback(abort, clearState bool)  { f.stopPlaybackCalls++ }
func (f *fakeAPI) BeginDeclick()                        { f.declickCalls++ }
func (f *fakeAPI) StartLocate(target int64, withLoop bool) {
	f.locateStarts = append(f.locateStarts, target)
}
func (f *fakeAPI) InterruptLocate(target int64, force bool) {
	f.interruptedLocates = append(f.interruptedLocates, target)
}
func (f *fakeAPI) ScheduleButlerForTransportWork() { f.butlerScheduled++ }
func (f *fakeAPI) SetSpeed(speed float64)          { f.speedsSet = append(f.speedsSet, speed) }

// TestStartStop walks the basic start/butler/stop sequence.
func TestStartStop(t *testing.T) {
	api := &fakeAPI{}
	fsm := New(api)
	require.Equal(t, Stopped, fsm.Motion())

	fsm.Enqueue(&Event{Type: StartTransport})
	assert.Equal(t, Rolling, fsm.Motion())
	assert.Equal(t, WaitingForButler, fsm.ButlerState())
	assert.Equal(t, 1, api.startPlaybackCalls)

	fsm.Enqueue(&Event{Type: ButlerDone})
	assert.Equal(t, NotWaitingForButler, fsm.ButlerState())

	fsm.Enqueue(&Event{Type: StopTransport, Abort: false, ClearState: false})
	assert.Equal(t, DeclickToStop, fsm.Motion())

	fsm.Enqueue(&Event{Type: DeclickDone})
	assert.Equal(t, Stopped, fsm.Motion())
	assert.Equal(t, 1, api.stopPlaybackCalls)
}

// TestInterruptedLocate: a second locate before
// LocateDone wins; exactly one LocateDone is processed, landing at the
// second target.
func TestInterruptedLocate(t *testing.T) {
	api := &fakeAPI{}
	fsm := New(api)
	fsm.Enqueue(&Event{Type: StartTransport})
	fsm.Enqueue(&Event{Type: ButlerDone})
	require.Equal(t, Rolling, fsm.Motion())

	fsm.Enqueue(&Event{Type: Locate, Target: 480000, WithRoll: true})
	assert.Equal(t, DeclickToLocate, fsm.Motion())

	// Interrupt before DeclickDone arrives.
	fsm.Enqueue(&Event{Type: Locate, Target: 960000, WithRoll: true})
	assert.Equal(t, DeclickToLocate, fsm.Motion(), "still declicking toward the (now replaced) target")

	fsm.Enqueue(&Event{Type: DeclickDone})
	assert.Equal(t, WaitingForLocate, fsm.Motion())
	require.Len(t, api.locateStarts, 1, "only one start_locate should fire, at the winning target")
	assert.Equal(t, int64(960000), api.locateStarts[0])

	fsm.Enqueue(&Event{Type: LocateDone})
	assert.Equal(t, Rolling, fsm.Motion())
}

// TestInterruptedLocateHonorsForce verifies a force=true in-flight locate
// cannot be overridden by a subsequent non-force locate.
func TestInterruptedLocateHonorsForce(t *testing.T) {
	api := &fakeAPI{}
	fsm := New(api)
	fsm.Enqueue(&Event{Type: StartTransport})
	fsm.Enqueue(&Event{Type: Locate, Target: 100, Force: true})
	require.Equal(t, DeclickToLocate, fsm.Motion())

	fsm.Enqueue(&Event{Type: Locate, Target: 200, Force: false})
	fsm.Enqueue(&Event{Type: DeclickDone})

	require.Len(t, api.locateStarts, 1)
	assert.Equal(t, int64(100), api.locateStarts[0], "a forced locate must not be overridden by a non-forced one")
}

func TestSingletonPunchSemanticsDoNotApplyHere(t *testing.T) {
	// placeholder to keep package boundary clear: singleton handling lives
	// in sessionevent, not transport.
}

func TestStopWhileDeclickingToLocateIsDeferredThenReplayed(t *testing.T) {
	api := &fakeAPI{}
	fsm := New(api)
	fsm.Enqueue(&Event{Type: StartTransport})
	fsm.Enqueue(&Event{Type: Locate, Target: 100})
	require.Equal(t, DeclickToLocate, fsm.Motion())

	// StopTransport cannot be handled mid-declick-to-locate; it must be
	// deferred and only take effect after the state changes.
	fsm.Enqueue(&Event{Type: StopTransport})
	assert.Equal(t, DeclickToLocate, fsm.Motion(), "deferred event must not change state immediately")

	fsm.Enqueue(&Event{Type: DeclickDone})
	// DeclickDone moves us to WaitingForLocate; the deferred StopTransport
	// is replayed and deferred again there since StopTransport isn't valid
	// mid-locate either, until LocateDone settles it.
	assert.Equal(t, WaitingForLocate, fsm.Motion())

	fsm.Enqueue(&Event{Type: LocateDone})
	// LocateDone resolves should_roll_after_locate true (with_roll false,
	// wasRolling true, not force), so motion becomes Rolling -- but the
	// deferred StopTransport is then replayed against that fresh Rolling
	// state in the same Enqueue call, immediately starting a declick.
	assert.Equal(t, DeclickToStop, fsm.Motion(), "replayed StopTransport must land once the state machine reaches Rolling")
	assert.Equal(t, 2, api.startPlaybackCalls, "initial start plus the post-locate resume before the deferred stop took effect")
	assert.Equal(t, 2, api.declickCalls, "one declick for the original locate, one for the replayed stop")
}

func TestSetSpeedAdjustsInPlaceWithoutDeclickWhenNotCrossingZero(t *testing.T) {
	api := &fakeAPI{}
	fsm := New(api)
	fsm.Enqueue(&Event{Type: StartTransport})
	fsm.Enqueue(&Event{Type: SetSpeed, Speed: 2.0})

	assert.Equal(t, Rolling, fsm.Motion())
	require.Len(t, api.speedsSet, 1)
	assert.Equal(t, 2.0, api.speedsSet[0])
}

func TestSetSpeedCrossingZeroDeclicksFirst(t *testing.T) {
	api := &fakeAPI{}
	fsm := New(api)
	fsm.Enqueue(&Event{Type: StartTransport})
	fsm.Enqueue(&Event{Type: SetSpeed, Speed: -1.0})

	assert.Equal(t, DeclickToStop, fsm.Motion())
	assert.Empty(t, api.speedsSet, "speed change that crosses zero must declick before applying")
}

func TestReentrantEnqueueDuringHandlerIsProcessedAfterCurrentStep(t *testing.T) {
	var fsm *FSM
	reentrantAPI := &reentrantFakeAPI{}
	fsm = New(reentrantAPI)
	reentrantAPI.fsm = fsm

	fsm.Enqueue(&Event{Type: StartTransport})
	// The reentrant ButlerDone enqueued from within StartPlayback must have
	// been processed by the time Enqueue returns.
	assert.Equal(t, NotWaitingForButler, fsm.ButlerState())
}

// reentrantFakeAPI calls back into the FSM from within StartPlayback to
// exercise the bounded-reentrancy guard.
type reentrantFakeAPI struct {
	fakeAPI
	fsm *FSM
}

func (r *reentrantFakeAPI) StartPlayback() {
	r.fakeAPI.StartPlayback()
	r.fsm.Enqueue(&Event{Type: ButlerDone})
}
