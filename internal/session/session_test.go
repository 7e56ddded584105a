package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ardourgo/transportcore/internal/engineconf"
	"github.com/ardourgo/transportcore/internal/events"
	"github.com/ardourgo/transportcore/internal/routing"
	"github.com/ardourgo/transportcore/internal/sessionevent"
	"github.com/ardourgo/transportcore/internal/timeline"
	"github.com/ardourgo/transportcore/internal/transport"
)

func mustLoopEvent(start, end int64) *sessionevent.Event {
	return &sessionevent.Event{
		Type:         sessionevent.SetLoop,
		Action:       sessionevent.Add,
		ActionSample: end,
		TargetSample: start,
	}
}

func testEngineConfig() engineconf.EngineConfig {
	return engineconf.EngineConfig{
		SampleRate:            48000,
		BlockSize:             1024,
		DiskIOChunkFrames:     4096,
		DeclickFrames:         256,
		XfadeFrames:           64,
		XfadeShortMS:          5,
		AnalyserWorkers:       1,
		EventPoolCapacity:     256,
		ThreadBufferSlack:     4,
		RingBufferCapacity:    1 << 16,
		ButlerLowWaterFrames:  8192,
		ButlerHighWaterFrames: 4096,
	}
}

// rampPlaylist produces sample value frame%1000 / 1000 at every position,
// so playback content identifies its own timeline position.
type rampPlaylist struct{}

func (rampPlaylist) Read(buffer []float32, start int64, count, channel int) (int, error) {
	for i := 0; i < count; i++ {
		buffer[i] = float32((start+int64(i))%1000) / 1000
	}
	return count, nil
}

// memSource collects flushed capture frames in memory.
type memSource struct {
	mu        sync.Mutex
	data      []float32
	finalized bool
	origin    int64
}

func (m *memSource) Write(buffer []float32, count int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append(m.data, buffer[:count]...)
	return count, nil
}

func (m *memSource) UpdateHeader(position int64, when time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.origin = position
	return nil
}

func (m *memSource) MarkStreamingWriteCompleted() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finalized = true
	return nil
}

func (m *memSource) frames() []float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float32, len(m.data))
	copy(out, m.data)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestSession(t *testing.T, src *memSource) *Session {
	t.Helper()
	cfg := Config{Engine: testEngineConfig(), StateDir: t.TempDir()}
	if src != nil {
		cfg.SourceFactory = func(trackID string, channel int, when time.Time) (timeline.Source, error) {
			return src, nil
		}
	}
	s := New(cfg)
	t.Cleanup(s.Close)
	return s
}

func TestStartStopSequence(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s := newTestSession(t, nil)
	s.AddTrack("t1", 1, rampPlaylist{})

	require.True(t, s.Stopped())

	s.fsm.Enqueue(&transport.Event{Type: transport.StartTransport})
	m, b := s.fsm.State()
	assert.Equal(t, transport.Rolling, m)
	assert.Equal(t, transport.WaitingForButler, b)

	// The butler acknowledges its work unit.
	waitFor(t, func() bool {
		_, b := s.fsm.State()
		return b == transport.NotWaitingForButler
	}, "butler never completed")

	s.Process(1024)
	assert.True(t, s.Rolling())
	assert.Equal(t, int64(1024), s.CurrentFrame())

	// Stop: declick (256 frames) completes within one 1024-frame cycle.
	s.fsm.Enqueue(&transport.Event{Type: transport.StopTransport})
	m, _ = s.fsm.State()
	assert.Equal(t, transport.DeclickToStop, m)

	s.Process(1024)
	waitFor(t, s.Stopped, "transport never stopped")
}

func TestLocateWhileStoppedLandsAtTarget(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s := newTestSession(t, nil)
	s.AddTrack("t1", 1, rampPlaylist{})

	s.fsm.Enqueue(&transport.Event{Type: transport.Locate, Target: 480000})
	waitFor(t, func() bool { return s.Stopped() && s.CurrentFrame() == 480000 },
		"locate never landed")
}

func TestInterruptedLocateLastTargetWins(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s := newTestSession(t, nil)
	s.AddTrack("t1", 1, rampPlaylist{})

	// Two locates in quick succession: the transport must come to rest
	// at the second target.
	s.fsm.Enqueue(&transport.Event{Type: transport.Locate, Target: 480000})
	s.fsm.Enqueue(&transport.Event{Type: transport.Locate, Target: 960000})

	waitFor(t, func() bool { return s.Stopped() && s.CurrentFrame() == 960000 },
		"locate never landed at the final target")
}

func TestTransportStateNotifications(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s := newTestSession(t, nil)
	s.AddTrack("t1", 1, rampPlaylist{})

	var mu sync.Mutex
	var states []string
	s.Notifier().Subscribe(func(ev events.TransportEvent) {
		if ev.Kind == events.TransportStateChanged {
			mu.Lock()
			states = append(states, ev.State)
			mu.Unlock()
		}
	})

	s.fsm.Enqueue(&transport.Event{Type: transport.StartTransport})
	s.fsm.Enqueue(&transport.Event{Type: transport.StopTransport})
	s.Process(1024)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 2
	}, "state notifications never delivered")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Rolling", states[0])
	assert.Equal(t, "Stopped", states[1])
}

func TestCaptureEndToEnd(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	src := &memSource{}
	s := newTestSession(t, src)
	s.AddTrack("rec", 1, rampPlaylist{})

	require.NoError(t, s.SetTrackRecordEnabled("rec", true))
	s.SetRecordEnabled(true)

	// Input is a recognizable constant per cycle index.
	cycle := 0
	s.SetInputProvider(func(trackID string, ch int, dst []float32) {
		for i := range dst {
			dst[i] = float32(cycle + 1)
		}
	})

	s.fsm.Enqueue(&transport.Event{Type: transport.StartTransport})
	for cycle = 0; cycle < 8; cycle++ {
		s.Process(1024)
	}
	s.fsm.Enqueue(&transport.Event{Type: transport.StopTransport})
	s.Process(1024) // declick completes, stop schedules butler work

	waitFor(t, func() bool {
		m := src
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.finalized
	}, "capture never finalized")

	got := src.frames()
	require.Len(t, got, 8*1024)
	assert.InDelta(t, 1.0, got[0], 1e-6)
	assert.InDelta(t, 8.0, got[len(got)-1], 1e-6)

	regions := s.CapturedRegions()
	require.Len(t, regions, 1)
	assert.Equal(t, int64(0), regions[0].Start)
	assert.Equal(t, int64(8*1024), regions[0].Length)
}

func TestRecEnableReordersGraph(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s := newTestSession(t, nil)
	s.AddTrack("a", 1, rampPlaylist{})
	s.AddTrack("b", 1, rampPlaylist{})
	s.AddTrack("c", 1, rampPlaylist{})
	s.Connect("a", "b")
	s.Connect("b", "c")

	require.NoError(t, s.SetTrackRecordEnabled("a", false))
	order := s.Order()
	require.Len(t, order, 3)
	idx := make(map[routing.RouteID]int)
	for i, id := range order {
		idx[id] = i
	}
	assert.Less(t, idx["a"], idx["b"])
	assert.Less(t, idx["b"], idx["c"])
}

func TestSaveAndLoadState(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s := newTestSession(t, nil)
	tr := s.AddTrack("t1", 1, rampPlaylist{})
	tr.Gain = 0.7

	require.NoError(t, s.AddMarker("verse", 48000))
	s.transportFrame.Store(96000)
	require.NoError(t, s.SaveState("take1"))

	tr.Gain = 1.0
	s.transportFrame.Store(0)
	s.mu.Lock()
	s.markers = nil
	s.mu.Unlock()

	require.NoError(t, s.LoadState("take1"))
	assert.Equal(t, int64(96000), s.CurrentFrame())
	assert.InDelta(t, 0.7, float64(s.Track("t1").Gain), 1e-6)
	require.Len(t, s.Markers(), 1)
	assert.Equal(t, "verse", s.Markers()[0].Name)
}

func TestLoopWrapKeepsRollingWithoutButlerWake(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	s := newTestSession(t, nil)
	s.AddTrack("t1", 1, rampPlaylist{})

	s.fsm.Enqueue(&transport.Event{Type: transport.StartTransport})
	waitFor(t, func() bool {
		_, b := s.fsm.State()
		return b == transport.NotWaitingForButler
	}, "initial butler work never completed")

	// Install a loop whose end lands inside the fourth cycle.
	require.NoError(t, s.Dispatch(mustLoopEvent(0, 3*1024+512)))

	for i := 0; i < 3; i++ {
		s.Process(1024)
	}
	// Crossing cycle: wraps back near the loop start.
	s.Process(1024)
	pos := s.CurrentFrame()
	assert.Less(t, pos, int64(1024))
	assert.True(t, s.Rolling())
}
