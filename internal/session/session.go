// Package session wires the transport core together: the event scheduler
// and FSM on the audio thread, the route graph, per-track diskstreams,
// the butler goroutine, the sync master fallback, and the notification
// bus. It is the component a backend callback and the control surface
// both talk to.
package session

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardourgo/transportcore/internal/buffers"
	"github.com/ardourgo/transportcore/internal/diskmanager"
	"github.com/ardourgo/transportcore/internal/diskstream"
	"github.com/ardourgo/transportcore/internal/engineconf"
	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/events"
	"github.com/ardourgo/transportcore/internal/logging"
	"github.com/ardourgo/transportcore/internal/observability/metrics"
	"github.com/ardourgo/transportcore/internal/routing"
	"github.com/ardourgo/transportcore/internal/sessionevent"
	"github.com/ardourgo/transportcore/internal/syncsource"
	"github.com/ardourgo/transportcore/internal/timeline"
	"github.com/ardourgo/transportcore/internal/transport"
	"github.com/ardourgo/transportcore/internal/xfade"
)

var log = logging.ForService("session")

// SourceFactory creates the write-source a capture pass streams into.
// Called on rec-arm from a non-realtime thread.
type SourceFactory func(trackID string, channel int, when time.Time) (timeline.Source, error)

// InputProvider fills dst with the cycle's input for one track channel
// before the diskstream processes it. The backend adapter installs one;
// tests install synthetic signals. Must not block.
type InputProvider func(trackID string, channel int, dst []float32)

// Track is one route with an attached diskstream.
type Track struct {
	ID          string
	Stream      *diskstream.Diskstream
	Gain        float32
	Pan         float64
	SignalOrder int

	PeakMeter float32
	RMSMeter  float32
}

// Marker is a named timeline position.
type Marker struct {
	Name     string `yaml:"name"`
	Position int64  `yaml:"position"`
}

// Config assembles a session's collaborators. Zero-value fields fall back
// to working defaults so tests can construct minimal sessions.
type Config struct {
	Engine        engineconf.EngineConfig
	SourceFactory SourceFactory
	Editor        timeline.PlaylistEditor
	DiskMonitor   *diskmanager.Monitor
	Registry      prometheus.Registerer
	StateDir      string
}

// Session is the top-level engine object.
type Session struct {
	cfg engineconf.EngineConfig

	scheduler *sessionevent.Scheduler
	fsm       *transport.FSM

	mu     sync.Mutex // guards graph, tracks, markers, sources
	edges  *routing.Edges
	infos  []routing.RouteInfo
	order  atomic.Value // []routing.RouteID, snapshot read by the audio thread
	tracks map[routing.RouteID]*Track

	butler      *diskstream.Butler
	butlerWake  chan struct{}
	butlerDone  chan struct{}
	transportWk atomic.Bool

	sources   map[string]timeline.Source
	sourceIDs map[string]timeline.SourceID
	factory   SourceFactory
	editor    timeline.PlaylistEditor
	diskMon   *diskmanager.Monitor

	master        atomic.Pointer[masterSlot]
	internalClock *syncsource.Internal
	syncHealthy   bool

	xfadeCurves *xfade.Set

	notifier *events.Notifier
	metrics  *metrics.EngineMetrics
	bufMgr   *buffers.Manager

	transportFrame atomic.Int64
	speedBits      atomic.Uint64

	// audio-thread-only state
	declickRemaining int
	declickFadeIn    bool
	recordWindowOpen bool

	loop       atomic.Pointer[diskstream.LoopRange]
	pendingLoc atomic.Pointer[pendingLocate]

	playRangeEnd  int64
	playRangeOn   bool
	recordEnabled atomic.Bool

	markers  []Marker
	stateDir string

	sessionEnd atomic.Int64

	input  InputProvider
	output func(trackID string, channel int, src []float32)

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

type pendingLocate struct {
	target   int64
	withLoop bool
}

type masterSlot struct{ m syncsource.Master }

// New builds a session and starts its butler goroutine.
func New(cfg Config) *Session {
	eng := cfg.Engine
	if eng.BlockSize == 0 {
		eng = *defaultEngineConfig()
	}
	reg := cfg.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		cfg:           eng,
		scheduler:     sessionevent.NewScheduler(eng.EventPoolCapacity),
		edges:         routing.NewEdges(),
		tracks:        make(map[routing.RouteID]*Track),
		butler:        diskstream.NewButler(eng.DiskIOChunkFrames),
		butlerWake:    make(chan struct{}, 1),
		butlerDone:    make(chan struct{}),
		sources:       make(map[string]timeline.Source),
		sourceIDs:     make(map[string]timeline.SourceID),
		factory:       cfg.SourceFactory,
		editor:        cfg.Editor,
		diskMon:       cfg.DiskMonitor,
		internalClock: syncsource.NewInternal(),
		syncHealthy:   true,
		notifier:      events.NewNotifier(256),
		metrics:       metrics.NewEngineMetrics(reg),
		stateDir:      cfg.StateDir,
		xfadeCurves:   xfade.NewSet(eng.XfadeFrames, eng.XfadeShortMS, eng.SampleRate),
		ctx:           ctx,
		cancel:        cancel,
	}
	if s.editor == nil {
		s.editor = &regionCollector{}
	}
	s.fsm = transport.New(s)
	s.order.Store([]routing.RouteID{})
	s.speedBits.Store(floatBits(1.0))
	s.master.Store(&masterSlot{m: s.internalClock})

	s.bufMgr = buffers.NewManager(
		[]string{"audio", "butler", "analyser"},
		2, eng.BlockSize, 256,
	)

	go s.butlerLoop()
	return s
}

func defaultEngineConfig() *engineconf.EngineConfig {
	set := engineconf.Setting()
	return &set.Engine
}

// Close stops the butler and the notifier. The audio callback must no
// longer be running when Close is called.
func (s *Session) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.cancel()
	s.wakeButler()
	<-s.butlerDone
	s.notifier.Close()
}

// Notifier exposes the session's notification bus for subscribers.
func (s *Session) Notifier() *events.Notifier { return s.notifier }

// Scheduler exposes the inbound event surface for the control API.
func (s *Session) Scheduler() *sessionevent.Scheduler { return s.scheduler }

// FSM exposes the transport state machine, audio-thread use only.
func (s *Session) FSM() *transport.FSM { return s.fsm }

// SetInputProvider installs the per-cycle input fill callback.
func (s *Session) SetInputProvider(p InputProvider) { s.input = p }

// SetOutputSink installs a per-cycle output tap, called with each track's
// processed buffer.
func (s *Session) SetOutputSink(fn func(trackID string, channel int, src []float32)) {
	s.output = fn
}

// AddTrack creates a route with an attached diskstream reading from
// playlist. Graph edges are added separately via Connect.
func (s *Session) AddTrack(id string, channels int, playlist timeline.Playlist) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := diskstream.New(id, channels, s.cfg.RingBufferCapacity, playlist)
	ds.SetWaterMarks(s.cfg.ButlerLowWaterFrames, s.cfg.ButlerHighWaterFrames)
	t := &Track{
		ID:          id,
		Stream:      ds,
		Gain:        1.0,
		SignalOrder: len(s.infos),
	}
	s.tracks[routing.RouteID(id)] = t
	s.infos = append(s.infos, routing.RouteInfo{ID: routing.RouteID(id), SignalOrder: t.SignalOrder})
	s.butler.Register(ds)
	s.resortLocked()
	return t
}

// EnableTrackDestructive marks trackID as a destructive diskstream: later
// punch in/out captures overdub in place, crossfaded against existing
// (per the corresponding Diskstream.flags Destructive bit), rather than
// appending a new take. existing supplies the pre-recorded material each
// channel's captures will blend against; pass nil entries for a channel
// with nothing recorded yet.
func (s *Session) EnableTrackDestructive(trackID string, existing [][]float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracks[routing.RouteID(trackID)]
	if !ok {
		return errors.Newf("unknown track").
			Component("session").
			Category(errors.CategoryNotFound).
			Context("track", trackID).
			Build()
	}
	t.Stream.EnableDestructive(s.xfadeCurves, existing)
	return nil
}

// Connect records that from's output feeds to's input.
func (s *Session) Connect(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges.Add(routing.RouteID(from), routing.RouteID(to))
	s.resortLocked()
}

// Disconnect removes the from -> to edge.
func (s *Session) Disconnect(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges.Remove(routing.RouteID(from), routing.RouteID(to))
	s.resortLocked()
}

// resortLocked recomputes the processing order snapshot. Caller holds mu.
func (s *Session) resortLocked() {
	order := routing.Sort(s.infos, s.edges)
	s.order.Store(order)
	s.metrics.RecordTopoSort(len(order) == 0 && len(s.infos) > 0)
}

// Order returns the current processing order snapshot.
func (s *Session) Order() []routing.RouteID {
	return s.order.Load().([]routing.RouteID)
}

// Track returns the track with the given id, or nil.
func (s *Session) Track(id string) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracks[routing.RouteID(id)]
}

// SetTrackRecordEnabled arms or disarms one track, re-sorting the graph
// so rec-enabled routes schedule after their potential feeds.
func (s *Session) SetTrackRecordEnabled(trackID string, yn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[routing.RouteID(trackID)]
	if !ok {
		return errors.Newf("unknown track").
			Component("session").
			Category(errors.CategoryNotFound).
			Context("track", trackID).
			Build()
	}
	t.Stream.SetRecordEnabled(yn)
	for i := range s.infos {
		if s.infos[i].ID == routing.RouteID(trackID) {
			s.infos[i].RecEnabled = yn
		}
	}
	s.resortLocked()

	if yn && s.factory != nil {
		if _, exists := s.sources[trackID]; !exists {
			src, err := s.factory(trackID, 0, time.Now())
			if err != nil {
				return errors.New(err).
					Component("session").
					Category(errors.CategoryDiskIO).
					Context("track", trackID).
					Build()
			}
			s.sources[trackID] = src
			s.sourceIDs[trackID] = timeline.SourceID(trackID)
		}
	}
	return nil
}

// SetRecordEnabled is the global record master switch.
func (s *Session) SetRecordEnabled(yn bool) { s.recordEnabled.Store(yn) }

// RecordEnabled reports the global record switch.
func (s *Session) RecordEnabled() bool { return s.recordEnabled.Load() }

// SetTransportMaster installs m as the sync source to follow. Passing nil
// reverts to the internal clock.
func (s *Session) SetTransportMaster(m syncsource.Master) {
	if m == nil {
		m = s.internalClock
	}
	s.master.Store(&masterSlot{m: m})
}

// AddMarker records a named position.
func (s *Session) AddMarker(name string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers = append(s.markers, Marker{Name: name, Position: position})
	return nil
}

// Markers returns a copy of the marker list.
func (s *Session) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Marker, len(s.markers))
	copy(out, s.markers)
	return out
}

// SetEndPosition records the end of the last material on any playlist.
func (s *Session) SetEndPosition(pos int64) { s.sessionEnd.Store(pos) }

// EndPosition returns the session end.
func (s *Session) EndPosition() int64 { return s.sessionEnd.Load() }

// Rolling implements the control-surface transport query.
func (s *Session) Rolling() bool {
	m, _ := s.fsm.State()
	return m == transport.Rolling
}

// Stopped implements the control-surface transport query.
func (s *Session) Stopped() bool {
	m, _ := s.fsm.State()
	return m == transport.Stopped
}

// Locating implements the control-surface transport query.
func (s *Session) Locating() bool {
	m, _ := s.fsm.State()
	return m == transport.DeclickToLocate || m == transport.WaitingForLocate
}

// CurrentFrame returns the transport's sample position, readable from
// any thread.
func (s *Session) CurrentFrame() int64 { return s.transportFrame.Load() }

// Speed returns the current transport speed.
func (s *Session) Speed() float64 { return bitsFloat(s.speedBits.Load()) }

// CapturedRegions returns the regions collected by the default editor,
// for sessions constructed without an external playlist editor.
func (s *Session) CapturedRegions() []timeline.Region {
	if rc, ok := s.editor.(*regionCollector); ok {
		return rc.Regions()
	}
	return nil
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }
func bitsFloat(b uint64) float64 { return math.Float64frombits(b) }

// regionCollector is the fallback playlist editor: it retains finalized
// capture regions for the owner to inspect.
type regionCollector struct {
	mu      sync.Mutex
	regions []timeline.Region
}

func (rc *regionCollector) AddCaptureRegions(regions []timeline.Region) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.regions = append(rc.regions, regions...)
	return nil
}

func (rc *regionCollector) Regions() []timeline.Region {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]timeline.Region, len(rc.regions))
	copy(out, rc.regions)
	return out
}
