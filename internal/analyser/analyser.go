// Package analyser runs background transient detection over captured
// sources. A single worker consumes a FIFO of queued source references,
// promotes each reference against the live registry (skipping sources
// that have since been destroyed), and runs at most one analysis at a
// time so disk and CPU contention stay bounded.
package analyser

import (
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sync/singleflight"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/logging"
)

var log = logging.ForService("analyser")

// Source is the minimal surface a source must expose for transient
// analysis. ReadAt must be safe to call from the analyser goroutine while
// the audio thread is running.
type Source interface {
	ID() uuid.UUID
	Length() int64
	ReadAt(buf []float32, pos int64) (int, error)
}

// idBytes is the fixed record width of the job FIFO: one binary UUID.
const idBytes = 16

// Analyser is the background transient-detection worker.
type Analyser struct {
	mu   sync.Mutex
	cond *sync.Cond

	// queue carries fixed-width UUID records; bounded, so a flood of
	// queue requests degrades to dropped jobs rather than growth.
	queue *ringbuffer.RingBuffer

	// registry is the weak-reference stand-in: sources deregister on
	// destruction, and a queued ID whose entry is gone is skipped.
	registry map[uuid.UUID]Source

	// analysed marks sources already processed; entries expire so a
	// source rewritten long after its first pass gets re-analysed.
	analysed *gocache.Cache

	// inflight collapses duplicate concurrent requests for one source.
	inflight singleflight.Group

	// analysisMu serializes the actual detection pass: at most one runs
	// at any moment regardless of how the worker is driven in tests.
	analysisMu sync.Mutex

	results   map[uuid.UUID][]int64
	resultsMu sync.RWMutex

	closed bool
	wg     sync.WaitGroup

	windowFrames int
	riseRatio    float64
}

// Config tunes the detection pass.
type Config struct {
	QueueCapacity int     // max queued jobs before QueueSourceForAnalysis drops
	WindowFrames  int     // RMS window for onset detection
	RiseRatio     float64 // energy rise factor that registers a transient
	AnalysedTTL   time.Duration
}

// DefaultConfig returns the tuning used by the engine.
func DefaultConfig() Config {
	return Config{
		QueueCapacity: 256,
		WindowFrames:  512,
		RiseRatio:     4.0,
		AnalysedTTL:   time.Hour,
	}
}

// New creates an analyser and starts its worker goroutine.
func New(cfg Config) *Analyser {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.WindowFrames <= 0 {
		cfg.WindowFrames = 512
	}
	if cfg.RiseRatio <= 0 {
		cfg.RiseRatio = 4.0
	}
	if cfg.AnalysedTTL <= 0 {
		cfg.AnalysedTTL = time.Hour
	}
	a := &Analyser{
		queue:        ringbuffer.New(cfg.QueueCapacity * idBytes),
		registry:     make(map[uuid.UUID]Source),
		// no janitor goroutine: expired markers are dropped lazily on Get
		analysed:     gocache.New(cfg.AnalysedTTL, 0),
		results:      make(map[uuid.UUID][]int64),
		windowFrames: cfg.WindowFrames,
		riseRatio:    cfg.RiseRatio,
	}
	a.cond = sync.NewCond(&a.mu)
	a.wg.Add(1)
	go a.work()
	return a
}

// Register makes src promotable by queued jobs. Call on source creation.
func (a *Analyser) Register(src Source) {
	a.mu.Lock()
	a.registry[src.ID()] = src
	a.mu.Unlock()
}

// Deregister drops src from the registry; queued jobs for it are skipped.
// Call on source destruction.
func (a *Analyser) Deregister(id uuid.UUID) {
	a.mu.Lock()
	delete(a.registry, id)
	a.mu.Unlock()
}

// QueueSourceForAnalysis schedules src for a transient-detection pass.
// Idempotent unless force: a source already analysed (and not yet
// expired) returns silently. A full queue drops the job with a warning
// and returns an exhaustion error.
func (a *Analyser) QueueSourceForAnalysis(src Source, force bool) error {
	id := src.ID()
	if !force {
		if _, done := a.analysed.Get(id.String()); done {
			return nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.Newf("analyser shut down").
			Component("analyser").
			Category(errors.CategoryState).
			Build()
	}
	a.registry[id] = src

	raw := id[:]
	if a.queue.Free() < idBytes {
		log.Warn("analysis queue full, dropping job", "source", id.String())
		return errors.Newf("analysis queue full").
			Component("analyser").
			Category(errors.CategoryExhaustion).
			Context("source", id.String()).
			Build()
	}
	if _, err := a.queue.Write(raw); err != nil {
		return errors.New(err).
			Component("analyser").
			Category(errors.CategoryJobQueue).
			Context("source", id.String()).
			Build()
	}
	a.cond.Signal()
	return nil
}

// Transients returns the detected transient positions for a source, or
// nil if it has not been analysed.
func (a *Analyser) Transients(id uuid.UUID) []int64 {
	a.resultsMu.RLock()
	defer a.resultsMu.RUnlock()
	return a.results[id]
}

// Analysed reports whether the source's current analysis is still valid.
func (a *Analyser) Analysed(id uuid.UUID) bool {
	_, ok := a.analysed.Get(id.String())
	return ok
}

// Close stops the worker after it finishes any in-flight job.
func (a *Analyser) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	a.cond.Broadcast()
	a.mu.Unlock()
	a.wg.Wait()
}

func (a *Analyser) work() {
	defer a.wg.Done()
	var rec [idBytes]byte
	for {
		a.mu.Lock()
		for a.queue.Length() < idBytes && !a.closed {
			a.cond.Wait()
		}
		if a.closed && a.queue.Length() < idBytes {
			a.mu.Unlock()
			return
		}
		if _, err := a.queue.Read(rec[:]); err != nil {
			a.mu.Unlock()
			continue
		}
		id, err := uuid.FromBytes(rec[:])
		if err != nil {
			a.mu.Unlock()
			continue
		}
		src, alive := a.registry[id]
		a.mu.Unlock()

		if !alive {
			continue
		}

		// Do collapses only calls for the same source that overlap in
		// time. With the single worker, jobs run one after another, so a
		// duplicate queued before the first one completed runs again.
		_, _, _ = a.inflight.Do(id.String(), func() (any, error) {
			a.analyse(src)
			return nil, nil
		})
	}
}

func (a *Analyser) analyse(src Source) {
	a.analysisMu.Lock()
	defer a.analysisMu.Unlock()

	id := src.ID()
	transients, err := a.detectTransients(src)
	if err != nil {
		log.Error("transient analysis failed", "source", id.String(), "error", err)
		a.analysed.Delete(id.String())
		return
	}

	a.resultsMu.Lock()
	a.results[id] = transients
	a.resultsMu.Unlock()
	a.analysed.SetDefault(id.String(), true)
	log.Debug("source analysed", "source", id.String(), "transients", len(transients))
}

// detectTransients scans the source in RMS windows and registers a
// transient wherever a window's energy exceeds the previous window's by
// the configured rise ratio.
func (a *Analyser) detectTransients(src Source) ([]int64, error) {
	length := src.Length()
	if length == 0 {
		return nil, nil
	}

	win := a.windowFrames
	buf := make([]float32, win)
	var transients []int64
	prev := -1.0

	for pos := int64(0); pos < length; pos += int64(win) {
		n, err := src.ReadAt(buf, pos)
		if err != nil {
			return nil, errors.New(err).
				Component("analyser").
				Category(errors.CategoryFileIO).
				Context("source", src.ID().String()).
				Context("position", pos).
				Build()
		}
		if n == 0 {
			break
		}
		var sum float64
		for i := 0; i < n; i++ {
			sum += float64(buf[i]) * float64(buf[i])
		}
		energy := sum / float64(n)
		if prev >= 0 && energy > 0 && (prev == 0 || energy/prev >= a.riseRatio) {
			transients = append(transients, pos)
		}
		prev = energy
	}
	return transients, nil
}
