package analyser

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type memSource struct {
	id    uuid.UUID
	data  []float32
	reads atomic.Int64
}

func newMemSource(data []float32) *memSource {
	return &memSource{id: uuid.New(), data: data}
}

func (m *memSource) ID() uuid.UUID { return m.id }
func (m *memSource) Length() int64 { return int64(len(m.data)) }

func (m *memSource) ReadAt(buf []float32, pos int64) (int, error) {
	m.reads.Add(1)
	if pos >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(buf, m.data[pos:])
	return n, nil
}

// silenceThenBurst builds a source that is quiet for the first half and
// loud for the second, guaranteeing one energy-rise boundary.
func silenceThenBurst(frames int) []float32 {
	data := make([]float32, frames)
	for i := frames / 2; i < frames; i++ {
		data[i] = 0.9
	}
	return data
}

func waitAnalysed(t *testing.T, a *Analyser, id uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if a.Analysed(id) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("source %s never analysed", id)
}

func TestQueueAndDetect(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := New(DefaultConfig())
	defer a.Close()

	src := newMemSource(silenceThenBurst(8192))
	a.Register(src)
	require.NoError(t, a.QueueSourceForAnalysis(src, false))

	waitAnalysed(t, a, src.ID())
	transients := a.Transients(src.ID())
	require.NotEmpty(t, transients)
	// The onset sits at the half-way point, quantized to a window start.
	assert.InDelta(t, 4096, float64(transients[0]), 512)
}

func TestIdempotentUnlessForce(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := New(DefaultConfig())
	defer a.Close()

	src := newMemSource(silenceThenBurst(4096))
	a.Register(src)
	require.NoError(t, a.QueueSourceForAnalysis(src, false))
	waitAnalysed(t, a, src.ID())

	readsAfterFirst := src.reads.Load()

	// Already analysed: a non-forced request is a silent no-op.
	require.NoError(t, a.QueueSourceForAnalysis(src, false))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, readsAfterFirst, src.reads.Load())

	// Forced: re-runs the pass.
	require.NoError(t, a.QueueSourceForAnalysis(src, true))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && src.reads.Load() == readsAfterFirst {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Greater(t, src.reads.Load(), readsAfterFirst)
}

func TestDeadSourceSkipped(t *testing.T) {
	defer goleak.VerifyNone(t)

	a := New(DefaultConfig())
	defer a.Close()

	// Park the worker inside an analysis of a live source so the dead
	// source's job sits queued while we deregister it.
	a.analysisMu.Lock()
	live := newMemSource(silenceThenBurst(4096))
	a.Register(live)
	require.NoError(t, a.QueueSourceForAnalysis(live, false))
	time.Sleep(50 * time.Millisecond)

	dead := newMemSource(silenceThenBurst(4096))
	a.Register(dead)
	require.NoError(t, a.QueueSourceForAnalysis(dead, false))
	a.Deregister(dead.ID())
	a.analysisMu.Unlock()

	waitAnalysed(t, a, live.ID())
	assert.False(t, a.Analysed(dead.ID()), "a deregistered source's queued job is skipped")
	assert.Zero(t, dead.reads.Load())
}

func TestQueueFullDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.QueueCapacity = 1
	a := New(cfg)
	defer a.Close()

	// Hold the worker inside an analysis so the ring stays occupied.
	a.analysisMu.Lock()
	first := newMemSource(silenceThenBurst(4096))
	a.Register(first)
	require.NoError(t, a.QueueSourceForAnalysis(first, false))

	// Give the worker time to pop the first job and block on analysisMu,
	// then fill the single remaining slot and overflow it.
	time.Sleep(50 * time.Millisecond)
	second := newMemSource(silenceThenBurst(4096))
	a.Register(second)
	require.NoError(t, a.QueueSourceForAnalysis(second, false))

	third := newMemSource(silenceThenBurst(4096))
	a.Register(third)
	err := a.QueueSourceForAnalysis(third, false)
	assert.Error(t, err)

	a.analysisMu.Unlock()
	waitAnalysed(t, a, first.ID())
}
