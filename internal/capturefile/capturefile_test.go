package capturefile

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFinalizeReadBack(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ws, err := NewWriteSource(dir, "track1", 0, 48000, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	frames := make([]float32, 4800)
	for i := range frames {
		frames[i] = float32(math.Sin(2 * math.Pi * 440 * float64(i) / 48000))
	}

	// Stream in butler-sized chunks.
	for off := 0; off < len(frames); off += 1024 {
		end := off + 1024
		if end > len(frames) {
			end = len(frames)
		}
		n, werr := ws.Write(frames[off:end], end-off)
		require.NoError(t, werr)
		assert.Equal(t, end-off, n)
	}
	assert.Equal(t, int64(4800), ws.FramesWritten())

	require.NoError(t, ws.UpdateHeader(96000, time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)))
	require.NoError(t, ws.MarkStreamingWriteCompleted())

	got, err := ReadBack(ws.Path())
	require.NoError(t, err)
	require.Len(t, got, 4800)
	for i := 0; i < 4800; i += 97 {
		assert.InDelta(t, frames[i], got[i], 1.0/256, "frame %d", i)
	}
}

func TestWriteAfterFinalizeFails(t *testing.T) {
	t.Parallel()

	ws, err := NewWriteSource(t.TempDir(), "track1", 0, 48000, time.Now())
	require.NoError(t, err)
	require.NoError(t, ws.MarkStreamingWriteCompleted())

	_, err = ws.Write([]float32{0.5}, 1)
	assert.Error(t, err)
}

func TestClampOutOfRangeSamples(t *testing.T) {
	t.Parallel()

	ws, err := NewWriteSource(t.TempDir(), "hot", 0, 48000, time.Now())
	require.NoError(t, err)

	_, err = ws.Write([]float32{2.5, -3.0, 0}, 3)
	require.NoError(t, err)
	require.NoError(t, ws.MarkStreamingWriteCompleted())

	got, err := ReadBack(ws.Path())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.InDelta(t, 1.0, got[0], 1e-3)
	assert.InDelta(t, -1.0, got[1], 1e-3)
	assert.InDelta(t, 0.0, got[2], 1e-3)
}

func TestFileNameLayout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	when := time.Date(2026, 7, 4, 9, 30, 0, 0, time.UTC)
	ws, err := NewWriteSource(dir, "drums", 1, 48000, when)
	require.NoError(t, err)
	defer func() { _ = ws.MarkStreamingWriteCompleted() }()

	assert.Equal(t, filepath.Join(dir, "drums-1-20260704T093000.wav"), ws.Path())
}

func TestRemoveAbortedCapture(t *testing.T) {
	t.Parallel()

	ws, err := NewWriteSource(t.TempDir(), "aborted", 0, 48000, time.Now())
	require.NoError(t, err)
	_, err = ws.Write(make([]float32, 128), 128)
	require.NoError(t, err)

	require.NoError(t, ws.Remove())
	_, err = ReadBack(ws.Path())
	assert.Error(t, err)
}
