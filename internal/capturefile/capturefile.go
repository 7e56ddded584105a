// Package capturefile implements the on-disk write-source a capture pass
// streams into: one WAV file per channel under the session's sound
// directory, appended chunk by chunk by the butler and finalized at stop
// with the capture origin recorded in the header metadata.
package capturefile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/logging"
)

var log = logging.ForService("capturefile")

// WriteSource streams float32 frames into a 16-bit mono WAV file. It is
// append-only: the butler is the only writer, and the header is rewritten
// once at finalization.
type WriteSource struct {
	path       string
	file       *os.File
	enc        *wav.Encoder
	sampleRate int

	framesWritten int64
	origin        int64
	originWhen    time.Time
	finalized     bool

	// scratch converts the butler's float32 chunks without allocating
	// per call; grown on demand to the largest chunk seen.
	scratch *audio.IntBuffer
}

// NewWriteSource creates (or truncates) a capture file for one channel.
// Name layout: <soundDir>/<trackID>-<channel>-<timestamp>.wav, one file
// per capture pass per channel.
func NewWriteSource(soundDir, trackID string, channel int, sampleRate int, when time.Time) (*WriteSource, error) {
	if err := os.MkdirAll(soundDir, 0o755); err != nil {
		return nil, errors.New(err).
			Component("capturefile").
			Category(errors.CategoryFileIO).
			Context("operation", "create_sound_directory").
			Context("path", soundDir).
			Build()
	}
	name := fmt.Sprintf("%s-%d-%s.wav", trackID, channel, when.UTC().Format("20060102T150405"))
	path := filepath.Join(soundDir, name)

	f, err := os.Create(path)
	if err != nil {
		return nil, errors.New(err).
			Component("capturefile").
			Category(errors.CategoryFileIO).
			Context("operation", "create_capture_file").
			Context("path", path).
			Build()
	}

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	return &WriteSource{
		path:       path,
		file:       f,
		enc:        enc,
		sampleRate: sampleRate,
		scratch: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: 16,
		},
	}, nil
}

// Path returns the file's location on disk.
func (w *WriteSource) Path() string { return w.path }

// FramesWritten returns the total frame count appended so far.
func (w *WriteSource) FramesWritten() int64 { return w.framesWritten }

// Write appends count frames from buffer, converting to 16-bit PCM with
// clamping. A short write signals an I/O failure the caller must treat as
// a capture failure on this track.
func (w *WriteSource) Write(buffer []float32, count int) (int, error) {
	if w.finalized {
		return 0, errors.Newf("write after finalization").
			Component("capturefile").
			Category(errors.CategoryInvariant).
			Context("path", w.path).
			Build()
	}
	if count > len(buffer) {
		count = len(buffer)
	}
	if cap(w.scratch.Data) < count {
		w.scratch.Data = make([]int, count)
	}
	w.scratch.Data = w.scratch.Data[:count]
	for i := 0; i < count; i++ {
		v := buffer[i]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		w.scratch.Data[i] = int(v * 32767)
	}
	if err := w.enc.Write(w.scratch); err != nil {
		return 0, errors.New(err).
			Component("capturefile").
			Category(errors.CategoryDiskIO).
			Context("operation", "append_capture_frames").
			Context("path", w.path).
			Build()
	}
	w.framesWritten += int64(count)
	return count, nil
}

// UpdateHeader records the capture origin (timeline position plus wall
// clock), persisted into the file's metadata when the stream completes.
func (w *WriteSource) UpdateHeader(position int64, when time.Time) error {
	w.origin = position
	w.originWhen = when
	return nil
}

// MarkStreamingWriteCompleted finalizes the encoder, rewriting the RIFF
// sizes and attaching the capture-origin metadata.
func (w *WriteSource) MarkStreamingWriteCompleted() error {
	if w.finalized {
		return nil
	}
	w.finalized = true

	w.enc.Metadata = &wav.Metadata{
		CreationDate: w.originWhen.UTC().Format("2006-01-02"),
		Comments:     fmt.Sprintf("origin=%d", w.origin),
		Software:     "transportcore",
	}
	if err := w.enc.Close(); err != nil {
		_ = w.file.Close()
		return errors.New(err).
			Component("capturefile").
			Category(errors.CategoryDiskIO).
			Context("operation", "finalize_capture_file").
			Context("path", w.path).
			Build()
	}
	if err := w.file.Close(); err != nil {
		return errors.New(err).
			Component("capturefile").
			Category(errors.CategoryDiskIO).
			Context("operation", "close_capture_file").
			Context("path", w.path).
			Build()
	}
	log.Debug("capture file finalized", "path", w.path, "frames", w.framesWritten, "origin", w.origin)
	return nil
}

// Remove deletes the file, used when a capture is aborted and the
// partial take should not survive.
func (w *WriteSource) Remove() error {
	if !w.finalized {
		_ = w.enc.Close()
		_ = w.file.Close()
		w.finalized = true
	}
	if err := os.Remove(w.path); err != nil {
		return errors.New(err).
			Component("capturefile").
			Category(errors.CategoryFileIO).
			Context("operation", "remove_capture_file").
			Context("path", w.path).
			Build()
	}
	return nil
}

// ReadBack decodes the finalized file back into float32 frames. Used by
// the analyser's transient pass and by tests; not part of the streaming
// write path.
func ReadBack(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.New(err).
			Component("capturefile").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	defer func() { _ = f.Close() }()

	dec := wav.NewDecoder(f)
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, errors.New(err).
			Component("capturefile").
			Category(errors.CategoryFileParsing).
			Context("path", path).
			Build()
	}
	out := make([]float32, len(pcm.Data))
	for i, v := range pcm.Data {
		out[i] = float32(v) / 32767
	}
	return out, nil
}
