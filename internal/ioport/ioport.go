// Package ioport is the engine's bridge to the audio backend: a duplex
// device whose data callback drives the session's process cycle, plus the
// port metadata surface (connected/physical/latency) the alignment logic
// reads. The device layer is built on malgo for cross-platform capture
// and playback.
package ioport

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/logging"
)

var log = logging.ForService("ioport")

// Port describes one backend endpoint as the core sees it.
type Port struct {
	Name          string
	Physical      bool
	Connected     bool
	LatencyFrames int64
}

// ProcessCallback runs once per device period on the backend's audio
// thread. in holds the period's deinterleaved capture samples, out is
// filled by the callback with deinterleaved playback samples. It must
// never block.
type ProcessCallback func(in, out [][]float32, nframes int)

// Config sizes the duplex device.
type Config struct {
	SampleRate   int
	Channels     int
	BlockFrames  int
	DeviceName   string
}

// Backend owns the malgo context and duplex device.
type Backend struct {
	cfg Config
	cb  ProcessCallback

	ctx    *malgo.AllocatedContext
	device *malgo.Device

	in  [][]float32
	out [][]float32

	running atomic.Bool
	mu      sync.Mutex
}

func platformBackend() (malgo.Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, errors.Newf("unsupported operating system").
			Component("ioport").
			Category(errors.CategoryAudio).
			Context("os", runtime.GOOS).
			Build()
	}
}

// New initializes the backend context and allocates the deinterleave
// staging buffers. The device itself is created on Start.
func New(cfg Config, cb ProcessCallback) (*Backend, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	if cfg.BlockFrames == 0 {
		cfg.BlockFrames = 1024
	}

	backend, err := platformBackend()
	if err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, func(message string) {
		log.Debug("backend message", "message", message)
	})
	if err != nil {
		return nil, errors.New(err).
			Component("ioport").
			Category(errors.CategoryAudio).
			Context("operation", "init_context").
			Build()
	}

	b := &Backend{cfg: cfg, cb: cb, ctx: ctx}
	b.in = make([][]float32, cfg.Channels)
	b.out = make([][]float32, cfg.Channels)
	for ch := 0; ch < cfg.Channels; ch++ {
		b.in[ch] = make([]float32, cfg.BlockFrames)
		b.out[ch] = make([]float32, cfg.BlockFrames)
	}
	return b, nil
}

// Ports reports the device endpoints. Hardware-backed ports are
// physical, which selects the existing-material alignment style on
// connected diskstreams.
func (b *Backend) Ports() []Port {
	ports := make([]Port, 0, b.cfg.Channels*2)
	latency := int64(b.cfg.BlockFrames)
	for ch := 0; ch < b.cfg.Channels; ch++ {
		ports = append(ports, Port{
			Name:          portName("capture", ch),
			Physical:      true,
			Connected:     b.running.Load(),
			LatencyFrames: latency,
		})
		ports = append(ports, Port{
			Name:          portName("playback", ch),
			Physical:      true,
			Connected:     b.running.Load(),
			LatencyFrames: latency,
		})
	}
	return ports
}

func portName(dir string, ch int) string {
	return "system:" + dir + "_" + string(rune('1'+ch))
}

// Start creates and starts the duplex device.
func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running.Load() {
		return nil
	}

	dc := malgo.DefaultDeviceConfig(malgo.Duplex)
	dc.SampleRate = uint32(b.cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(b.cfg.BlockFrames)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = uint32(b.cfg.Channels)
	dc.Playback.Format = malgo.FormatF32
	dc.Playback.Channels = uint32(b.cfg.Channels)

	device, err := malgo.InitDevice(b.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: b.onData,
	})
	if err != nil {
		return errors.New(err).
			Component("ioport").
			Category(errors.CategoryAudio).
			Context("operation", "init_device").
			Context("device", b.cfg.DeviceName).
			Build()
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return errors.New(err).
			Component("ioport").
			Category(errors.CategoryAudio).
			Context("operation", "start_device").
			Build()
	}
	b.device = device
	b.running.Store(true)
	log.Info("audio device started",
		"sample_rate", b.cfg.SampleRate,
		"channels", b.cfg.Channels,
		"block_frames", b.cfg.BlockFrames)
	return nil
}

// onData is the device period callback: deinterleave input, run the
// engine cycle, reinterleave output.
func (b *Backend) onData(pOutput, pInput []byte, frameCount uint32) {
	nframes := int(frameCount)
	if nframes > b.cfg.BlockFrames {
		nframes = b.cfg.BlockFrames
	}
	channels := b.cfg.Channels

	if pInput != nil {
		deinterleaveF32(pInput, b.in, channels, nframes)
	} else {
		for ch := 0; ch < channels; ch++ {
			for i := 0; i < nframes; i++ {
				b.in[ch][i] = 0
			}
		}
	}
	for ch := 0; ch < channels; ch++ {
		for i := 0; i < nframes; i++ {
			b.out[ch][i] = 0
		}
	}

	b.cb(b.in, b.out, nframes)

	if pOutput != nil {
		interleaveF32(b.out, pOutput, channels, nframes)
	}
}

// Stop halts and releases the device, keeping the context for a restart.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.running.Swap(false) {
		return nil
	}
	if b.device != nil {
		if err := b.device.Stop(); err != nil {
			log.Warn("device stop failed", "error", err)
		}
		b.device.Uninit()
		b.device = nil
	}
	return nil
}

// Close releases the backend context. The backend is unusable afterwards.
func (b *Backend) Close() {
	_ = b.Stop()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		_ = b.ctx.Uninit()
		b.ctx.Free()
		b.ctx = nil
	}
}
