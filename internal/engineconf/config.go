// Package engineconf holds the engine's own operational tuning surface:
// disk I/O chunk size, declick/crossfade durations, pool capacities, and
// worker counts. It is not the excluded session/XML persistence format —
// just the knobs an operator can tune per deployment.
package engineconf

import (
	"fmt"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// RotationType selects how a log file is rotated.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// LogConfig mirrors the shape consumed by internal/logging.
type LogConfig struct {
	Enabled     bool
	Path        string
	Rotation    RotationType
	MaxSize     int64
	RotationDay time.Weekday
}

// EngineConfig holds the knobs a traditional engine bakes in as compiled
// constants: disk I/O chunk size, declick duration, destructive crossfade
// length, analyser worker count, pool capacities, and ThreadBuffers slack.
type EngineConfig struct {
	SampleRate int // native sample rate, frames/sec
	BlockSize  int // nominal audio callback block size, frames

	DiskIOChunkFrames int // butler refill/flush chunk size

	DeclickFrames   int     // start/stop/locate fade duration, frames
	XfadeFrames     int     // destructive crossfade window, frames
	XfadeShortMS    float64 // short-xfade length when cnt < XfadeFrames, ms

	AnalyserWorkers int // analyser worker count; not read by internal/analyser, which always runs one worker

	EventPoolCapacity  int // session/transport event pool size
	ThreadBufferSlack  int // extra thread buffer sets beyond worker count
	RingBufferCapacity int // default SPSC ring capacity, power of two

	ButlerLowWaterFrames  int // playback low-water mark that wakes the butler
	ButlerHighWaterFrames int // capture high-water mark that wakes the butler
}

// Settings is the root configuration tree, loaded from YAML via viper.
type Settings struct {
	Debug bool

	Main struct {
		Name string
		Log  LogConfig
	}

	Engine EngineConfig
}

var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

func setDefaultConfig() {
	viper.SetDefault("main.name", "transportd")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/transportd.log")
	viper.SetDefault("main.log.rotation", string(RotationDaily))
	viper.SetDefault("main.log.maxsize", 10*1024*1024)

	viper.SetDefault("engine.samplerate", 48000)
	viper.SetDefault("engine.blocksize", 1024)
	viper.SetDefault("engine.diskiochunkframes", 65536)
	viper.SetDefault("engine.declickframes", 256)
	viper.SetDefault("engine.xfadeframes", 64)
	viper.SetDefault("engine.xfadeshortms", 5.0)
	viper.SetDefault("engine.analyserworkers", 1)
	viper.SetDefault("engine.eventpoolcapacity", 1024)
	viper.SetDefault("engine.threadbufferslack", 4)
	viper.SetDefault("engine.ringbuffercapacity", 65536)
	viper.SetDefault("engine.butlerlowwaterframes", 65536)
	viper.SetDefault("engine.butlerhighwaterframes", 65536)
}

// initViper configures viper to read "transportd.yaml" from the working
// directory or /etc/transportd, and from TRANSPORTD_* environment vars.
func initViper() error {
	viper.SetConfigName("transportd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/transportd")
	viper.SetEnvPrefix("TRANSPORTD")
	viper.AutomaticEnv()

	setDefaultConfig()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil // defaults are sufficient; no file is required
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// Load reads configuration from disk/env into a fresh Settings and makes it
// the process-wide instance returned by Setting().
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	settingsInstance = settings
	return settings, nil
}

// GetSettings returns the current settings instance without triggering a load.
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the process-wide settings, loading defaults on first call.
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			if _, err := Load(); err != nil {
				// Fall back to in-memory defaults rather than aborting the
				// process; the engine can still run with compiled-in values.
				settingsMutex.Lock()
				settingsInstance = defaultSettings()
				settingsMutex.Unlock()
			}
		}
	})
	return GetSettings()
}

func defaultSettings() *Settings {
	s := &Settings{}
	s.Main.Name = "transportd"
	s.Main.Log = LogConfig{Enabled: true, Path: "logs/transportd.log", Rotation: RotationDaily, MaxSize: 10 * 1024 * 1024}
	s.Engine = EngineConfig{
		SampleRate:            48000,
		BlockSize:             1024,
		DiskIOChunkFrames:     65536,
		DeclickFrames:         256,
		XfadeFrames:           64,
		XfadeShortMS:          5.0,
		AnalyserWorkers:       1,
		EventPoolCapacity:     1024,
		ThreadBufferSlack:     4,
		RingBufferCapacity:    65536,
		ButlerLowWaterFrames:  65536,
		ButlerHighWaterFrames: 65536,
	}
	return s
}
