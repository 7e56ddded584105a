// Package buffers implements the per-thread buffer checkout model: a
// per-thread scratch-buffer set leased at thread entry and returned at
// exit, exclusive for the duration of one processing cycle. The audio,
// butler, and analyser threads each hold their own Set.
package buffers

import (
	"sync"

	"github.com/ardourgo/transportcore/internal/errors"
	"github.com/ardourgo/transportcore/internal/logging"
)

var log = logging.ForService("buffers")

// Set is one thread's scratch audio/MIDI buffers for a single processing
// cycle: a fixed number of audio channels of blockSize float32 frames,
// plus a MIDI event scratch slice. Not safe for concurrent use — a Set is
// owned exclusively by whichever thread has it checked out.
type Set struct {
	audio     [][]float32
	midi      []MIDIEvent
	blockSize int
	checkedOut bool
}

// MIDIEvent is a minimal timestamped event payload; diskstream and the
// route scheduler both consume this shape for MIDI-granularity streams.
type MIDIEvent struct {
	Offset int
	Data   []byte
}

func newSet(channels, blockSize, midiCapacity int) *Set {
	audio := make([][]float32, channels)
	for i := range audio {
		audio[i] = make([]float32, blockSize)
	}
	return &Set{
		audio:     audio,
		midi:      make([]MIDIEvent, 0, midiCapacity),
		blockSize: blockSize,
	}
}

// Audio returns channel ch's scratch buffer, valid only while this Set
// remains checked out.
func (s *Set) Audio(ch int) []float32 { return s.audio[ch] }

// Channels reports how many audio channels this Set carries.
func (s *Set) Channels() int { return len(s.audio) }

// BlockSize reports the per-channel frame capacity.
func (s *Set) BlockSize() int { return s.blockSize }

// MIDI returns the MIDI scratch slice, reset to length zero at checkout.
func (s *Set) MIDI() []MIDIEvent { return s.midi }

// AppendMIDI appends an event to the MIDI scratch slice for this cycle.
func (s *Set) AppendMIDI(ev MIDIEvent) { s.midi = append(s.midi, ev) }

// Clear zeroes every audio channel and truncates the MIDI slice, leaving
// the Set ready for a fresh cycle without reallocating.
func (s *Set) Clear() {
	for _, ch := range s.audio {
		for i := range ch {
			ch[i] = 0
		}
	}
	s.midi = s.midi[:0]
}

// Manager owns a fixed pool of Sets, one per known thread role
// (audio/butler/analyser), handed out via Checkout/Release rather than
// allocated per cycle.
type Manager struct {
	mu    sync.Mutex
	sets  map[string]*Set
}

// NewManager creates a Manager with one Set per name in roles, each sized
// channels x blockSize audio plus midiCapacity MIDI event slots.
func NewManager(roles []string, channels, blockSize, midiCapacity int) *Manager {
	m := &Manager{sets: make(map[string]*Set, len(roles))}
	for _, role := range roles {
		m.sets[role] = newSet(channels, blockSize, midiCapacity)
	}
	return m
}

// Checkout leases role's Set for the calling thread. Returns an invariant
// error if it is already checked out — that indicates two threads racing
// on a buffer meant to be exclusive per cycle.
func (m *Manager) Checkout(role string) (*Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sets[role]
	if !ok {
		return nil, errors.Newf("unknown thread buffer role").
			Component("buffers").
			Category(errors.CategoryInvariant).
			Context("role", role).
			Build()
	}
	if s.checkedOut {
		log.Error("thread buffer double checkout", "role", role)
		return nil, errors.Newf("thread buffer already checked out").
			Component("buffers").
			Category(errors.CategoryInvariant).
			Context("role", role).
			Build()
	}
	s.checkedOut = true
	s.Clear()
	return s, nil
}

// Release returns role's Set, making it available for the next cycle.
func (m *Manager) Release(role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sets[role]; ok {
		s.checkedOut = false
	}
}
