package buffers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckoutReleaseRoundTrip(t *testing.T) {
	m := NewManager([]string{"audio", "butler"}, 2, 128, 16)

	s, err := m.Checkout("audio")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Channels())
	assert.Equal(t, 128, s.BlockSize())

	s.Audio(0)[0] = 1.0
	m.Release("audio")

	s2, err := m.Checkout("audio")
	require.NoError(t, err)
	assert.Equal(t, float32(0), s2.Audio(0)[0], "checkout must clear the buffer")
}

func TestCheckoutUnknownRoleFails(t *testing.T) {
	m := NewManager([]string{"audio"}, 1, 64, 4)
	_, err := m.Checkout("missing")
	assert.Error(t, err)
}

func TestDoubleCheckoutIsAnInvariantError(t *testing.T) {
	m := NewManager([]string{"audio"}, 1, 64, 4)
	_, err := m.Checkout("audio")
	require.NoError(t, err)

	_, err = m.Checkout("audio")
	assert.Error(t, err, "a Set already checked out must not be handed to a second thread")
}

func TestAppendMIDIAndClear(t *testing.T) {
	m := NewManager([]string{"audio"}, 1, 64, 4)
	s, err := m.Checkout("audio")
	require.NoError(t, err)

	s.AppendMIDI(MIDIEvent{Offset: 10, Data: []byte{0x90, 0x40, 0x7f}})
	require.Len(t, s.MIDI(), 1)

	s.Clear()
	assert.Empty(t, s.MIDI())
}
