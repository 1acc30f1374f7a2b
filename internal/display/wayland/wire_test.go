package wayland

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageLayout(t *testing.T) {
	b := newMessage(3, 2).putString("wl_seat").putFixed(-1.5).bytes()

	// header, length word, "wl_seat\0", fixed
	require.Len(t, b, 8+4+8+4)
	assert.Equal(t, uint32(3), order.Uint32(b[0:]))
	assert.Equal(t, uint32(24<<16|2), order.Uint32(b[4:]))
	assert.Equal(t, uint32(8), order.Uint32(b[8:]))
	assert.Equal(t, "wl_seat\x00", string(b[12:20]))
	assert.Equal(t, int32(-384), int32(order.Uint32(b[20:])))
}

func TestSplitWaitsForWholeMessage(t *testing.T) {
	one := newMessage(5, 1).putUint(9).putArray([]byte{1, 2, 3}).bytes()
	two := newMessage(6, 0).bytes()
	stream := append(append([]byte(nil), one...), two...)

	_, _, ok, err := splitMessage(stream[:len(one)-1])
	require.NoError(t, err)
	assert.False(t, ok)

	m, rest, ok, err := splitMessage(stream)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(5), m.sender)
	assert.Equal(t, uint16(1), m.opcode)
	d := m.decoder()
	assert.Equal(t, uint32(9), d.uint())
	assert.Equal(t, []byte{1, 2, 3}, d.array())
	require.NoError(t, d.err)

	m, rest, ok, err = splitMessage(rest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(6), m.sender)
	assert.Empty(t, rest)
}

func TestDecoderShortBody(t *testing.T) {
	m, _, ok, err := splitMessage(newMessage(1, 0).putUint(4).bytes())
	require.NoError(t, err)
	require.True(t, ok)

	d := m.decoder()
	d.uint()
	assert.Equal(t, "", d.string())
	assert.ErrorIs(t, d.err, ErrShortMessage)
}

func TestSplitRejectsBadSize(t *testing.T) {
	b := newMessage(1, 0).bytes()
	order.PutUint32(b[4:], 6<<16)
	_, _, _, err := splitMessage(b)
	assert.Error(t, err)
}

func TestDecoderRejectsOversizedArray(t *testing.T) {
	for _, size := range []uint32{0x80000000, 0xfffffffd, 0xffffffff, 9} {
		m, _, ok, err := splitMessage(newMessage(1, 0).putUint(size).putUint(0).putUint(0).bytes())
		require.NoError(t, err)
		require.True(t, ok)

		d := m.decoder()
		assert.NotPanics(t, func() { assert.Nil(t, d.array()) }, "size %#x", size)
		assert.ErrorIs(t, d.err, ErrShortMessage, "size %#x", size)
	}
}

func TestDecoderArrayPadding(t *testing.T) {
	m, _, ok, err := splitMessage(newMessage(1, 0).putArray([]byte{1, 2, 3, 4, 5}).putUint(7).bytes())
	require.NoError(t, err)
	require.True(t, ok)

	d := m.decoder()
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, d.array())
	assert.Equal(t, uint32(7), d.uint())
	assert.NoError(t, d.err)
}
