package kms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderBackground(t *testing.T) {
	const w, h, pitch = 32, 16, 32*4 + 64
	dst := make([]byte, pitch*h)

	require.NoError(t, renderBackground(dst, pitch, w, h, "#ff8000"))

	// Centre pixel is the fill colour, stored B, G, R, X.
	px := dst[8*pitch+16*4:]
	assert.Equal(t, byte(0x00), px[0])
	assert.InDelta(t, 0x80, int(px[1]), 1)
	assert.Equal(t, byte(0xff), px[2])
	assert.Equal(t, byte(0xff), px[3])

	// Row padding is untouched.
	assert.Equal(t, byte(0), dst[pitch-1])
}

func TestRenderBackgroundTooSmall(t *testing.T) {
	assert.Error(t, renderBackground(make([]byte, 10), 128, 32, 16, "#000"))
	assert.Error(t, renderBackground(make([]byte, 4096), 64, 32, 16, "#000"))
}
