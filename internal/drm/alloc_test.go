package drm_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/drm"
	"github.com/e7canasta/orion-capture-display/internal/drm/drmtest"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

func TestParseTiling(t *testing.T) {
	for in, want := range map[string]drm.Tiling{
		"8": drm.Tiling8, "16": drm.Tiling16, "32": drm.Tiling32, "auto": drm.TilingAuto,
	} {
		got, err := drm.ParseTiling(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := drm.ParseTiling("12")
	assert.Error(t, err)
	_, err = drm.ParseTiling("x")
	assert.Error(t, err)
}

func TestDumbAllocator(t *testing.T) {
	card := drmtest.NewCard("vc4")
	a, err := drm.NewAllocator(card)
	require.NoError(t, err)
	assert.Equal(t, "dumb", a.Driver())

	al, err := a.Allocate(buffer.Request{Width: 100, Height: 10, BitsPerPixel: 16})
	require.NoError(t, err)
	assert.Equal(t, uint32(256), al.Pitch)
	assert.Equal(t, uint64(2560), al.Size)
	assert.Equal(t, 1000+int(al.Handle), al.FD)

	m, err := a.Map(al)
	require.NoError(t, err)
	assert.Len(t, m, 2560)

	again, err := a.Map(al)
	require.NoError(t, err)
	assert.Equal(t, &m[0], &again[0])

	require.NoError(t, a.Free(al))
	assert.Zero(t, card.LiveHandles())
	assert.Equal(t, []int{al.FD}, card.ClosedFDs())
	assert.Error(t, a.Free(al))
}

func TestOmapAllocatorFlags(t *testing.T) {
	tests := []struct {
		name      string
		opts      []drm.AllocOption
		bpp       uint32
		wantFlags uint32
		wantPitch uint32
	}{
		{name: "linear", bpp: 16, wantFlags: drm.OmapWC, wantPitch: 1440},
		{name: "scanout", opts: []drm.AllocOption{drm.WithScanout(true)}, bpp: 32,
			wantFlags: drm.OmapWC | drm.OmapScanout, wantPitch: 2880},
		{name: "tiled auto 8bpp", opts: []drm.AllocOption{drm.WithTiling(drm.TilingAuto)}, bpp: 8,
			wantFlags: drm.OmapWC | drm.OmapTiled8, wantPitch: 4096},
		{name: "tiled auto 32bpp", opts: []drm.AllocOption{drm.WithTiling(drm.TilingAuto)}, bpp: 32,
			wantFlags: drm.OmapWC | drm.OmapTiled32, wantPitch: 4096},
		{name: "tiled fixed 16", opts: []drm.AllocOption{drm.WithTiling(drm.Tiling16)}, bpp: 8,
			wantFlags: drm.OmapWC | drm.OmapTiled16, wantPitch: 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := drmtest.NewCard("omapdrm")
			a, err := drm.NewAllocator(card, tt.opts...)
			require.NoError(t, err)
			assert.Equal(t, "omap", a.Driver())

			al, err := a.Allocate(buffer.Request{Width: 720, Height: 480, BitsPerPixel: tt.bpp})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPitch, al.Pitch)
			assert.Equal(t, []uint32{tt.wantFlags}, card.OmapFlags())

			require.NoError(t, a.Free(al))
			assert.Zero(t, card.LiveHandles())
		})
	}
}

func TestAllocatorBacksPool(t *testing.T) {
	card := drmtest.NewCard("omapdrm")
	a, err := drm.NewAllocator(card)
	require.NoError(t, err)

	pool := buffer.NewPool(a)
	bufs, err := pool.Allocate(3, fourcc.NV12, 720, 480)
	require.NoError(t, err)
	require.Len(t, bufs, 3)
	assert.Len(t, bufs[0].Planes, 2)
	assert.Equal(t, uint32(720), bufs[0].Planes[0].Pitch)
	assert.Equal(t, uint32(720), bufs[0].Planes[1].Pitch)
	assert.Equal(t, 6, card.LiveHandles())

	require.NoError(t, pool.ReleaseAll())
	assert.Zero(t, card.LiveHandles())
}

func TestAllocatorExportFailureReleasesHandle(t *testing.T) {
	card := drmtest.NewCard("vc4")
	card.Fail = map[string]error{"PrimeHandleToFD": assert.AnError}
	a, err := drm.NewAllocator(card)
	require.NoError(t, err)

	_, err = a.Allocate(buffer.Request{Width: 16, Height: 16, BitsPerPixel: 32})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Zero(t, card.LiveHandles())
}
