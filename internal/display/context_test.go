package display_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/drm"
	"github.com/e7canasta/orion-capture-display/internal/drm/drmtest"
)

func TestContextSharesOneCard(t *testing.T) {
	opens := 0
	card := drmtest.NewCard("test")
	ctx := display.NewContext("/dev/dri/card0", func(path string) (drm.Device, error) {
		opens++
		assert.Equal(t, "/dev/dri/card0", path)
		return card, nil
	})
	assert.NotEmpty(t, ctx.SessionID)

	released := 0
	ctx.OnRelease(func() { released++ })

	a, err := ctx.Acquire()
	require.NoError(t, err)
	b, err := ctx.Acquire()
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, opens)
	assert.Equal(t, 2, ctx.Owners())

	require.NoError(t, ctx.Release())
	assert.False(t, card.Closed())
	assert.Zero(t, released)

	require.NoError(t, ctx.Release())
	assert.True(t, card.Closed())
	assert.Equal(t, 1, released)

	assert.Error(t, ctx.Release())
}

func TestContextOpenFailure(t *testing.T) {
	ctx := display.NewContext("/dev/dri/card9", func(string) (drm.Device, error) {
		return nil, errors.New("no such device")
	})
	_, err := ctx.Acquire()
	assert.Error(t, err)
	assert.Zero(t, ctx.Owners())
}

func TestClaimPlane(t *testing.T) {
	ctx := newContext()
	assert.True(t, ctx.ClaimPlane(1))
	assert.False(t, ctx.ClaimPlane(1))
	assert.True(t, ctx.PlaneClaimed(1))
	assert.False(t, ctx.PlaneClaimed(0))
	assert.False(t, ctx.ClaimPlane(-1))
	assert.False(t, ctx.ClaimPlane(64))
}

func TestReleaseClearsPlaneClaims(t *testing.T) {
	ctx := newContext()
	_, err := ctx.Acquire()
	require.NoError(t, err)
	require.True(t, ctx.ClaimPlane(0))
	require.NoError(t, ctx.Release())
	assert.False(t, ctx.PlaneClaimed(0))
}
