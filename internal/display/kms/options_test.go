package kms_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/display/kms"
	"github.com/e7canasta/orion-capture-display/internal/drm"
)

func TestParseArgs(t *testing.T) {
	a := args.New([]string{"-w", "640x480", "-1", "-t", "auto", "-s", "30:1280x720", "-s", "31@41:1920x1080", "-nm"})

	opts, err := kms.ParseArgs(a)
	require.NoError(t, err)
	assert.False(t, opts.Multiplanar)
	assert.Equal(t, drm.TilingAuto, opts.Tiling)
	assert.True(t, opts.NoMaster)
	assert.Equal(t, []drm.OutputSpec{
		{Connector: 30, Mode: "1280x720"},
		{Connector: 31, CRTC: 41, Mode: "1920x1080"},
	}, opts.Outputs)
	assert.Equal(t, drm.DefaultFlipTimeout, opts.FlipTimeout)

	// Arguments for other backends are left alone.
	assert.Equal(t, []string{"-w", "640x480"}, a.Remaining())
}

func TestParseArgsDefaults(t *testing.T) {
	opts, err := kms.ParseArgs(args.New([]string{"-s", "30:1280x720"}))
	require.NoError(t, err)
	assert.True(t, opts.Multiplanar)
	assert.Equal(t, drm.TilingNone, opts.Tiling)
	assert.False(t, opts.NoMaster)
}

func TestParseArgsDeclinesWithoutOutput(t *testing.T) {
	_, err := kms.ParseArgs(args.New([]string{"-1"}))
	assert.ErrorIs(t, err, display.ErrDecline)
}

func TestParseArgsInvalid(t *testing.T) {
	for _, argv := range [][]string{
		{"-s", "30:1280x720", "-t", "12"},
		{"-s", "30:1280x720", "-t"},
		{"-s", "thirty:1280x720"},
		{"-s"},
	} {
		_, err := kms.ParseArgs(args.New(argv))
		assert.Error(t, err, "%v", argv)
		assert.NotErrorIs(t, err, display.ErrDecline, "%v", argv)
	}
}
