package kms

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/drm"
)

// Options are the kms display arguments.
type Options struct {
	// Multiplanar allocates planar formats with one allocation per plane.
	Multiplanar bool
	Tiling      drm.Tiling
	Outputs     []drm.OutputSpec
	// NoMaster drops DRM master after the first overlay frame.
	NoMaster    bool
	FlipTimeout time.Duration
	// Background is the hex colour of the primary plane.
	Background string
}

// Usage lists the kms display arguments.
const Usage = `KMS display options:
	-1                      force single-plane buffers
	-t <tiled-mode>         8, 16, 32, or auto
	-s <connector_id>:<mode>        set a mode
	-s <connector_id>@<crtc_id>:<mode>   set a mode on a crtc
	-nm                     drop DRM master after the first frame`

// ParseArgs consumes the kms arguments. Without any -s the backend declines.
func ParseArgs(a *args.Args) (Options, error) {
	opts := Options{
		Multiplanar: true,
		FlipTimeout: drm.DefaultFlipTimeout,
		Background:  "#000000",
	}

	if a.Flag("-1") {
		opts.Multiplanar = false
	}

	if v, ok, err := a.Value("-t"); err != nil {
		return opts, err
	} else if ok {
		t, err := drm.ParseTiling(v)
		if err != nil {
			return opts, err
		}
		opts.Tiling = t
	}

	specs, err := a.Values("-s")
	if err != nil {
		return opts, err
	}
	for _, s := range specs {
		spec, err := drm.ParseOutputSpec(s)
		if err != nil {
			return opts, err
		}
		opts.Outputs = append(opts.Outputs, spec)
	}

	opts.NoMaster = a.Flag("-nm")

	if len(opts.Outputs) == 0 {
		return opts, display.Decline("no -s <connector>:<mode> given")
	}
	return opts, nil
}

func (o Options) String() string {
	return fmt.Sprintf("outputs=%v multiplanar=%t tiling=%s no_master=%t",
		o.Outputs, o.Multiplanar, o.Tiling, o.NoMaster)
}
