package cube

import (
	"fmt"
	"strconv"
	"time"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/drm"
)

// Options are the cube display arguments.
type Options struct {
	Distance    float32
	FOV         float32
	Connector   uint32
	FlipTimeout time.Duration
}

const Usage = `KMSCUBE display options:
	--distance <float>      set cube distance (default 8.0)
	--fov <float>           set field of vision (default 45.0)
	--kmscube               enable display kmscube (default: disabled)
	--connector <connector_id>      set the connector ID (default: 4)`

// ParseArgs consumes the cube arguments. Without --kmscube the backend
// declines, after its other arguments were consumed.
func ParseArgs(a *args.Args) (Options, error) {
	opts := Options{
		Distance:    8,
		FOV:         45,
		Connector:   4,
		FlipTimeout: drm.DefaultFlipTimeout,
	}

	floats := []struct {
		name string
		dst  *float32
	}{
		{"--distance", &opts.Distance},
		{"--fov", &opts.FOV},
	}
	for _, f := range floats {
		v, ok, err := a.Value(f.name)
		if err != nil {
			return opts, err
		}
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return opts, fmt.Errorf("invalid arg: %s %s", f.name, v)
		}
		*f.dst = float32(n)
	}

	v, ok, err := a.Value("--connector")
	if err != nil {
		return opts, err
	}
	if ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return opts, fmt.Errorf("invalid arg: --connector %s", v)
		}
		opts.Connector = uint32(n)
	}

	if !a.Flag("--kmscube") {
		return opts, display.Decline("no --kmscube given")
	}
	if opts.FOV <= 0 || opts.FOV >= 180 {
		return opts, fmt.Errorf("invalid arg: --fov %g", opts.FOV)
	}
	return opts, nil
}
