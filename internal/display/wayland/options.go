package wayland

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/display"
)

// Options are the wayland display arguments.
type Options struct {
	Width, Height uint32
	// Socket overrides the compositor socket path.
	Socket  string
	Title   string
	Timeout time.Duration
}

const Usage = `WAYLAND display options:
	-w <width>x<height>     set the dimensions of the client window`

// ParseArgs consumes -w. Without it the backend declines.
func ParseArgs(a *args.Args) (Options, error) {
	opts := Options{
		Title:   "capturevpedisplay",
		Timeout: 5 * time.Second,
	}
	v, ok, err := a.Value("-w")
	if err != nil {
		return opts, err
	}
	if !ok {
		return opts, display.Decline("no -w <width>x<height> given")
	}
	var w, h int
	if n, err := fmt.Sscanf(v, "%dx%d", &w, &h); err != nil || n != 2 || w <= 0 || h <= 0 {
		return opts, fmt.Errorf("invalid arg: -w %s", v)
	}
	opts.Width, opts.Height = uint32(w), uint32(h)
	return opts, nil
}
