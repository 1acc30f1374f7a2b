// Package display defines the presentation side of the pipeline: a Backend
// interface implemented by the kms, wayland and cube packages, the shared
// Context they are opened with, and the ordered fallback used to pick one.
package display

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

var (
	// ErrDecline means the backend was not requested or cannot run here. The
	// caller moves on to the next backend.
	ErrDecline = errors.New("display backend declined")
	// ErrNotSupported is returned by operations a backend does not offer.
	ErrNotSupported = errors.New("operation not supported by display backend")
	// ErrPresentFailed wraps a presentation failure on one of several outputs.
	// Outputs that succeeded were updated.
	ErrPresentFailed = errors.New("presentation failed")
	// ErrNoBackend is returned when every backend declined.
	ErrNoBackend = errors.New("no display backend accepted the arguments")
)

// Rect is a region of a buffer, in pixels.
type Rect struct {
	X, Y, W, H uint32
}

func (r Rect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.W, r.H, r.X, r.Y)
}

// Backend presents buffers on some output.
//
// Buffers returned by AcquireBuffers and AcquireVideoBuffers belong to the
// backend and are released by Close. Indices start at 0 for every call.
type Backend interface {
	Name() string
	// Size is the full display area in pixels.
	Size() (width, height uint32)
	AcquireBuffers(n int) ([]*buffer.Buffer, error)
	AcquireVideoBuffers(n int, format fourcc.Code, width, height uint32) ([]*buffer.Buffer, error)
	PostBuffer(b *buffer.Buffer) error
	PostVideoBuffer(b *buffer.Buffer, region Rect) error
	Close() error
}

// Opener constructs one backend variant. Open returns an error wrapping
// ErrDecline when the arguments do not select it.
type Opener struct {
	Name string
	Open func(c *Context, a *args.Args) (Backend, error)
}

// Open tries openers in order and returns the first backend that accepts.
// Declines are logged and skipped; any other error aborts the search.
func Open(c *Context, a *args.Args, openers ...Opener) (Backend, error) {
	var declined []string
	for _, o := range openers {
		b, err := o.Open(c, a)
		if err == nil {
			c.Log.WithField("backend", o.Name).Info("display backend opened")
			return b, nil
		}
		if errors.Is(err, ErrDecline) {
			c.Log.WithFields(logrus.Fields{
				"backend": o.Name,
				"reason":  err.Error(),
			}).Debug("display backend declined")
			declined = append(declined, o.Name)
			continue
		}
		return nil, fmt.Errorf("open %s display: %w", o.Name, err)
	}
	return nil, fmt.Errorf("%w (tried %s)", ErrNoBackend, strings.Join(declined, ", "))
}

// Decline builds an ErrDecline with a reason.
func Decline(format string, v ...any) error {
	return fmt.Errorf("%w: %s", ErrDecline, fmt.Sprintf(format, v...))
}
