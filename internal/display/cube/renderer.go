package cube

import (
	"errors"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/drm"
)

// Faces is the number of cube faces.
const Faces = 6

// ErrNoRenderer is returned when the binary was built without GL support.
var ErrNoRenderer = errors.New("cube: built without EGL/GLES support")

// Frame is what the renderer draws in one cycle. A zero texture leaves the
// face untextured.
type Frame struct {
	Textures [Faces]uint32
	Transforms
}

// Renderer draws the cube into scanout buffers of the card. All methods are
// called from the render goroutine, which is locked to its OS thread.
type Renderer interface {
	// Init creates the GL context and a width×height scanout surface.
	Init(card drm.Device, width, height uint32) error
	// Clear fills the surface and returns the framebuffer to scan out.
	Clear() (fb uint32, err error)
	// Import turns buf into an external texture.
	Import(buf *buffer.Buffer) (texture uint32, err error)
	// Draw renders f and returns the framebuffer to scan out.
	Draw(f Frame) (fb uint32, err error)
	// Flipped reports that the last returned framebuffer is on screen, so
	// the one before it may be rendered into again.
	Flipped()
	Close() error
}
