//go:build !(linux && cgo && gles)

package gles

import (
	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/display/cube"
	"github.com/e7canasta/orion-capture-display/internal/drm"
)

// Renderer stands in when the binary is built without the gles tag. Init
// always fails with cube.ErrNoRenderer.
type Renderer struct{}

var _ cube.Renderer = (*Renderer)(nil)

func New() cube.Renderer { return &Renderer{} }

func (*Renderer) Init(drm.Device, uint32, uint32) error { return cube.ErrNoRenderer }
func (*Renderer) Clear() (uint32, error) { return 0, cube.ErrNoRenderer }
func (*Renderer) Import(*buffer.Buffer) (uint32, error) { return 0, cube.ErrNoRenderer }
func (*Renderer) Draw(cube.Frame) (uint32, error) { return 0, cube.ErrNoRenderer }
func (*Renderer) Flipped() {}
func (*Renderer) Close() error { return nil }
