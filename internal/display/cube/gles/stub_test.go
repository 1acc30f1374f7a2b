//go:build !(linux && cgo && gles)

package gles

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/e7canasta/orion-capture-display/internal/display/cube"
)

func TestStubRefusesToRender(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.Init(nil, 640, 480), cube.ErrNoRenderer)
	_, err := r.Draw(cube.Frame{})
	assert.ErrorIs(t, err, cube.ErrNoRenderer)
	assert.NoError(t, r.Close())
}
