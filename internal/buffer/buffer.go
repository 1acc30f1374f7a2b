// Package buffer owns the frame buffers shared zero-copy between the capture
// device, the transform device and the display.
//
// A Buffer is backed by one or more device allocations, each exported once as
// a dma-buf descriptor. Devices only ever receive those descriptors; nothing
// downstream allocates or copies frame memory.
package buffer

import (
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

// Allocation is one backing region of device memory.
type Allocation struct {
	Handle uint32 // driver-local handle (GEM)
	FD     int    // exported dma-buf descriptor
	Pitch  uint32 // real allocated stride in bytes
	Size   uint64
}

// Plane is one image plane of a Buffer. Several planes may share an
// allocation at different offsets.
type Plane struct {
	Allocation int
	Handle     uint32
	FD         int
	Pitch      uint32
	Offset     uint32
}

// Buffer is a frame buffer. Index is its identity within the Pool that
// allocated it and is the index handed to V4L2 queues.
type Buffer struct {
	Index       int
	Format      fourcc.Code
	Width       uint32
	Height      uint32
	Planes      []Plane
	Allocations []Allocation

	// Multiplanar is true when every image plane has its own allocation.
	Multiplanar bool

	// NoScale asks overlay presentation to place the buffer at native size.
	NoScale bool
}

// FDs returns one exported descriptor per allocation, in plane order.
func (b *Buffer) FDs() []int {
	fds := make([]int, len(b.Allocations))
	for i, a := range b.Allocations {
		fds[i] = a.FD
	}
	return fds
}

// FramebufferLayout returns the per-plane handles, pitches and offsets in the
// fixed four-slot form used by framebuffer creation.
func (b *Buffer) FramebufferLayout() (handles, pitches, offsets [4]uint32) {
	for i, p := range b.Planes {
		if i == 4 {
			break
		}
		handles[i] = p.Handle
		pitches[i] = p.Pitch
		offsets[i] = p.Offset
	}
	return handles, pitches, offsets
}
