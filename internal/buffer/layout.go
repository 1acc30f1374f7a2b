package buffer

import (
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

// Request describes one allocation in pixels of a given storage size.
type Request struct {
	Width        uint32
	Height       uint32
	BitsPerPixel uint32
}

// Allocator hands out exportable device memory.
type Allocator interface {
	Allocate(r Request) (Allocation, error)
	Free(a Allocation) error
}

type planeRef struct {
	alloc int
	// offset is computed once the allocations exist, since it depends on
	// the real pitch.
	offset func(a []Allocation) uint32
	pitch  func(a []Allocation) uint32
}

func atStart(_ []Allocation) uint32 { return 0 }

func pitchOf(i int) func([]Allocation) uint32 {
	return func(a []Allocation) uint32 { return a[i].Pitch }
}

// layout returns the allocations a buffer of the given format needs and how
// its image planes map onto them.
func layout(format fourcc.Code, w, h uint32, multiplanar bool) ([]Request, []planeRef, bool, error) {
	bpp, err := fourcc.BitsPerPixel(format)
	if err != nil {
		return nil, nil, false, err
	}

	switch fourcc.Normalize(format) {
	case fourcc.NV12:
		if multiplanar {
			reqs := []Request{
				{Width: w, Height: h, BitsPerPixel: 8},
				{Width: w / 2, Height: h / 2, BitsPerPixel: 16},
			}
			planes := []planeRef{
				{alloc: 0, offset: atStart, pitch: pitchOf(0)},
				{alloc: 1, offset: atStart, pitch: pitchOf(1)},
			}
			return reqs, planes, true, nil
		}
		reqs := []Request{{Width: w, Height: h * 3 / 2, BitsPerPixel: 8}}
		planes := []planeRef{
			{alloc: 0, offset: atStart, pitch: pitchOf(0)},
			{alloc: 0, offset: func(a []Allocation) uint32 { return a[0].Pitch * h }, pitch: pitchOf(0)},
		}
		return reqs, planes, false, nil

	case fourcc.I420:
		if multiplanar {
			reqs := []Request{
				{Width: w, Height: h, BitsPerPixel: 8},
				{Width: w / 2, Height: h / 2, BitsPerPixel: 8},
				{Width: w / 2, Height: h / 2, BitsPerPixel: 8},
			}
			planes := []planeRef{
				{alloc: 0, offset: atStart, pitch: pitchOf(0)},
				{alloc: 1, offset: atStart, pitch: pitchOf(1)},
				{alloc: 2, offset: atStart, pitch: pitchOf(2)},
			}
			return reqs, planes, true, nil
		}
		reqs := []Request{{Width: w, Height: h + h/2, BitsPerPixel: 8}}
		half := func(a []Allocation) uint32 { return a[0].Pitch / 2 }
		planes := []planeRef{
			{alloc: 0, offset: atStart, pitch: pitchOf(0)},
			{alloc: 0, offset: func(a []Allocation) uint32 { return a[0].Pitch * h }, pitch: half},
			{alloc: 0, offset: func(a []Allocation) uint32 { return a[0].Pitch*h + (a[0].Pitch/2)*(h/2) }, pitch: half},
		}
		return reqs, planes, false, nil
	}

	reqs := []Request{{Width: w, Height: h, BitsPerPixel: bpp}}
	planes := []planeRef{{alloc: 0, offset: atStart, pitch: pitchOf(0)}}
	return reqs, planes, true, nil
}
