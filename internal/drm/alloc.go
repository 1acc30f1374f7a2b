package drm

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
)

// Tiling selects the OMAP tiler container used for allocations.
type Tiling int

const (
	TilingNone Tiling = iota
	Tiling8
	Tiling16
	Tiling32
	// TilingAuto picks the container from the plane's bits per pixel.
	TilingAuto
)

// ParseTiling parses "8", "16", "32" or "auto".
func ParseTiling(s string) (Tiling, error) {
	if s == "auto" {
		return TilingAuto, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return TilingNone, fmt.Errorf("invalid tiling %q", s)
	}
	switch n {
	case 8:
		return Tiling8, nil
	case 16:
		return Tiling16, nil
	case 32:
		return Tiling32, nil
	case 0:
		return TilingAuto, nil
	}
	return TilingNone, fmt.Errorf("invalid tiling %q", s)
}

func (t Tiling) String() string {
	switch t {
	case TilingNone:
		return "none"
	case Tiling8:
		return "8"
	case Tiling16:
		return "16"
	case Tiling32:
		return "32"
	case TilingAuto:
		return "auto"
	}
	return "unknown"
}

// OMAP buffer object flags.
const (
	OmapScanout uint32 = 0x00000001
	OmapWC      uint32 = 0x00000002
	OmapTiled8  uint32 = 0x00000100
	OmapTiled16 uint32 = 0x00000200
	OmapTiled32 uint32 = 0x00000300
	omapTiled   uint32 = 0x00000f00
)

const (
	tilerWidthAlign = 128
	tilerPitchAlign = 4096
)

func alignUp(v, a uint32) uint32 { return (v + a - 1) &^ (a - 1) }

// Allocator allocates GEM buffer objects on a card and exports them as
// dma-buf descriptors. On omapdrm it uses the OMAP allocator (optionally
// tiled); elsewhere it falls back to dumb buffers.
type Allocator struct {
	dev     GEM
	omap    bool
	tiling  Tiling
	scanout bool
	log     *logrus.Entry

	mu     sync.Mutex
	dumb   map[uint32]bool
	mapped map[int][]byte
}

// AllocOption configures an Allocator.
type AllocOption func(*Allocator)

// WithTiling requests tiled OMAP allocations. Ignored on other drivers.
func WithTiling(t Tiling) AllocOption { return func(a *Allocator) { a.tiling = t } }

// WithScanout marks allocations as scanout capable.
func WithScanout(on bool) AllocOption { return func(a *Allocator) { a.scanout = on } }

// NewAllocator inspects the driver behind dev and returns a matching
// allocator.
func NewAllocator(dev GEM, opts ...AllocOption) (*Allocator, error) {
	name, err := dev.DriverName()
	if err != nil {
		return nil, fmt.Errorf("driver name: %w", err)
	}
	a := &Allocator{
		dev:    dev,
		omap:   name == "omapdrm",
		dumb:   make(map[uint32]bool),
		mapped: make(map[int][]byte),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logrus.WithFields(logrus.Fields{
		"component": "drm-allocator",
		"driver":    name,
		"tiling":    a.tiling.String(),
	})
	return a, nil
}

// Driver reports which allocation path is in use.
func (a *Allocator) Driver() string {
	if a.omap {
		return "omap"
	}
	return "dumb"
}

func (a *Allocator) omapFlags(bpp uint32) uint32 {
	flags := OmapWC
	if a.scanout {
		flags |= OmapScanout
	}
	switch a.tiling {
	case Tiling8:
		flags |= OmapTiled8
	case Tiling16:
		flags |= OmapTiled16
	case Tiling32:
		flags |= OmapTiled32
	case TilingAuto:
		switch bpp {
		case 8:
			flags |= OmapTiled8
		case 16:
			flags |= OmapTiled16
		case 32:
			flags |= OmapTiled32
		}
	}
	return flags
}

// Allocate implements buffer.Allocator.
func (a *Allocator) Allocate(r buffer.Request) (buffer.Allocation, error) {
	var (
		handle uint32
		pitch  uint32
		size   uint64
		err    error
		dumb   bool
	)

	if a.omap {
		flags := a.omapFlags(r.BitsPerPixel)
		pitch = r.Width * r.BitsPerPixel / 8
		if flags&omapTiled != 0 {
			w := alignUp(r.Width, tilerWidthAlign)
			handle, err = a.dev.OmapGemNew(0, uint16(w), uint16(r.Height), flags)
			pitch = alignUp(pitch, tilerPitchAlign)
		} else {
			handle, err = a.dev.OmapGemNew(pitch*r.Height, 0, 0, flags)
		}
		size = uint64(pitch) * uint64(r.Height)
	} else {
		handle, pitch, size, err = a.dev.CreateDumb(r.Width, r.Height, r.BitsPerPixel)
		dumb = true
	}
	if err != nil {
		return buffer.Allocation{}, fmt.Errorf("allocate %dx%d@%d: %w", r.Width, r.Height, r.BitsPerPixel, err)
	}

	fd, err := a.dev.PrimeHandleToFD(handle)
	if err != nil {
		_ = a.destroy(handle, dumb)
		return buffer.Allocation{}, fmt.Errorf("export handle %d: %w", handle, err)
	}

	a.mu.Lock()
	a.dumb[handle] = dumb
	a.mu.Unlock()

	return buffer.Allocation{Handle: handle, FD: fd, Pitch: pitch, Size: size}, nil
}

func (a *Allocator) destroy(handle uint32, dumb bool) error {
	if dumb {
		return a.dev.DestroyDumb(handle)
	}
	return a.dev.GemClose(handle)
}

// Free implements buffer.Allocator.
func (a *Allocator) Free(al buffer.Allocation) error {
	a.mu.Lock()
	dumb, ok := a.dumb[al.Handle]
	delete(a.dumb, al.Handle)
	m := a.mapped[al.FD]
	delete(a.mapped, al.FD)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("free unknown handle %d", al.Handle)
	}

	var first error
	if m != nil {
		if err := a.dev.Unmap(m); err != nil {
			first = err
		}
	}
	if err := a.dev.CloseFD(al.FD); err != nil && first == nil {
		first = err
	}
	if err := a.destroy(al.Handle, dumb); err != nil && first == nil {
		first = err
	}
	return first
}

// Map returns a CPU mapping of al. The mapping lives until Free.
func (a *Allocator) Map(al buffer.Allocation) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m, ok := a.mapped[al.FD]; ok {
		return m, nil
	}
	dumb, ok := a.dumb[al.Handle]
	if !ok {
		return nil, fmt.Errorf("%w: unknown handle %d", ErrNotMappable, al.Handle)
	}

	var (
		m   []byte
		err error
	)
	if dumb {
		m, err = a.dev.MapDumb(al.Handle, al.Size)
	} else {
		m, err = a.dev.MapPrime(al.FD, al.Size)
	}
	if err != nil {
		return nil, fmt.Errorf("map handle %d: %w", al.Handle, err)
	}
	a.mapped[al.FD] = m
	a.log.WithFields(logrus.Fields{"handle": al.Handle, "size": al.Size}).Debug("allocation mapped")
	return m, nil
}
