// Package cube shows video buffers as textures on the faces of a spinning
// cube, rendered with GLES into scanout buffers of one connector.
//
// Producers never touch GL: PostVideoBuffer only drops the buffer into its
// face's slot. A render goroutine, locked to its OS thread for the GL
// context, redraws every face each cycle and page-flips the result.
package cube

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/drm"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

var ErrFacesExhausted = errors.New("cube: every face already has a producer")

var textureFormats = map[fourcc.Code]bool{
	fourcc.AR24: true,
	fourcc.YUYV: true,
	fourcc.UYVY: true,
	fourcc.NV12: true,
}

// Backend is the cube display.
type Backend struct {
	ctx      *display.Context
	card     drm.Device
	alloc    *drm.Allocator
	renderer Renderer
	opts     Options
	log      *logrus.Entry
	out      *drm.Output

	faces     [Faces]faceSlot
	producers atomic.Int32

	mu        sync.Mutex
	pools     []*buffer.Pool
	faceOf    map[*buffer.Buffer]int
	renderErr error

	// Owned by the render goroutine.
	textures map[*buffer.Buffer]uint32
	failed   map[*buffer.Buffer]bool
	flipSeq  uint64

	stop chan struct{}
	done chan struct{}

	frames       atomic.Uint64
	flipTimeouts atomic.Uint64
}

var _ display.Backend = (*Backend)(nil)

// NewOpener returns the cube entry of a backend chain. newRenderer is only
// called once the cube was asked for.
func NewOpener(newRenderer func() Renderer) display.Opener {
	return display.Opener{
		Name: "kmscube",
		Open: func(c *display.Context, a *args.Args) (display.Backend, error) {
			opts, err := ParseArgs(a)
			if err != nil {
				return nil, err
			}
			return Open(c, opts, newRenderer())
		},
	}
}

// Open picks the connector, starts the render goroutine and waits until it
// set the mode.
func Open(c *display.Context, opts Options, r Renderer) (*Backend, error) {
	card, err := c.Acquire()
	if err != nil {
		return nil, err
	}
	b := &Backend{
		ctx:      c,
		card:     card,
		renderer: r,
		opts:     opts,
		faceOf:   make(map[*buffer.Buffer]int),
		textures: make(map[*buffer.Buffer]uint32),
		failed:   make(map[*buffer.Buffer]bool),
		log: c.Log.WithFields(logrus.Fields{
			"component": "kmscube",
		}),
	}

	if err := b.setup(); err != nil {
		b.release()
		return nil, err
	}

	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	ready := make(chan error, 1)
	go b.run(ready)
	if err := <-ready; err != nil {
		<-b.done
		b.release()
		return nil, fmt.Errorf("cube render setup: %w", err)
	}

	b.log.WithFields(logrus.Fields{
		"connector": b.out.Connector,
		"crtc":      b.out.CRTC,
		"mode":      b.out.Mode.Name,
		"distance":  opts.Distance,
		"fov":       opts.FOV,
	}).Info("display initialized, render goroutine started")
	return b, nil
}

func (b *Backend) setup() error {
	alloc, err := drm.NewAllocator(b.card)
	if err != nil {
		return err
	}
	b.alloc = alloc

	res, err := b.card.Resources()
	if err != nil {
		return fmt.Errorf("cube resources: %w", err)
	}

	var conn *drm.Connector
	for _, id := range res.Connectors {
		if id != b.opts.Connector {
			continue
		}
		c, err := b.card.Connector(id)
		if err != nil {
			return fmt.Errorf("connector %d: %w", id, err)
		}
		if c.Connection == drm.Connected {
			conn = c
		}
	}
	if conn == nil {
		return fmt.Errorf("%w: no connected connector %d", drm.ErrNoConnector, b.opts.Connector)
	}

	mode, ok := drm.LargestMode(conn.Modes)
	if !ok {
		return fmt.Errorf("%w: connector %d has no modes", drm.ErrNoMode, conn.ID)
	}
	out, err := drm.ResolveOutput(b.card, res, drm.OutputSpec{Connector: conn.ID, Mode: mode.Name})
	if err != nil {
		return err
	}
	out.Mode = mode
	b.out = out
	return nil
}

func (b *Backend) run(ready chan<- error) {
	defer close(b.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := b.start(); err != nil {
		_ = b.renderer.Close()
		ready <- err
		return
	}
	ready <- nil

	defer func() {
		if err := b.renderer.Close(); err != nil {
			b.log.WithError(err).Warn("renderer close failed")
		}
	}()

	aspect := float32(b.out.Mode.HDisplay) / float32(b.out.Mode.VDisplay)
	for frame := uint32(0); ; frame++ {
		select {
		case <-b.stop:
			return
		default:
		}

		err := b.cycle(FrameTransforms(frame, b.opts.Distance, b.opts.FOV, aspect))
		if errors.Is(err, drm.ErrFlipTimeout) {
			b.flipTimeouts.Add(1)
			b.log.WithError(err).Error("flip not completed")
			continue
		}
		if err != nil {
			b.log.WithError(err).Error("render stopped")
			b.mu.Lock()
			b.renderErr = err
			b.mu.Unlock()
			return
		}
	}
}

// start brings up GL and sets the mode with a cleared frame.
func (b *Backend) start() error {
	w, h := uint32(b.out.Mode.HDisplay), uint32(b.out.Mode.VDisplay)
	if err := b.renderer.Init(b.card, w, h); err != nil {
		return err
	}
	fb, err := b.renderer.Clear()
	if err != nil {
		return err
	}
	if err := b.card.SetCrtc(b.out.CRTC, fb, 0, 0, []uint32{b.out.Connector}, &b.out.Mode); err != nil {
		return fmt.Errorf("failed to set mode: %w", err)
	}
	return nil
}

// cycle draws all faces and flips to the result.
func (b *Backend) cycle(t Transforms) error {
	f := Frame{Transforms: t}
	producers := max(1, int(b.producers.Load()))
	for face := 0; face < Faces; face++ {
		if buf := b.faces[face%producers].latest(); buf != nil {
			f.Textures[face] = b.texture(buf)
		}
	}

	fb, err := b.renderer.Draw(f)
	if err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	b.flipSeq++
	if err := b.card.PageFlip(b.out.CRTC, fb, drm.FlipFlagEvent, b.flipSeq); err != nil {
		return fmt.Errorf("failed to queue page flip: %w", err)
	}
	if err := drm.WaitFlips(b.card, 1, b.opts.FlipTimeout); err != nil {
		return err
	}
	b.renderer.Flipped()
	b.frames.Add(1)
	return nil
}

func (b *Backend) texture(buf *buffer.Buffer) uint32 {
	if tex, ok := b.textures[buf]; ok {
		return tex
	}
	if b.failed[buf] {
		return 0
	}
	tex, err := b.renderer.Import(buf)
	if err != nil {
		b.log.WithError(err).WithField("buffer", buf.Index).Warn("texture import failed")
		b.failed[buf] = true
		return 0
	}
	b.textures[buf] = tex
	return tex
}

func (b *Backend) Name() string { return "kmscube" }

func (b *Backend) Size() (uint32, uint32) {
	return uint32(b.out.Mode.HDisplay), uint32(b.out.Mode.VDisplay)
}

// Frames counts completed render cycles.
func (b *Backend) Frames() uint64 { return b.frames.Load() }

// FlipTimeouts counts cycles whose flip event never came.
func (b *Backend) FlipTimeouts() uint64 { return b.flipTimeouts.Load() }

// FaceStats describes the mailbox of face.
func (b *Backend) FaceStats(face int) FaceStats { return b.faces[face].stats() }

// AcquireBuffers is not offered; the cube only shows video buffers.
func (b *Backend) AcquireBuffers(int) ([]*buffer.Buffer, error) {
	return nil, fmt.Errorf("%w: cube has no full-screen buffers", display.ErrNotSupported)
}

// AcquireVideoBuffers allocates single-allocation buffers. Every buffer of
// one call belongs to the same, next free, face.
func (b *Backend) AcquireVideoBuffers(n int, format fourcc.Code, w, h uint32) ([]*buffer.Buffer, error) {
	format = fourcc.Normalize(format)
	if !textureFormats[format] {
		return nil, fmt.Errorf("%w: cube texture format %s", display.ErrNotSupported, format)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	face := int(b.producers.Load())
	if face >= Faces {
		return nil, ErrFacesExhausted
	}

	pool := buffer.NewPool(b.alloc,
		buffer.WithMultiplanar(false),
		buffer.WithLogger(b.log.WithField("face", face)),
	)
	bufs, err := pool.Allocate(n, format, w, h)
	if err != nil {
		return nil, err
	}
	for _, buf := range bufs {
		b.faceOf[buf] = face
	}
	b.pools = append(b.pools, pool)
	b.producers.Add(1)
	return bufs, nil
}

// PostBuffer is not offered.
func (b *Backend) PostBuffer(*buffer.Buffer) error {
	return fmt.Errorf("%w: cube only posts video buffers", display.ErrNotSupported)
}

// PostVideoBuffer makes buf the newest frame of its face. The region is not
// applied; faces always show the whole buffer.
func (b *Backend) PostVideoBuffer(buf *buffer.Buffer, _ display.Rect) error {
	b.mu.Lock()
	face, ok := b.faceOf[buf]
	err := b.renderErr
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: buffer %d has no face", buffer.ErrUnknownBuffer, buf.Index)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", display.ErrPresentFailed, err)
	}
	b.faces[face].publish(buf)
	return nil
}

// Close stops the render goroutine, then frees the buffers and the card.
func (b *Backend) Close() error {
	if b.stop != nil {
		close(b.stop)
		<-b.done
		b.stop = nil
	}
	for i := range b.faces {
		b.faces[i].close()
	}
	return b.release()
}

func (b *Backend) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for _, p := range b.pools {
		errs = append(errs, p.ReleaseAll())
	}
	b.pools = nil
	if b.card != nil {
		errs = append(errs, b.ctx.Release())
		b.card = nil
	}
	return errors.Join(errs...)
}
