// Package kms presents buffers with kernel mode-setting: full frames through
// mode-set and page-flip on the primary plane, video frames on overlay
// planes.
package kms

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/drm"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

// overlayZOrder puts video planes above the primary plane.
const overlayZOrder = 3

var ErrNoOutput = errors.New("kms: no connector could be resolved")

type output struct {
	drm.Output
	plane *drm.Plane
}

// Backend is the mode-setting display.
type Backend struct {
	ctx   *display.Context
	card  drm.Device
	alloc *drm.Allocator
	opts  Options
	log   *logrus.Entry

	planeIDs []uint32
	outputs  []*output
	width    uint32
	height   uint32

	mu          sync.Mutex
	pools       []*buffer.Pool
	fbs         map[*buffer.Buffer]uint32
	current     *buffer.Buffer
	holdsMaster bool
	flipSeq     uint64
}

var _ display.Backend = (*Backend)(nil)

// NewOpener returns the kms entry of a backend chain. background is the
// primary plane colour as hex.
func NewOpener(background string) display.Opener {
	return display.Opener{
		Name: "kms",
		Open: func(c *display.Context, a *args.Args) (display.Backend, error) {
			opts, err := ParseArgs(a)
			if err != nil {
				return nil, err
			}
			if background != "" {
				opts.Background = background
			}
			return Open(c, opts)
		},
	}
}

// Open resolves the requested outputs, then allocates and shows the
// background frame, which sets the modes.
func Open(c *display.Context, opts Options) (*Backend, error) {
	card, err := c.Acquire()
	if err != nil {
		return nil, err
	}

	b := &Backend{
		ctx:         c,
		card:        card,
		opts:        opts,
		fbs:         make(map[*buffer.Buffer]uint32),
		holdsMaster: true,
		log: c.Log.WithFields(logrus.Fields{
			"component": "kms",
		}),
	}
	if err := b.setup(); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) setup() error {
	alloc, err := drm.NewAllocator(b.card, drm.WithTiling(b.opts.Tiling), drm.WithScanout(true))
	if err != nil {
		return err
	}
	b.alloc = alloc

	res, err := b.card.Resources()
	if err != nil {
		return fmt.Errorf("kms resources: %w", err)
	}
	b.planeIDs, err = b.card.PlaneResources()
	if err != nil {
		return fmt.Errorf("kms plane resources: %w", err)
	}

	for _, spec := range b.opts.Outputs {
		out, err := drm.ResolveOutput(b.card, res, spec)
		if err != nil {
			b.log.WithError(err).WithField("output", spec.String()).Error("output skipped")
			continue
		}
		b.outputs = append(b.outputs, &output{Output: *out})
		// Outputs sit side by side in one virtual display.
		b.width += uint32(out.Mode.HDisplay)
		b.height = max(b.height, uint32(out.Mode.VDisplay))
		b.log.WithFields(logrus.Fields{
			"connector": out.Connector,
			"crtc":      out.CRTC,
			"pipe":      out.Pipe,
			"mode":      out.Mode.Name,
		}).Info("output resolved")
	}
	if len(b.outputs) == 0 {
		return ErrNoOutput
	}

	b.log.WithFields(logrus.Fields{
		"outputs":     len(b.outputs),
		"width":       b.width,
		"height":      b.height,
		"multiplanar": b.opts.Multiplanar,
		"allocator":   alloc.Driver(),
	}).Info("kms display ready")

	bufs, err := b.AcquireBuffers(1)
	if err != nil {
		return err
	}
	if err := b.paint(bufs[0]); err != nil {
		b.log.WithError(err).Warn("background not drawn")
	}
	return b.PostBuffer(bufs[0])
}

func (b *Backend) paint(buf *buffer.Buffer) error {
	mem, err := b.alloc.Map(buf.Allocations[0])
	if err != nil {
		return err
	}
	return renderBackground(mem, buf.Planes[0].Pitch, buf.Width, buf.Height, b.opts.Background)
}

func (b *Backend) Name() string { return "kms" }

func (b *Backend) Size() (uint32, uint32) { return b.width, b.height }

// AcquireBuffers allocates full-display buffers for PostBuffer.
func (b *Backend) AcquireBuffers(n int) ([]*buffer.Buffer, error) {
	return b.AcquireVideoBuffers(n, fourcc.XR24, b.width, b.height)
}

// AcquireVideoBuffers allocates scanout buffers and registers a framebuffer
// for each.
func (b *Backend) AcquireVideoBuffers(n int, format fourcc.Code, w, h uint32) ([]*buffer.Buffer, error) {
	pool := buffer.NewPool(b.alloc,
		buffer.WithMultiplanar(b.opts.Multiplanar),
		buffer.WithLogger(b.log.WithField("pool", format.String())),
	)
	bufs, err := pool.Allocate(n, format, w, h)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, buf := range bufs {
		handles, pitches, offsets := buf.FramebufferLayout()
		fb, err := b.card.AddFB2(drm.Framebuffer{
			Width:   buf.Width,
			Height:  buf.Height,
			Format:  uint32(buf.Format),
			Handles: handles,
			Pitches: pitches,
			Offsets: offsets,
		})
		if err != nil {
			for _, done := range bufs {
				if id, ok := b.fbs[done]; ok {
					_ = b.card.RemoveFB(id)
					delete(b.fbs, done)
				}
			}
			return nil, errors.Join(fmt.Errorf("add framebuffer: %w", err), pool.ReleaseAll())
		}
		b.fbs[buf] = fb
	}
	b.pools = append(b.pools, pool)
	return bufs, nil
}

func (b *Backend) framebuffer(buf *buffer.Buffer) (uint32, error) {
	fb, ok := b.fbs[buf]
	if !ok {
		return 0, fmt.Errorf("%w: buffer %d has no framebuffer", buffer.ErrUnknownBuffer, buf.Index)
	}
	return fb, nil
}

// PostBuffer shows buf on every output. The first post sets the modes; later
// posts flip and wait for completion. A failing output does not stop the
// others.
func (b *Backend) PostBuffer(buf *buffer.Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fb, err := b.framebuffer(buf)
	if err != nil {
		return err
	}

	var errs []error
	pending := 0
	x := uint32(0)
	for _, o := range b.outputs {
		if b.current == nil {
			b.log.WithFields(logrus.Fields{
				"connector": o.Connector,
				"crtc":      o.CRTC,
				"mode":      o.Mode.Name,
			}).Info("setting mode")
			err = b.card.SetCrtc(o.CRTC, fb, x, 0, []uint32{o.Connector}, &o.Mode)
			x += uint32(o.Mode.HDisplay)
		} else {
			b.flipSeq++
			err = b.card.PageFlip(o.CRTC, fb, drm.FlipFlagEvent, b.flipSeq)
			if err == nil {
				pending++
			}
		}
		if err != nil {
			b.log.WithError(err).WithField("crtc", o.CRTC).Error("could not post buffer")
			errs = append(errs, fmt.Errorf("crtc %d: %w", o.CRTC, err))
		}
	}

	if pending > 0 {
		if err := drm.WaitFlips(b.card, pending, b.opts.FlipTimeout); err != nil {
			b.log.WithError(err).Error("flip not completed")
			errs = append(errs, err)
		}
	}

	b.current = buf
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", display.ErrPresentFailed, errors.Join(errs...))
	}
	return nil
}

// PostVideoBuffer shows region of buf on an overlay plane of every output.
func (b *Backend) PostVideoBuffer(buf *buffer.Buffer, region display.Rect) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	fb, err := b.framebuffer(buf)
	if err != nil {
		return err
	}

	var errs []error
	for _, o := range b.outputs {
		if o.plane == nil {
			b.claimPlane(o)
		}
		if o.plane == nil {
			b.log.WithField("crtc", o.CRTC).Warn("could not find plane for crtc")
			errs = append(errs, fmt.Errorf("crtc %d: no free overlay plane", o.CRTC))
			continue
		}

		g := display.OverlayGeometry(buf.Width, buf.Height, buf.NoScale, region,
			uint32(o.Mode.HDisplay), uint32(o.Mode.VDisplay))
		err := b.card.SetPlane(drm.PlaneUpdate{
			Plane: o.plane.ID,
			CRTC:  o.CRTC,
			FB:    fb,
			CrtcX: g.CrtcX,
			CrtcY: g.CrtcY,
			CrtcW: g.CrtcW,
			CrtcH: g.CrtcH,
			SrcX:  g.SrcX,
			SrcY:  g.SrcY,
			SrcW:  g.SrcW,
			SrcH:  g.SrcH,
		})
		if err != nil {
			b.log.WithError(err).WithField("plane", o.plane.ID).Error("failed to enable plane")
			errs = append(errs, fmt.Errorf("plane %d: %w", o.plane.ID, err))
		}
	}

	if b.opts.NoMaster && b.holdsMaster {
		// The planes stay ours; everything else is left to other clients.
		b.holdsMaster = false
		if err := b.card.DropMaster(); err != nil {
			b.log.WithError(err).Warn("drop master failed")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", display.ErrPresentFailed, errors.Join(errs...))
	}
	return nil
}

// claimPlane scans every plane for a free one that can drive o's pipe. The
// claim lasts for the life of the display context.
func (b *Backend) claimPlane(o *output) {
	for i, id := range b.planeIDs {
		if b.ctx.PlaneClaimed(i) {
			continue
		}
		p, err := b.card.Plane(id)
		if err != nil {
			b.log.WithError(err).WithField("plane", id).Debug("plane query failed")
			continue
		}
		if p.PossibleCRTCs&(1<<uint(o.Pipe)) == 0 {
			continue
		}
		if !b.ctx.ClaimPlane(i) {
			continue
		}
		o.plane = p

		prop, err := b.card.PropertyID(p.ID, drm.ObjectPlane, "zorder")
		if err == nil {
			err = b.card.SetProperty(p.ID, drm.ObjectPlane, prop, overlayZOrder)
		}
		if err != nil {
			b.log.WithError(err).WithField("plane", p.ID).Debug("z-order not set")
		}
		b.log.WithFields(logrus.Fields{"plane": p.ID, "crtc": o.CRTC}).Info("overlay plane claimed")
		return
	}
}

// Close removes framebuffers, frees every buffer and releases the card.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for buf, fb := range b.fbs {
		if err := b.card.RemoveFB(fb); err != nil {
			errs = append(errs, err)
		}
		delete(b.fbs, buf)
	}
	for _, p := range b.pools {
		errs = append(errs, p.ReleaseAll())
	}
	b.pools = nil
	b.current = nil
	if b.card != nil {
		errs = append(errs, b.ctx.Release())
		b.card = nil
	}
	return errors.Join(errs...)
}
