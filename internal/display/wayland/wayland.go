// Package wayland presents video buffers as dma-buf surfaces of a Wayland
// compositor. The window is an xdg toplevel; a viewport crops the posted
// region and scales it to the window size.
package wayland

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/args"
	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/drm"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

// requiredGlobals are bound at open; a compositor missing any is declined.
var requiredGlobals = []struct {
	iface   string
	version uint32
}{
	{ifaceCompositor, 4},
	{ifaceXdgWmBase, 1},
	{ifaceViewporter, 1},
	{ifaceLinuxDmabuf, 3},
}

// Formats the compositor is asked to import.
var supportedFormats = map[fourcc.Code]bool{
	fourcc.AR24: true,
	fourcc.XR24: true,
	fourcc.UYVY: true,
	fourcc.YUYV: true,
	fourcc.NV12: true,
}

// Backend is a Wayland window.
type Backend struct {
	ctx    *display.Context
	client *Client
	alloc  *drm.Allocator
	opts   Options
	log    *logrus.Entry

	compositor uint32
	wmBase     uint32
	viewporter uint32
	dmabuf     uint32
	surface    uint32
	xdgSurface uint32
	toplevel   uint32
	viewport   uint32

	mu        sync.Mutex
	held      bool
	pools     []*buffer.Pool
	wlBuffers map[*buffer.Buffer]uint32

	// frameCB is the pending frame callback, 0 when none.
	frameCB          atomic.Uint32
	configured       atomic.Bool
	closeRequested   atomic.Bool
	framesShown      atomic.Uint64
	callbacksDropped atomic.Uint64
}

var _ display.Backend = (*Backend)(nil)

// NewOpener returns the wayland entry of a backend chain.
func NewOpener() display.Opener {
	return display.Opener{
		Name: "wayland",
		Open: func(c *display.Context, a *args.Args) (display.Backend, error) {
			opts, err := ParseArgs(a)
			if err != nil {
				return nil, err
			}
			return Open(c, opts)
		},
	}
}

// Open connects to the compositor socket. A compositor that cannot be
// reached is a decline so the chain can fall back to direct mode-setting.
func Open(c *display.Context, opts Options) (*Backend, error) {
	path := opts.Socket
	if path == "" {
		p, err := SocketPath()
		if err != nil {
			return nil, display.Decline("wayland: %v", err)
		}
		path = p
	}
	uc, err := Dial(path)
	if err != nil {
		c.Log.WithError(err).Warn("failed to connect to Wayland display")
		return nil, display.Decline("wayland: %v", err)
	}
	return OpenConn(c, uc, opts)
}

// OpenConn creates the window over an established connection, which it
// takes ownership of.
func OpenConn(c *display.Context, uc *net.UnixConn, opts Options) (*Backend, error) {
	log := c.Log.WithFields(logrus.Fields{
		"component": "wayland",
	})
	client := NewClient(uc, log)

	globals, err := client.Globals(opts.Timeout)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("wayland registry: %w", err)
	}
	log.WithField("globals", len(globals)).Info("wayland registries obtained")

	for _, req := range requiredGlobals {
		if _, ok := globals[req.iface]; !ok {
			log.WithField("interface", req.iface).Warn("compositor lacks a required global")
			_ = client.Close()
			return nil, display.Decline("wayland: compositor lacks %s", req.iface)
		}
	}
	if globals[ifaceLinuxDmabuf].Version < dmabufImmedVersion {
		_ = client.Close()
		return nil, display.Decline("wayland: %s version %d cannot create buffers immediately",
			ifaceLinuxDmabuf, globals[ifaceLinuxDmabuf].Version)
	}

	card, err := c.Acquire()
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	b := &Backend{
		ctx:       c,
		client:    client,
		opts:      opts,
		log:       log,
		wlBuffers: make(map[*buffer.Buffer]uint32),
		held:      true,
	}
	b.alloc, err = drm.NewAllocator(card, drm.WithScanout(true))
	if err != nil {
		b.Close()
		return nil, err
	}
	if err := b.createWindow(globals); err != nil {
		b.Close()
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"width":  opts.Width,
		"height": opts.Height,
	}).Info("wayland display opened")
	return b, nil
}

func (b *Backend) createWindow(globals map[string]Global) error {
	ids := []*uint32{&b.compositor, &b.wmBase, &b.viewporter, &b.dmabuf}
	handlers := []handler{nil, b.handleWmBase, nil, nil}
	for i, req := range requiredGlobals {
		id, err := b.client.Bind(globals[req.iface], req.version, handlers[i])
		if err != nil {
			return fmt.Errorf("bind %s: %w", req.iface, err)
		}
		*ids[i] = id
	}

	b.surface = b.client.newID(nil)
	b.xdgSurface = b.client.newID(b.handleXdgSurface)
	b.toplevel = b.client.newID(b.handleToplevel)
	b.viewport = b.client.newID(nil)

	reqs := []*message{
		newMessage(b.compositor, compositorCreateSurface).putUint(b.surface),
		newMessage(b.wmBase, wmBaseGetXdgSurface).putUint(b.xdgSurface).putUint(b.surface),
		newMessage(b.xdgSurface, xdgSurfaceGetToplevel).putUint(b.toplevel),
		newMessage(b.toplevel, toplevelSetTitle).putString(b.opts.Title),
		newMessage(b.toplevel, toplevelSetAppID).putString(b.opts.Title),
		newMessage(b.viewporter, viewporterGetViewport).putUint(b.viewport).putUint(b.surface),
		newMessage(b.viewport, viewportSetDestination).putInt(int32(b.opts.Width)).putInt(int32(b.opts.Height)),
		newMessage(b.surface, surfaceCommit),
	}
	for _, m := range reqs {
		if err := b.client.send(m); err != nil {
			return fmt.Errorf("create window: %w", err)
		}
	}
	// The initial configure arrives before the sync completes.
	return b.client.Roundtrip(b.opts.Timeout)
}

func (b *Backend) handleWmBase(opcode uint16, d *decoder) {
	if opcode != wmBaseEventPing {
		return
	}
	serial := d.uint()
	if err := b.client.send(newMessage(b.wmBase, wmBasePong).putUint(serial)); err != nil {
		b.log.WithError(err).Warn("pong failed")
	}
}

func (b *Backend) handleXdgSurface(opcode uint16, d *decoder) {
	if opcode != xdgSurfaceEventConfigure {
		return
	}
	serial := d.uint()
	if err := b.client.send(newMessage(b.xdgSurface, xdgSurfaceAckConfigure).putUint(serial)); err != nil {
		b.log.WithError(err).Warn("ack configure failed")
		return
	}
	b.configured.Store(true)
}

func (b *Backend) handleToplevel(opcode uint16, d *decoder) {
	switch opcode {
	case toplevelEventConfigure:
		w, h := d.int(), d.int()
		b.log.WithFields(logrus.Fields{"width": w, "height": h}).Debug("toplevel configured")
	case toplevelEventClose:
		b.log.Info("compositor asked to close the window")
		b.closeRequested.Store(true)
	}
}

func (b *Backend) Name() string { return "wayland" }

func (b *Backend) Size() (uint32, uint32) { return b.opts.Width, b.opts.Height }

// Configured reports whether the compositor configured the window.
func (b *Backend) Configured() bool { return b.configured.Load() }

// CloseRequested reports whether the user closed the window.
func (b *Backend) CloseRequested() bool { return b.closeRequested.Load() }

// FramesShown counts completed frame callbacks of the newest commit.
func (b *Backend) FramesShown() uint64 { return b.framesShown.Load() }

// CallbacksDropped counts frame callbacks superseded by a later post.
func (b *Backend) CallbacksDropped() uint64 { return b.callbacksDropped.Load() }

// AcquireBuffers allocates window-sized AR24 buffers.
func (b *Backend) AcquireBuffers(n int) ([]*buffer.Buffer, error) {
	return b.AcquireVideoBuffers(n, fourcc.AR24, b.opts.Width, b.opts.Height)
}

// AcquireVideoBuffers allocates single-allocation buffers and imports each
// into the compositor as a dma-buf wl_buffer.
func (b *Backend) AcquireVideoBuffers(n int, format fourcc.Code, w, h uint32) ([]*buffer.Buffer, error) {
	format = fourcc.Normalize(format)
	if !supportedFormats[format] {
		return nil, fmt.Errorf("%w: wayland format %s", display.ErrNotSupported, format)
	}

	pool := buffer.NewPool(b.alloc,
		buffer.WithMultiplanar(false),
		buffer.WithLogger(b.log.WithField("pool", format.String())),
	)
	bufs, err := pool.Allocate(n, format, w, h)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, buf := range bufs {
		id, err := b.importBuffer(buf)
		if err != nil {
			for _, done := range bufs {
				if wl, ok := b.wlBuffers[done]; ok {
					_ = b.client.send(newMessage(wl, bufferDestroy))
					b.client.forget(wl)
					delete(b.wlBuffers, done)
				}
			}
			return nil, errors.Join(fmt.Errorf("import buffer %d: %w", buf.Index, err), pool.ReleaseAll())
		}
		b.wlBuffers[buf] = id
	}
	b.pools = append(b.pools, pool)
	return bufs, nil
}

func (b *Backend) importBuffer(buf *buffer.Buffer) (uint32, error) {
	params := b.client.newID(func(opcode uint16, _ *decoder) {
		if opcode == paramsEventFailed {
			b.log.WithField("buffer", buf.Index).Error("compositor failed to import buffer")
		}
	})
	defer b.client.forget(params)

	if err := b.client.send(newMessage(b.dmabuf, dmabufCreateParams).putUint(params)); err != nil {
		return 0, err
	}
	for i, p := range buf.Planes {
		// Linear layout, modifier 0.
		m := newMessage(params, paramsAdd).
			putFD(p.FD).
			putUint(uint32(i)).
			putUint(p.Offset).
			putUint(p.Pitch).
			putUint(0).
			putUint(0)
		if err := b.client.send(m); err != nil {
			return 0, err
		}
	}

	wl := b.client.newID(func(opcode uint16, _ *decoder) {
		if opcode == bufferEventRelease {
			b.log.WithField("buffer", buf.Index).Trace("buffer released")
		}
	})
	m := newMessage(params, paramsCreateImmed).
		putUint(wl).
		putInt(int32(buf.Width)).
		putInt(int32(buf.Height)).
		putUint(uint32(buf.Format)).
		putUint(0)
	if err := b.client.send(m); err != nil {
		b.client.forget(wl)
		return 0, err
	}
	if err := b.client.send(newMessage(params, paramsDestroy)); err != nil {
		return 0, err
	}
	return wl, nil
}

// PostBuffer shows the whole of buf.
func (b *Backend) PostBuffer(buf *buffer.Buffer) error {
	return b.PostVideoBuffer(buf, display.Rect{W: buf.Width, H: buf.Height})
}

// PostVideoBuffer attaches buf, crops it to region through the viewport and
// commits. Only the newest frame callback is kept; the call never waits for
// the compositor.
func (b *Backend) PostVideoBuffer(buf *buffer.Buffer, region display.Rect) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	wl, ok := b.wlBuffers[buf]
	if !ok {
		return fmt.Errorf("%w: buffer %d has no wl_buffer", buffer.ErrUnknownBuffer, buf.Index)
	}

	if prev := b.frameCB.Swap(0); prev != 0 {
		b.client.forget(prev)
		b.callbacksDropped.Add(1)
	}
	var cb uint32
	cb = b.client.newID(func(opcode uint16, _ *decoder) {
		if opcode == callbackEventDone && b.frameCB.CompareAndSwap(cb, 0) {
			b.framesShown.Add(1)
		}
	})
	b.frameCB.Store(cb)

	reqs := []*message{
		newMessage(b.surface, surfaceAttach).putUint(wl).putInt(0).putInt(0),
		newMessage(b.surface, surfaceDamage).putInt(0).putInt(0).
			putInt(int32(b.opts.Width)).putInt(int32(b.opts.Height)),
		newMessage(b.viewport, viewportSetSource).
			putFixed(float64(region.X)).putFixed(float64(region.Y)).
			putFixed(float64(region.W)).putFixed(float64(region.H)),
		newMessage(b.surface, surfaceFrame).putUint(cb),
		newMessage(b.surface, surfaceCommit),
	}
	for _, m := range reqs {
		if err := b.client.send(m); err != nil {
			return fmt.Errorf("%w: %w", display.ErrPresentFailed, err)
		}
	}
	return nil
}

// Close destroys the window and its buffers, stops the dispatch goroutine
// and releases the card.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var reqs []*message
	for buf, wl := range b.wlBuffers {
		reqs = append(reqs, newMessage(wl, bufferDestroy))
		delete(b.wlBuffers, buf)
	}
	if cb := b.frameCB.Swap(0); cb != 0 {
		b.client.forget(cb)
	}
	for _, o := range []struct {
		id uint32
		op uint16
	}{
		{b.viewport, viewportDestroy},
		{b.toplevel, toplevelDestroy},
		{b.xdgSurface, xdgSurfaceDestroy},
		{b.surface, surfaceDestroy},
		{b.viewporter, viewporterDestroy},
		{b.dmabuf, dmabufDestroy},
		{b.wmBase, wmBaseDestroy},
	} {
		if o.id != 0 {
			reqs = append(reqs, newMessage(o.id, o.op))
		}
	}
	if b.client.Err() == nil {
		for _, m := range reqs {
			if err := b.client.send(m); err != nil {
				break
			}
		}
		// Let the compositor see the destroys before hanging up.
		_ = b.client.Roundtrip(b.opts.Timeout)
	}

	errs := []error{b.client.Close()}
	for _, p := range b.pools {
		errs = append(errs, p.ReleaseAll())
	}
	b.pools = nil
	if b.held {
		errs = append(errs, b.ctx.Release())
		b.held = false
	}
	return errors.Join(errs...)
}
