package wayland

import (
	"net"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeCompositor speaks the server side of the protocol subset over one end
// of a socket pair and records what the client asked for.
type fakeCompositor struct {
	t    *testing.T
	conn *conn

	globals []Global

	mu          sync.Mutex
	objects     map[uint32]string
	requests    []string
	pongs       []uint32
	acks        []uint32
	titles      []string
	destination [2]int32
	sources     [][4]float64
	attached    []uint32
	callbacks   []uint32
	buffers     map[uint32]fakeBuffer
	params      map[uint32][]fakePlane
	destroyed   []string

	done chan struct{}
}

type fakePlane struct {
	Index, Offset, Stride uint32
}

type fakeBuffer struct {
	Width, Height int32
	Format        uint32
	Planes        []fakePlane
}

func socketPair(t *testing.T) (client, server *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fileConn(t, fds[0], "client"), fileConn(t, fds[1], "server")
}

func fileConn(t *testing.T, fd int, name string) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), name)
	defer f.Close()
	c, err := net.FileConn(f)
	require.NoError(t, err)
	return c.(*net.UnixConn)
}

var fullGlobals = []Global{
	{Name: 1, Interface: ifaceCompositor, Version: 5},
	{Name: 2, Interface: ifaceXdgWmBase, Version: 2},
	{Name: 3, Interface: ifaceViewporter, Version: 1},
	{Name: 4, Interface: ifaceLinuxDmabuf, Version: 3},
	{Name: 5, Interface: "wl_seat", Version: 7},
}

// newFakeCompositor serves globals and returns the client end.
func newFakeCompositor(t *testing.T, globals []Global) (*fakeCompositor, *net.UnixConn) {
	client, server := socketPair(t)
	f := &fakeCompositor{
		t:       t,
		conn:    newConn(server),
		globals: globals,
		objects: map[uint32]string{displayObject: "wl_display"},
		buffers: make(map[uint32]fakeBuffer),
		params:  make(map[uint32][]fakePlane),
		done:    make(chan struct{}),
	}
	go f.serve()
	t.Cleanup(func() {
		_ = f.conn.close()
		<-f.done
	})
	return f, client
}

func (f *fakeCompositor) send(m *message) {
	if err := f.conn.send(m); err != nil {
		f.t.Logf("fake compositor send: %v", err)
	}
}

func (f *fakeCompositor) serve() {
	defer close(f.done)
	for {
		m, err := f.conn.recv()
		if err != nil {
			return
		}
		f.handle(m)
	}
}

func (f *fakeCompositor) handle(m *message) {
	d := m.decoder()

	f.mu.Lock()
	defer f.mu.Unlock()

	iface := f.objects[m.sender]
	f.requests = append(f.requests, iface)

	switch iface {
	case "wl_display":
		id := d.uint()
		switch m.opcode {
		case displaySync:
			f.send(newMessage(id, callbackEventDone).putUint(0))
			f.send(newMessage(displayObject, displayEventDeleteID).putUint(id))
		case displayGetRegistry:
			f.objects[id] = "wl_registry"
			for _, g := range f.globals {
				f.send(newMessage(id, registryEventGlobal).
					putUint(g.Name).putString(g.Interface).putUint(g.Version))
			}
		}
	case "wl_registry":
		d.uint()
		name := d.string()
		d.uint()
		f.objects[d.uint()] = name
	case ifaceCompositor:
		f.objects[d.uint()] = "wl_surface"
	case "wl_surface":
		switch m.opcode {
		case surfaceAttach:
			f.attached = append(f.attached, d.uint())
		case surfaceFrame:
			id := d.uint()
			f.objects[id] = "wl_callback"
			f.callbacks = append(f.callbacks, id)
		case surfaceDestroy:
			f.destroyed = append(f.destroyed, iface)
		}
	case ifaceXdgWmBase:
		switch m.opcode {
		case wmBaseGetXdgSurface:
			f.objects[d.uint()] = "xdg_surface"
		case wmBasePong:
			f.pongs = append(f.pongs, d.uint())
		case wmBaseDestroy:
			f.destroyed = append(f.destroyed, iface)
		}
	case "xdg_surface":
		switch m.opcode {
		case xdgSurfaceGetToplevel:
			id := d.uint()
			f.objects[id] = "xdg_toplevel"
			f.send(newMessage(id, toplevelEventConfigure).putInt(0).putInt(0).putArray(nil))
			f.send(newMessage(m.sender, xdgSurfaceEventConfigure).putUint(7))
		case xdgSurfaceAckConfigure:
			f.acks = append(f.acks, d.uint())
		case xdgSurfaceDestroy:
			f.destroyed = append(f.destroyed, iface)
		}
	case "xdg_toplevel":
		switch m.opcode {
		case toplevelSetTitle:
			f.titles = append(f.titles, d.string())
		case toplevelDestroy:
			f.destroyed = append(f.destroyed, iface)
		}
	case ifaceViewporter:
		if m.opcode == viewporterGetViewport {
			f.objects[d.uint()] = "wp_viewport"
		}
	case "wp_viewport":
		switch m.opcode {
		case viewportSetDestination:
			f.destination = [2]int32{d.int(), d.int()}
		case viewportSetSource:
			f.sources = append(f.sources, [4]float64{d.fixed(), d.fixed(), d.fixed(), d.fixed()})
		case viewportDestroy:
			f.destroyed = append(f.destroyed, iface)
		}
	case ifaceLinuxDmabuf:
		if m.opcode == dmabufCreateParams {
			f.objects[d.uint()] = "zwp_linux_buffer_params_v1"
		}
	case "zwp_linux_buffer_params_v1":
		switch m.opcode {
		case paramsAdd:
			fd, err := f.conn.takeFD()
			if err != nil {
				f.t.Errorf("params.add without descriptor")
				return
			}
			_ = unix.Close(fd)
			p := fakePlane{Index: d.uint(), Offset: d.uint(), Stride: d.uint()}
			f.params[m.sender] = append(f.params[m.sender], p)
		case paramsCreateImmed:
			id := d.uint()
			f.objects[id] = "wl_buffer"
			f.buffers[id] = fakeBuffer{
				Width:  d.int(),
				Height: d.int(),
				Format: d.uint(),
				Planes: f.params[m.sender],
			}
		}
	case "wl_buffer":
		if m.opcode == bufferDestroy {
			f.destroyed = append(f.destroyed, iface)
			f.send(newMessage(displayObject, displayEventDeleteID).putUint(m.sender))
		}
	}
}

// frameDone fires every requested frame callback, oldest first.
func (f *fakeCompositor) frameDone() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.callbacks {
		f.send(newMessage(id, callbackEventDone).putUint(16))
		f.send(newMessage(displayObject, displayEventDeleteID).putUint(id))
	}
	f.callbacks = nil
}

func (f *fakeCompositor) ping(serial uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, iface := range f.objects {
		if iface == ifaceXdgWmBase {
			f.send(newMessage(id, wmBaseEventPing).putUint(serial))
		}
	}
}

func (f *fakeCompositor) protocolError(obj, code uint32, msg string) {
	f.send(newMessage(displayObject, displayEventError).putUint(obj).putUint(code).putString(msg))
}

func (f *fakeCompositor) snapshot(fn func(f *fakeCompositor)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}
