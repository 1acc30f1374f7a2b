// Package v4l2test provides a scripted in-memory V4L2 device for tests.
package v4l2test

import (
	"errors"
	"fmt"
	"sync"

	"github.com/e7canasta/orion-capture-display/internal/v4l2"
)

// ErrWouldBlock is returned by DequeueBuffer when a real driver would block.
var ErrWouldBlock = errors.New("fake device: dequeue would block")

type slot struct {
	index uint32
	fds   []int
	field v4l2.Field
}

// Device emulates a capture node or, with M2M set, a memory-to-memory
// transform node.
type Device struct {
	// M2M makes the device process OutputType buffers into CaptureType
	// buffers once both directions stream.
	M2M bool
	// Hold is how many input buffers the transform retains as reference
	// fields before it produces output.
	Hold int
	// Alternate makes a capture device report alternating top/bottom fields.
	Alternate bool
	// MaxBuffers caps RequestBuffers grants when non-zero.
	MaxBuffers uint32
	// Adjust can coerce a format in SetFormat.
	Adjust func(f *v4l2.Format)
	// Fail makes the named operation fail ("s_fmt", "reqbufs", "qbuf", "dqbuf", "streamon", "streamoff").
	Fail map[string]error

	mu        sync.Mutex
	formats   map[v4l2.BufType]v4l2.Format
	queued    map[v4l2.BufType][]slot
	done      map[v4l2.BufType][]slot
	streaming map[v4l2.BufType]bool
	controls  map[uint32]int32
	calls     []string
	nextField v4l2.Field
	closed    bool
}

// New returns a capture-style fake.
func New() *Device {
	return &Device{
		formats:   make(map[v4l2.BufType]v4l2.Format),
		queued:    make(map[v4l2.BufType][]slot),
		done:      make(map[v4l2.BufType][]slot),
		streaming: make(map[v4l2.BufType]bool),
		controls:  make(map[uint32]int32),
		nextField: v4l2.FieldTop,
	}
}

// NewTransform returns a memory-to-memory fake retaining hold input buffers.
func NewTransform(hold int) *Device {
	d := New()
	d.M2M = true
	d.Hold = hold
	return d
}

func (d *Device) record(format string, args ...any) {
	d.calls = append(d.calls, fmt.Sprintf(format, args...))
}

func (d *Device) fail(op string) error {
	if d.Fail == nil {
		return nil
	}
	return d.Fail[op]
}

func (d *Device) SetFormat(f *v4l2.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("s_fmt:%s", f.Type)
	if err := d.fail("s_fmt"); err != nil {
		return err
	}
	if d.Adjust != nil {
		d.Adjust(f)
	}
	d.formats[f.Type] = *f
	return nil
}

func (d *Device) GetFormat(f *v4l2.Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("g_fmt:%s", f.Type)
	got, ok := d.formats[f.Type]
	if !ok {
		return errors.New("fake device: format never set")
	}
	*f = got
	return nil
}

func (d *Device) RequestBuffers(t v4l2.BufType, count uint32) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("reqbufs:%s:%d", t, count)
	if err := d.fail("reqbufs"); err != nil {
		return 0, err
	}
	if d.MaxBuffers > 0 && count > d.MaxBuffers {
		count = d.MaxBuffers
	}
	return count, nil
}

func (d *Device) QueueBuffer(t v4l2.BufType, index uint32, fds []int, field v4l2.Field) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("qbuf"); err != nil {
		return err
	}
	if f, ok := d.formats[t]; ok && t.MultiPlanar() && f.NumPlanes != len(fds) {
		return fmt.Errorf("fake device: %d planes queued on %s, format has %d", len(fds), t, f.NumPlanes)
	}
	for _, s := range d.queued[t] {
		if s.index == index {
			return fmt.Errorf("fake device: index %d queued twice on %s", index, t)
		}
	}
	d.queued[t] = append(d.queued[t], slot{index: index, fds: fds, field: field})
	return nil
}

func (d *Device) DequeueBuffer(t v4l2.BufType) (uint32, v4l2.Field, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fail("dqbuf"); err != nil {
		return 0, v4l2.FieldAny, err
	}
	if !d.streaming[t] {
		return 0, v4l2.FieldAny, errors.New("fake device: dequeue while not streaming")
	}

	if d.M2M {
		d.process()
		if len(d.done[t]) == 0 {
			return 0, v4l2.FieldAny, ErrWouldBlock
		}
		s := d.done[t][0]
		d.done[t] = d.done[t][1:]
		return s.index, s.field, nil
	}

	if len(d.queued[t]) == 0 {
		return 0, v4l2.FieldAny, ErrWouldBlock
	}
	s := d.queued[t][0]
	d.queued[t] = d.queued[t][1:]

	field := v4l2.FieldNone
	if d.Alternate {
		field = d.nextField
		if d.nextField == v4l2.FieldTop {
			d.nextField = v4l2.FieldBottom
		} else {
			d.nextField = v4l2.FieldTop
		}
	}
	return s.index, field, nil
}

// process moves work through a transform. Callers hold mu.
func (d *Device) process() {
	in, out := v4l2.BufTypeVideoOutputMPlane, v4l2.BufTypeVideoCaptureMPlane
	if !d.streaming[in] || !d.streaming[out] {
		return
	}
	for len(d.queued[in]) > d.Hold && len(d.queued[out]) > 0 {
		o := d.queued[out][0]
		d.queued[out] = d.queued[out][1:]
		o.field = v4l2.FieldNone
		d.done[out] = append(d.done[out], o)

		i := d.queued[in][0]
		d.queued[in] = d.queued[in][1:]
		d.done[in] = append(d.done[in], i)
	}
}

func (d *Device) StreamOn(t v4l2.BufType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("streamon:%s", t)
	if err := d.fail("streamon"); err != nil {
		return err
	}
	d.streaming[t] = true
	return nil
}

func (d *Device) StreamOff(t v4l2.BufType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("streamoff:%s", t)
	if err := d.fail("streamoff"); err != nil {
		return err
	}
	d.streaming[t] = false
	d.queued[t] = nil
	d.done[t] = nil
	return nil
}

func (d *Device) SetControl(id uint32, value int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("s_ctrl:0x%x:%d", id, value)
	d.controls[id] = value
	return nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Calls returns the control calls seen so far, in order.
func (d *Device) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.calls))
	copy(out, d.calls)
	return out
}

// Queued returns how many buffers of type t the driver holds.
func (d *Device) Queued(t v4l2.BufType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queued[t]) + len(d.done[t])
}

// Streaming reports whether t is streaming.
func (d *Device) Streaming(t v4l2.BufType) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming[t]
}

// Control returns the last value set for id.
func (d *Device) Control(id uint32) (int32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.controls[id]
	return v, ok
}

// Closed reports whether Close was called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
