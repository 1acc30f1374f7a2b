// Package pipeline drives frames from a capture device through a
// memory-to-memory scale/deinterlace transform to a display backend.
//
// Buffers are shared by descriptor between the three queues. The input set
// circulates capture → transform input → capture; the output set circulates
// transform output → display → transform output. Ledgers record who holds
// each index so ownership mistakes surface as errors instead of corruption.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
	"github.com/e7canasta/orion-capture-display/internal/v4l2"
)

// State is the orchestrator's lifecycle stage.
type State int32

const (
	StateInit State = iota
	StatePriming
	StateSteady
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePriming:
		return "priming"
	case StateSteady:
		return "steady"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	// DefaultBuffers is the buffer count requested for each set.
	DefaultBuffers = 6
	// DefaultFPSWindow is how many recent posts feed the FPS statistics.
	DefaultFPSWindow = 120

	// deinterlacePriming is how many fields the transform needs queued
	// before it produces its first deinterlaced frame.
	deinterlacePriming = 3
)

// Frame describes one side of the transform.
type Frame struct {
	Width  uint32
	Height uint32
	Format fourcc.Code
}

func (f Frame) String() string {
	return fmt.Sprintf("%dx%d %s", f.Width, f.Height, f.Format)
}

func frameOf(f v4l2.Format) Frame {
	return Frame{Width: f.Width, Height: f.Height, Format: f.PixelFormat}
}

// Config describes one run.
type Config struct {
	Source      Frame
	Dest        Frame
	Deinterlace bool
	// TransLen is the transform's per-job buffer count. Zero leaves the
	// driver default.
	TransLen int
	// Buffers is the count requested for each buffer set.
	Buffers int
	// FrameLimit stops Run after that many displayed frames. Zero runs until
	// the context ends.
	FrameLimit uint64
	FPSWindow  int
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.Source.Width == 0 || c.Source.Height == 0 {
		return fmt.Errorf("pipeline: invalid source size %dx%d", c.Source.Width, c.Source.Height)
	}
	if c.Dest.Width == 0 || c.Dest.Height == 0 {
		return fmt.Errorf("pipeline: invalid destination size %dx%d", c.Dest.Width, c.Dest.Height)
	}
	if c.Source.Format == 0 || c.Dest.Format == 0 {
		return fmt.Errorf("pipeline: source and destination formats are required")
	}
	if c.TransLen < 0 {
		return fmt.Errorf("pipeline: invalid translen %d", c.TransLen)
	}
	if c.Buffers == 0 {
		c.Buffers = DefaultBuffers
	}
	if c.Buffers < c.priming() {
		return fmt.Errorf("pipeline: %d buffers cannot prime %d frames", c.Buffers, c.priming())
	}
	if c.FPSWindow <= 0 {
		c.FPSWindow = DefaultFPSWindow
	}
	return nil
}

func (c *Config) priming() int {
	if c.Deinterlace {
		return deinterlacePriming
	}
	return 1
}

// Orchestrator owns the three queues of one run and the display backend it
// posts to.
type Orchestrator struct {
	cfg       Config
	backend   display.Backend
	transform v4l2.Device
	log       *logrus.Entry

	capture      *v4l2.Queue
	transformIn  *v4l2.Queue
	transformOut *v4l2.Queue

	inBufs  []*buffer.Buffer
	outBufs []*buffer.Buffer
	in      *buffer.Ledger
	out     *buffer.Ledger

	state  atomic.Int32
	primed int

	captured     atomic.Uint64
	transformed  atomic.Uint64
	posted       atomic.Uint64
	postFailures atomic.Uint64
	flipTimeouts atomic.Uint64

	mu      sync.Mutex
	src     Frame
	dst     Frame
	started time.Time
	window  *frameWindow
	closed  bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger replaces the default logger.
func WithLogger(log *logrus.Entry) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New validates cfg and binds the devices. capture is a single-planar
// capture node; transform is a multi-planar memory-to-memory node.
func New(capture, transform v4l2.Device, backend display.Backend, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, newError(CategoryFatalSetup, "validate", err)
	}

	o := &Orchestrator{
		cfg:          cfg,
		backend:      backend,
		transform:    transform,
		capture:      v4l2.NewQueue(capture, v4l2.BufTypeVideoCapture, "capture"),
		transformIn:  v4l2.NewQueue(transform, v4l2.BufTypeVideoOutputMPlane, "transform-in"),
		transformOut: v4l2.NewQueue(transform, v4l2.BufTypeVideoCaptureMPlane, "transform-out"),
		window:       newFrameWindow(cfg.FPSWindow),
		log: logrus.WithFields(logrus.Fields{
			"component": "pipeline",
			"backend":   backend.Name(),
		}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Formats returns the source and destination frames the devices accepted.
// Both are zero before Setup.
func (o *Orchestrator) Formats() (src, dst Frame) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.src, o.dst
}

// State returns the current lifecycle stage.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Setup negotiates formats, obtains both buffer sets from the backend,
// queues every buffer and starts capture and transform output streaming.
func (o *Orchestrator) Setup() error {
	if o.State() != StateInit {
		return newError(CategoryFatalSetup, "setup", fmt.Errorf("already set up (%s)", o.State()))
	}
	if err := o.setup(); err != nil {
		return newError(CategoryFatalSetup, "setup", err)
	}

	o.mu.Lock()
	o.started = time.Now()
	o.mu.Unlock()
	o.state.Store(int32(StatePriming))

	o.log.WithFields(logrus.Fields{
		"source":      o.src.String(),
		"dest":        o.dst.String(),
		"deinterlace": o.cfg.Deinterlace,
		"buffers_in":  len(o.inBufs),
		"buffers_out": len(o.outBufs),
		"priming":     o.cfg.priming(),
	}).Info("pipeline ready, priming transform")
	return nil
}

func (o *Orchestrator) setup() error {
	req := o.cfg.Source

	inField := v4l2.FieldNone
	if o.cfg.Deinterlace {
		inField = v4l2.FieldAlternate
	}
	capFmt, err := o.capture.Configure(v4l2.Format{
		Width: req.Width, Height: req.Height, PixelFormat: req.Format, Field: inField, NumPlanes: 1,
	})
	if err != nil {
		return err
	}
	// The capture decides what frames exist; the transform input must take
	// them as they are since both share one buffer set.
	src := frameOf(capFmt)
	inFmt, err := o.transformIn.Configure(v4l2.Format{
		Width: src.Width, Height: src.Height, PixelFormat: src.Format, Field: inField, NumPlanes: 1,
	})
	if err != nil {
		return err
	}
	if got := frameOf(inFmt); got != src {
		return fmt.Errorf("transform input negotiated %s, capture produces %s", got, src)
	}

	if o.cfg.TransLen > 0 {
		if err := o.transform.SetControl(v4l2.ControlTransNumBufs, int32(o.cfg.TransLen)); err != nil {
			o.log.WithError(err).WithField("translen", o.cfg.TransLen).Warn("transform ignored translen")
		}
	}

	n, err := o.requestInput()
	if err != nil {
		return err
	}
	o.inBufs, err = o.backend.AcquireVideoBuffers(n, src.Format, src.Width, src.Height)
	if err != nil {
		return fmt.Errorf("input buffers: %w", err)
	}

	want := v4l2.Format{
		Width: o.cfg.Dest.Width, Height: o.cfg.Dest.Height, PixelFormat: o.cfg.Dest.Format,
		Field: v4l2.FieldNone, NumPlanes: 1,
	}
	outFmt, err := o.transformOut.Configure(want)
	if err != nil {
		return err
	}
	dst := frameOf(outFmt)
	o.outBufs, err = o.backend.AcquireVideoBuffers(o.cfg.Buffers, dst.Format, dst.Width, dst.Height)
	if err != nil {
		return fmt.Errorf("output buffers: %w", err)
	}
	// The plane count follows the backend's allocation layout.
	if planes := len(o.outBufs[0].Allocations); planes != outFmt.NumPlanes {
		want.Width, want.Height, want.PixelFormat, want.NumPlanes = dst.Width, dst.Height, dst.Format, planes
		if outFmt, err = o.transformOut.Configure(want); err != nil {
			return err
		}
		if got := frameOf(outFmt); got != dst || outFmt.NumPlanes != planes {
			return fmt.Errorf("transform output renegotiated %s with %d planes, buffers are %s with %d",
				got, outFmt.NumPlanes, dst, planes)
		}
	}
	granted, err := o.transformOut.Request(len(o.outBufs))
	if err != nil {
		return err
	}
	if granted < len(o.outBufs) {
		o.outBufs = o.outBufs[:granted]
	}

	o.mu.Lock()
	o.src, o.dst = src, dst
	o.mu.Unlock()
	if src != req || dst != o.cfg.Dest {
		o.log.WithFields(logrus.Fields{
			"requested_source": req.String(),
			"requested_dest":   o.cfg.Dest.String(),
			"source":           src.String(),
			"dest":             dst.String(),
		}).Warn("devices negotiated different frames")
	}

	o.mu.Lock()
	o.in = buffer.NewLedger(len(o.inBufs))
	o.out = buffer.NewLedger(len(o.outBufs))
	o.mu.Unlock()

	for _, b := range o.inBufs {
		if err := o.queue(o.capture, o.in, b, buffer.HolderPool, buffer.HolderCapture, v4l2.FieldAny); err != nil {
			return err
		}
	}
	for _, b := range o.outBufs {
		if err := o.queue(o.transformOut, o.out, b, buffer.HolderPool, buffer.HolderTransformOut, v4l2.FieldAny); err != nil {
			return err
		}
	}

	if err := o.capture.StreamOn(); err != nil {
		return err
	}
	return o.transformOut.StreamOn()
}

// requestInput asks capture and transform input for the same slots and
// returns the count both granted.
func (o *Orchestrator) requestInput() (int, error) {
	want := o.cfg.Buffers
	n, err := o.capture.Request(want)
	if err != nil {
		return 0, err
	}
	m, err := o.transformIn.Request(n)
	if err != nil {
		return 0, err
	}
	n = min(n, m)
	if n < o.cfg.priming() {
		return 0, fmt.Errorf("only %d input buffers granted, %d needed to prime", n, o.cfg.priming())
	}
	if n < want {
		o.log.WithFields(logrus.Fields{"requested": want, "granted": n}).Warn("fewer input buffers than requested")
	}
	return n, nil
}

// queue moves b from one holder to the queue's holder and enqueues it.
func (o *Orchestrator) queue(q *v4l2.Queue, l *buffer.Ledger, b *buffer.Buffer, from, to buffer.Holder, field v4l2.Field) error {
	if err := l.Transfer(b.Index, from, to); err != nil {
		return err
	}
	if err := q.Enqueue(b.Index, b, field); err != nil {
		// The driver never took it.
		_ = l.Transfer(b.Index, to, from)
		return err
	}
	return nil
}

// Run cycles until ctx ends, the frame limit is reached or a
// non-recoverable error occurs. Reaching the end of ctx or the limit is not
// an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	switch o.State() {
	case StatePriming, StateSteady:
	default:
		return newError(CategoryFatalSetup, "run", fmt.Errorf("cannot run in state %s", o.State()))
	}

	for {
		select {
		case <-ctx.Done():
			o.log.WithField("posted", o.posted.Load()).Info("run cancelled")
			return nil
		default:
		}

		if err := o.cycle(); err != nil {
			return err
		}
		if o.cfg.FrameLimit > 0 && o.posted.Load() >= o.cfg.FrameLimit {
			o.log.WithField("frames", o.cfg.FrameLimit).Info("frame limit reached")
			return nil
		}
	}
}

// cycle moves one captured field into the transform. Once primed it also
// presents one transformed frame and recycles one input buffer.
func (o *Orchestrator) cycle() error {
	idx, field, err := o.capture.Dequeue()
	if err != nil {
		return newError(CategoryUnknown, "capture dequeue", err)
	}
	o.captured.Add(1)
	if err := o.in.Transfer(idx, buffer.HolderCapture, buffer.HolderTransformIn); err != nil {
		return newError(CategoryUnknown, "capture dequeue", err)
	}
	if err := o.transformIn.Enqueue(idx, o.inBufs[idx], field); err != nil {
		return newError(CategoryUnknown, "transform enqueue", err)
	}

	if o.State() == StatePriming {
		o.primed++
		if o.primed < o.cfg.priming() {
			return nil
		}
		if err := o.transformIn.StreamOn(); err != nil {
			return newError(CategoryFatalSetup, "transform stream on", err)
		}
		o.state.Store(int32(StateSteady))
		o.log.WithField("primed", o.primed).Info("streaming started")
	}

	if err := o.present(); err != nil {
		return err
	}

	idx, _, err = o.transformIn.Dequeue()
	if err != nil {
		return newError(CategoryUnknown, "transform input dequeue", err)
	}
	if err := o.in.Transfer(idx, buffer.HolderTransformIn, buffer.HolderCapture); err != nil {
		return newError(CategoryUnknown, "transform input dequeue", err)
	}
	if err := o.capture.Enqueue(idx, o.inBufs[idx], v4l2.FieldAny); err != nil {
		return newError(CategoryUnknown, "capture enqueue", err)
	}
	return nil
}

// present posts one transformed frame and hands it back to the transform.
// Presentation failures that may clear on the next frame are counted and
// logged; the buffer is requeued either way.
func (o *Orchestrator) present() error {
	idx, _, err := o.transformOut.Dequeue()
	if err != nil {
		return newError(CategoryUnknown, "transform output dequeue", err)
	}
	o.transformed.Add(1)
	buf := o.outBufs[idx]

	if err := o.out.Transfer(idx, buffer.HolderTransformOut, buffer.HolderDisplay); err != nil {
		return newError(CategoryUnknown, "post", err)
	}
	region := display.Rect{W: o.dst.Width, H: o.dst.Height}
	postErr := o.backend.PostVideoBuffer(buf, region)
	if err := o.out.Transfer(idx, buffer.HolderDisplay, buffer.HolderTransformOut); err != nil {
		return newError(CategoryUnknown, "post", err)
	}

	if err := o.transformOut.Enqueue(idx, buf, v4l2.FieldAny); err != nil {
		return newError(CategoryUnknown, "transform output enqueue", err)
	}

	if postErr == nil {
		o.posted.Add(1)
		o.mu.Lock()
		o.window.add(time.Now())
		o.mu.Unlock()
		return nil
	}

	category := Classify(postErr)
	if !Recoverable(postErr) {
		return newError(category, "post", postErr)
	}
	if category == CategoryTimeout {
		o.flipTimeouts.Add(1)
	} else {
		o.postFailures.Add(1)
	}
	o.log.WithError(postErr).WithFields(logrus.Fields{
		"buffer":   idx,
		"category": category.String(),
	}).Warn("frame not presented")
	return nil
}

// Close stops streaming in reverse start order, returns every buffer to the
// pool and closes the backend. It is safe to call more than once and after
// a failed Setup.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	var errs []error
	for _, q := range []*v4l2.Queue{o.transformIn, o.transformOut, o.capture} {
		if err := q.StreamOff(); err != nil {
			errs = append(errs, err)
		}
	}
	reclaim(o.in, len(o.inBufs))
	reclaim(o.out, len(o.outBufs))
	o.state.Store(int32(StateStopped))

	if err := o.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s display: %w", o.backend.Name(), err))
	}

	o.log.WithFields(logrus.Fields{
		"captured":      o.captured.Load(),
		"posted":        o.posted.Load(),
		"post_failures": o.postFailures.Load(),
		"flip_timeouts": o.flipTimeouts.Load(),
	}).Info("pipeline stopped")

	if len(errs) > 0 {
		return newError(CategoryUnknown, "close", errors.Join(errs...))
	}
	return nil
}

// reclaim hands every index back to the pool once the drivers dropped them.
func reclaim(l *buffer.Ledger, n int) {
	if l == nil {
		return
	}
	for i := 0; i < n; i++ {
		if h := l.Holder(i); h != buffer.HolderPool {
			_ = l.Transfer(i, h, buffer.HolderPool)
		}
	}
}
