package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/display/displaytest"
	"github.com/e7canasta/orion-capture-display/internal/drm"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
	"github.com/e7canasta/orion-capture-display/internal/pipeline"
	"github.com/e7canasta/orion-capture-display/internal/v4l2"
	"github.com/e7canasta/orion-capture-display/internal/v4l2/v4l2test"
)

// streamLog records stream on/off across both devices in call order.
type streamLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *streamLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *streamLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type loggedDevice struct {
	*v4l2test.Device
	name string
	log  *streamLog
}

func (d loggedDevice) StreamOn(t v4l2.BufType) error {
	d.log.add(fmt.Sprintf("on:%s:%s", d.name, t))
	return d.Device.StreamOn(t)
}

func (d loggedDevice) StreamOff(t v4l2.BufType) error {
	d.log.add(fmt.Sprintf("off:%s:%s", d.name, t))
	return d.Device.StreamOff(t)
}

type rig struct {
	capture   *v4l2test.Device
	transform *v4l2test.Device
	backend   *displaytest.Backend
	streams   *streamLog
	o         *pipeline.Orchestrator
}

func config(deinterlace bool) pipeline.Config {
	return pipeline.Config{
		Source:      pipeline.Frame{Width: 720, Height: 240, Format: fourcc.YUYV},
		Dest:        pipeline.Frame{Width: 640, Height: 480, Format: fourcc.NV12},
		Deinterlace: deinterlace,
		TransLen:    3,
	}
}

func newRig(t *testing.T, cfg pipeline.Config) *rig {
	t.Helper()
	hold := 0
	if cfg.Deinterlace {
		hold = 2
	}
	r := &rig{
		capture:   v4l2test.New(),
		transform: v4l2test.NewTransform(hold),
		backend:   displaytest.New(1920, 1080),
		streams:   &streamLog{},
	}
	r.capture.Alternate = cfg.Deinterlace

	o, err := pipeline.New(
		loggedDevice{r.capture, "capture", r.streams},
		loggedDevice{r.transform, "transform", r.streams},
		r.backend, cfg)
	require.NoError(t, err)
	r.o = o
	return r
}

func (r *rig) setup(t *testing.T) {
	t.Helper()
	require.NoError(t, r.o.Setup())
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*pipeline.Config)
	}{
		{"no source size", func(c *pipeline.Config) { c.Source.Width = 0 }},
		{"no dest size", func(c *pipeline.Config) { c.Dest.Height = 0 }},
		{"no format", func(c *pipeline.Config) { c.Dest.Format = 0 }},
		{"negative translen", func(c *pipeline.Config) { c.TransLen = -1 }},
		{"too few buffers to prime", func(c *pipeline.Config) { c.Buffers = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config(true)
			tt.mutate(&cfg)
			_, err := pipeline.New(v4l2test.New(), v4l2test.NewTransform(2), displaytest.New(64, 64), cfg)
			require.Error(t, err)
			assert.Equal(t, pipeline.CategoryFatalSetup, pipeline.Classify(err))
		})
	}
}

func TestSetupQueuesEverythingAndStreamsTwoDirections(t *testing.T) {
	r := newRig(t, config(true))
	r.setup(t)

	assert.Equal(t, pipeline.StatePriming, r.o.State())
	assert.Equal(t, pipeline.DefaultBuffers, r.capture.Queued(v4l2.BufTypeVideoCapture))
	assert.Equal(t, pipeline.DefaultBuffers, r.transform.Queued(v4l2.BufTypeVideoCaptureMPlane))
	assert.Zero(t, r.transform.Queued(v4l2.BufTypeVideoOutputMPlane))

	assert.Equal(t, []string{
		"on:capture:capture",
		"on:transform:capture-mplane",
	}, r.streams.get())

	v, ok := r.transform.Control(v4l2.ControlTransNumBufs)
	assert.True(t, ok)
	assert.Equal(t, int32(3), v)

	s := r.o.Stats()
	assert.Equal(t, map[string]int{"capture": 6, "transform-out": 6}, s.Holders)
	assert.Equal(t, "test", s.Backend)
	assert.Equal(t, "priming", s.State)

	assert.Error(t, r.o.Setup(), "second setup")
}

func TestSetupRequestsFieldAlternateForDeinterlace(t *testing.T) {
	var fields []v4l2.Field
	r := newRig(t, config(true))
	r.capture.Adjust = func(f *v4l2.Format) { fields = append(fields, f.Field) }
	r.setup(t)
	assert.Equal(t, []v4l2.Field{v4l2.FieldAlternate}, fields)
}

func TestPrimingCount(t *testing.T) {
	tests := []struct {
		name        string
		deinterlace bool
		captures    uint64
	}{
		{"deinterlace", true, 3},
		{"progressive", false, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config(tt.deinterlace)
			cfg.FrameLimit = 1
			r := newRig(t, cfg)
			r.setup(t)

			require.NoError(t, r.o.Run(context.Background()))
			s := r.o.Stats()
			assert.Equal(t, tt.captures, s.FramesCaptured)
			assert.Equal(t, uint64(1), s.FramesPosted)
			assert.Equal(t, pipeline.StateSteady, r.o.State())

			calls := r.streams.get()
			assert.Equal(t, "on:transform:output-mplane", calls[len(calls)-1])
		})
	}
}

func TestSteadyCyclesConserveBuffers(t *testing.T) {
	const cycles = 25
	cfg := config(true)
	cfg.FrameLimit = cycles
	r := newRig(t, cfg)
	r.setup(t)

	require.NoError(t, r.o.Run(context.Background()))

	s := r.o.Stats()
	assert.Equal(t, uint64(cycles), s.FramesPosted)
	assert.Equal(t, uint64(cycles), s.FramesTransformed)
	// Two fields stay behind in the transform as deinterlace references.
	assert.Equal(t, uint64(cycles+2), s.FramesCaptured)
	assert.Equal(t, map[string]int{"capture": 4, "transform-in": 2, "transform-out": 6}, s.Holders)
	assert.Equal(t, 2*pipeline.DefaultBuffers, sum(s.Holders))
	assert.Equal(t, cycles, s.FPS.Frames)

	posts := r.backend.Posts()
	require.Len(t, posts, cycles)
	for i, p := range posts {
		assert.Equal(t, display.Rect{W: 640, H: 480}, p.Region)
		assert.Equal(t, i%pipeline.DefaultBuffers, p.Index, "post %d", i)
	}
}

func TestTransientPostFailuresContinue(t *testing.T) {
	cfg := config(false)
	cfg.FrameLimit = 5
	r := newRig(t, cfg)
	r.backend.PostErr = fmt.Errorf("%w: crtc 3: EBUSY", display.ErrPresentFailed)
	r.backend.FailPosts = map[int]bool{1: true, 3: true}
	r.setup(t)

	require.NoError(t, r.o.Run(context.Background()))
	s := r.o.Stats()
	assert.Equal(t, uint64(5), s.FramesPosted)
	assert.Equal(t, uint64(2), s.PostFailures)
	assert.Len(t, r.backend.Posts(), 7)
	assert.Equal(t, 6, s.Holders["transform-out"])
}

func TestFlipTimeoutsAreCounted(t *testing.T) {
	cfg := config(false)
	cfg.FrameLimit = 3
	r := newRig(t, cfg)
	r.backend.PostErr = fmt.Errorf("%w: %w", display.ErrPresentFailed, drm.ErrFlipTimeout)
	r.backend.FailPosts = map[int]bool{0: true}
	r.setup(t)

	require.NoError(t, r.o.Run(context.Background()))
	s := r.o.Stats()
	assert.Equal(t, uint64(1), s.FlipTimeouts)
	assert.Zero(t, s.PostFailures)
}

func TestFatalPostErrorStopsRun(t *testing.T) {
	r := newRig(t, config(false))
	r.backend.PostErr = errors.New("EIO")
	r.backend.FailPosts = map[int]bool{2: true}
	r.setup(t)

	err := r.o.Run(context.Background())
	require.Error(t, err)
	var pe *pipeline.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "post", pe.Op)
	assert.Equal(t, uint64(2), r.o.Stats().FramesPosted)
	// The failed buffer went back to the transform.
	assert.Equal(t, 6, r.o.Stats().Holders["transform-out"])
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRig(t, config(false))
	r.setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.o.Run(ctx))
	assert.Zero(t, r.o.Stats().FramesCaptured)
}

func TestRunBeforeSetup(t *testing.T) {
	r := newRig(t, config(false))
	err := r.o.Run(context.Background())
	assert.Equal(t, pipeline.CategoryFatalSetup, pipeline.Classify(err))
}

func TestDequeueFailureStopsRun(t *testing.T) {
	r := newRig(t, config(false))
	r.setup(t)
	r.capture.Fail = map[string]error{"dqbuf": errors.New("EIO")}

	err := r.o.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, pipeline.CategoryUnknown, pipeline.Classify(err))
}

func TestCloseStopsInReverseOrder(t *testing.T) {
	cfg := config(true)
	cfg.FrameLimit = 4
	r := newRig(t, cfg)
	r.setup(t)
	require.NoError(t, r.o.Run(context.Background()))

	require.NoError(t, r.o.Close())
	assert.Equal(t, []string{
		"on:capture:capture",
		"on:transform:capture-mplane",
		"on:transform:output-mplane",
		"off:transform:output-mplane",
		"off:transform:capture-mplane",
		"off:capture:capture",
	}, r.streams.get())

	assert.True(t, r.backend.Closed())
	assert.Equal(t, pipeline.StateStopped, r.o.State())
	assert.Equal(t, map[string]int{"pool": 12}, r.o.Stats().Holders)
	assert.False(t, r.capture.Streaming(v4l2.BufTypeVideoCapture))

	require.NoError(t, r.o.Close(), "second close")
}

func TestSetupFailures(t *testing.T) {
	tests := []struct {
		name     string
		breakRig func(r *rig)
	}{
		{"capture format", func(r *rig) { r.capture.Fail = map[string]error{"s_fmt": errors.New("EINVAL")} }},
		{"stream on", func(r *rig) { r.capture.Fail = map[string]error{"streamon": errors.New("EPIPE")} }},
		{"too few granted", func(r *rig) { r.capture.MaxBuffers = 2 }},
		{"output allocation", func(r *rig) { r.backend.Alloc.FailAfter = 8 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, config(true))
			tt.breakRig(r)

			err := r.o.Setup()
			require.Error(t, err)
			assert.Equal(t, pipeline.CategoryFatalSetup, pipeline.Classify(err))
			assert.Equal(t, pipeline.StateInit, r.o.State())
			assert.NoError(t, r.o.Close())
			assert.True(t, r.backend.Closed())
		})
	}
}

func TestTransLenIgnoredWhenUnset(t *testing.T) {
	cfg := config(false)
	cfg.TransLen = 0
	r := newRig(t, cfg)
	r.setup(t)
	_, ok := r.transform.Control(v4l2.ControlTransNumBufs)
	assert.False(t, ok)
}

func transformFormat(t *testing.T, d *v4l2test.Device, typ v4l2.BufType) v4l2.Format {
	t.Helper()
	f := v4l2.Format{Type: typ}
	require.NoError(t, d.GetFormat(&f))
	return f
}

func TestSetupUsesNegotiatedSource(t *testing.T) {
	cfg := config(true)
	cfg.FrameLimit = 4
	r := newRig(t, cfg)
	r.capture.Adjust = func(f *v4l2.Format) { f.Width = 704 }
	r.setup(t)

	src, dst := r.o.Formats()
	assert.Equal(t, pipeline.Frame{Width: 704, Height: 240, Format: fourcc.YUYV}, src)
	assert.Equal(t, cfg.Dest, dst)

	in := transformFormat(t, r.transform, v4l2.BufTypeVideoOutputMPlane)
	assert.Equal(t, uint32(704), in.Width)
	assert.Equal(t, uint32(240), in.Height)

	reqs := r.backend.Alloc.Requests()
	require.Len(t, reqs, 2*pipeline.DefaultBuffers)
	for i, req := range reqs[:pipeline.DefaultBuffers] {
		assert.Equal(t, uint32(704), req.Width, "input buffer %d", i)
	}

	require.NoError(t, r.o.Run(context.Background()))
	assert.Equal(t, uint64(4), r.o.Stats().FramesPosted)
}

func TestSetupUsesNegotiatedDestination(t *testing.T) {
	cfg := config(false)
	cfg.FrameLimit = 2
	r := newRig(t, cfg)
	r.transform.Adjust = func(f *v4l2.Format) {
		if f.Type == v4l2.BufTypeVideoCaptureMPlane {
			f.Width, f.Height = 624, 464
		}
	}
	r.setup(t)

	_, dst := r.o.Formats()
	assert.Equal(t, pipeline.Frame{Width: 624, Height: 464, Format: fourcc.NV12}, dst)

	// NV12 in one allocation: luma rows plus half as many chroma rows.
	reqs := r.backend.Alloc.Requests()
	assert.Equal(t, uint32(624), reqs[pipeline.DefaultBuffers].Width)
	assert.Equal(t, uint32(464*3/2), reqs[pipeline.DefaultBuffers].Height)

	require.NoError(t, r.o.Run(context.Background()))
	for _, p := range r.backend.Posts() {
		assert.Equal(t, display.Rect{W: 624, H: 464}, p.Region)
	}
}

func TestSetupRejectsTransformInputMismatch(t *testing.T) {
	r := newRig(t, config(false))
	r.transform.Adjust = func(f *v4l2.Format) {
		if f.Type == v4l2.BufTypeVideoOutputMPlane {
			f.Height = 480
		}
	}

	err := r.o.Setup()
	require.Error(t, err)
	assert.Equal(t, pipeline.CategoryFatalSetup, pipeline.Classify(err))
	assert.Contains(t, err.Error(), "transform input negotiated")
	assert.Equal(t, pipeline.StateInit, r.o.State())
	assert.Empty(t, r.backend.Alloc.Requests())
}

func TestSetupMatchesOutputPlanesToBuffers(t *testing.T) {
	cfg := config(false)
	cfg.FrameLimit = 2
	r := newRig(t, cfg)
	r.backend.Multiplanar = true
	r.setup(t)

	out := transformFormat(t, r.transform, v4l2.BufTypeVideoCaptureMPlane)
	assert.Equal(t, 2, out.NumPlanes)
	require.NoError(t, r.o.Run(context.Background()))
	assert.Equal(t, uint64(2), r.o.Stats().FramesPosted)
}

func TestSetupRejectsOutputPlaneMismatch(t *testing.T) {
	r := newRig(t, config(false))
	r.backend.Multiplanar = true
	r.transform.Adjust = func(f *v4l2.Format) {
		if f.Type == v4l2.BufTypeVideoCaptureMPlane {
			f.NumPlanes = 1
		}
	}

	err := r.o.Setup()
	require.Error(t, err)
	assert.Equal(t, pipeline.CategoryFatalSetup, pipeline.Classify(err))
	assert.Contains(t, err.Error(), "transform output renegotiated")
	assert.NoError(t, r.o.Close())
}
