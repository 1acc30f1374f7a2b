package v4l2_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/buffer/buffertest"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
	"github.com/e7canasta/orion-capture-display/internal/v4l2"
	"github.com/e7canasta/orion-capture-display/internal/v4l2/v4l2test"
)

func newBuffers(t *testing.T, n int) []*buffer.Buffer {
	t.Helper()
	pool := buffer.NewPool(buffertest.New())
	bufs, err := pool.Allocate(n, fourcc.YUYV, 64, 48)
	require.NoError(t, err)
	return bufs
}

func TestConfigureReturnsNegotiatedFormat(t *testing.T) {
	dev := v4l2test.New()
	dev.Adjust = func(f *v4l2.Format) {
		f.Width = 720
		f.Height = 480
	}
	q := v4l2.NewQueue(dev, v4l2.BufTypeVideoCapture, "capture")

	got, err := q.Configure(v4l2.Format{Width: 722, Height: 481, PixelFormat: fourcc.YUYV, Field: v4l2.FieldAlternate})
	require.NoError(t, err)
	assert.Equal(t, uint32(720), got.Width)
	assert.Equal(t, uint32(480), got.Height)
	assert.Equal(t, v4l2.BufTypeVideoCapture, got.Type)
	assert.Equal(t, got, q.Format())
	assert.Equal(t, []string{"s_fmt:capture", "g_fmt:capture"}, dev.Calls())
}

func TestConfigureFailure(t *testing.T) {
	dev := v4l2test.New()
	dev.Fail = map[string]error{"s_fmt": errors.New("EINVAL")}
	q := v4l2.NewQueue(dev, v4l2.BufTypeVideoCapture, "capture")

	_, err := q.Configure(v4l2.Format{Width: 64, Height: 48, PixelFormat: fourcc.YUYV})
	assert.Error(t, err)
}

func TestRequestGrantsFewer(t *testing.T) {
	dev := v4l2test.New()
	dev.MaxBuffers = 4
	q := v4l2.NewQueue(dev, v4l2.BufTypeVideoCapture, "capture")

	n, err := q.Request(6)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, map[v4l2.State]int{v4l2.StateFree: 4}, q.Counts())
}

func TestEnqueueBeforeRequest(t *testing.T) {
	q := v4l2.NewQueue(v4l2test.New(), v4l2.BufTypeVideoCapture, "capture")
	err := q.Enqueue(0, newBuffers(t, 1)[0], v4l2.FieldAny)
	assert.ErrorIs(t, err, v4l2.ErrNotConfigured)
}

func TestEnqueueDequeueStates(t *testing.T) {
	dev := v4l2test.New()
	dev.Alternate = true
	q := v4l2.NewQueue(dev, v4l2.BufTypeVideoCapture, "capture")
	bufs := newBuffers(t, 3)

	_, err := q.Request(3)
	require.NoError(t, err)

	for i, b := range bufs {
		require.NoError(t, q.Enqueue(i, b, v4l2.FieldAny))
		assert.Equal(t, v4l2.StateQueued, q.State(i))
	}

	assert.ErrorIs(t, q.Enqueue(1, bufs[1], v4l2.FieldAny), v4l2.ErrAlreadyQueued)
	assert.ErrorIs(t, q.Enqueue(7, bufs[1], v4l2.FieldAny), v4l2.ErrBadIndex)

	require.NoError(t, q.StreamOn())
	assert.True(t, q.Streaming())

	idx, field, err := q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Equal(t, v4l2.FieldTop, field)
	assert.Equal(t, v4l2.StateReady, q.State(0))

	_, field, err = q.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, v4l2.FieldBottom, field)

	assert.Equal(t, map[v4l2.State]int{v4l2.StateReady: 2, v4l2.StateQueued: 1}, q.Counts())

	// A ready buffer may be queued again.
	require.NoError(t, q.Enqueue(0, bufs[0], v4l2.FieldAny))
	assert.Equal(t, v4l2.StateQueued, q.State(0))
}

func TestStreamOffReturnsEverythingToFree(t *testing.T) {
	dev := v4l2test.New()
	q := v4l2.NewQueue(dev, v4l2.BufTypeVideoCapture, "capture")
	bufs := newBuffers(t, 2)

	_, err := q.Request(2)
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(0, bufs[0], v4l2.FieldAny))
	require.NoError(t, q.Enqueue(1, bufs[1], v4l2.FieldAny))

	// Never streamed: nothing to stop.
	require.NoError(t, q.StreamOff())
	assert.NotContains(t, dev.Calls(), "streamoff:capture")

	require.NoError(t, q.StreamOn())
	require.NoError(t, q.StreamOff())
	assert.False(t, q.Streaming())
	assert.Equal(t, map[v4l2.State]int{v4l2.StateFree: 2}, q.Counts())
	assert.Zero(t, dev.Queued(v4l2.BufTypeVideoCapture))
}

func TestMultiPlanarTransformQueues(t *testing.T) {
	dev := v4l2test.NewTransform(0)
	in := v4l2.NewQueue(dev, v4l2.BufTypeVideoOutputMPlane, "transform-in")
	out := v4l2.NewQueue(dev, v4l2.BufTypeVideoCaptureMPlane, "transform-out")
	inBufs := newBuffers(t, 2)
	outBufs := newBuffers(t, 2)

	_, err := in.Request(2)
	require.NoError(t, err)
	_, err = out.Request(2)
	require.NoError(t, err)

	require.NoError(t, out.Enqueue(0, outBufs[0], v4l2.FieldAny))
	require.NoError(t, out.StreamOn())
	require.NoError(t, in.Enqueue(1, inBufs[1], v4l2.FieldTop))
	require.NoError(t, in.StreamOn())

	idx, _, err := out.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, field, err := in.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, v4l2.FieldTop, field)
}

func TestDequeueUnknownIndex(t *testing.T) {
	dev := v4l2test.New()
	q := v4l2.NewQueue(dev, v4l2.BufTypeVideoCapture, "capture")
	_, err := q.Request(2)
	require.NoError(t, err)
	require.NoError(t, q.StreamOn())

	// The driver reports a buffer the queue never handed over.
	require.NoError(t, dev.QueueBuffer(v4l2.BufTypeVideoCapture, 1, []int{9}, v4l2.FieldAny))
	_, _, err = q.Dequeue()
	assert.ErrorIs(t, err, v4l2.ErrUnexpectedDQ)
}
