package v4l2

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
)

// State is the driver-side state of one buffer index.
type State int

const (
	StateFree State = iota
	StateQueued
	StateReady
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateQueued:
		return "queued"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Queue tracks the buffers of one direction of one device.
//
// Free → Queued only through Enqueue; Queued → Ready only through a
// successful Dequeue reported by the driver. A Ready buffer belongs to the
// caller until it is enqueued again (here or on another queue).
type Queue struct {
	dev  Device
	typ  BufType
	name string
	log  *logrus.Entry

	mu        sync.Mutex
	format    Format
	states    []State
	streaming bool
}

// NewQueue binds a queue to one buffer type of dev.
func NewQueue(dev Device, typ BufType, name string) *Queue {
	return &Queue{
		dev:  dev,
		typ:  typ,
		name: name,
		log: logrus.WithFields(logrus.Fields{
			"component": "v4l2-queue",
			"queue":     name,
		}),
	}
}

// Name returns the queue's label.
func (q *Queue) Name() string { return q.name }

// Type returns the queue's buffer type.
func (q *Queue) Type() BufType { return q.typ }

// Configure sets the format and reads it back. The returned Format is what
// the driver accepted, which may differ from the request.
func (q *Queue) Configure(want Format) (Format, error) {
	want.Type = q.typ
	if want.NumPlanes == 0 {
		want.NumPlanes = 1
	}
	if err := q.dev.SetFormat(&want); err != nil {
		return Format{}, fmt.Errorf("%s: set format: %w", q.name, err)
	}

	got := Format{Type: q.typ}
	if err := q.dev.GetFormat(&got); err != nil {
		return Format{}, fmt.Errorf("%s: get format: %w", q.name, err)
	}

	q.mu.Lock()
	q.format = got
	q.mu.Unlock()

	entry := q.log.WithFields(logrus.Fields{
		"width":  got.Width,
		"height": got.Height,
		"format": got.PixelFormat.String(),
		"field":  got.Field.String(),
		"planes": got.NumPlanes,
	})
	if got.Width != want.Width || got.Height != want.Height || got.PixelFormat != want.PixelFormat {
		entry.WithFields(logrus.Fields{
			"requested_width":  want.Width,
			"requested_height": want.Height,
			"requested_format": want.PixelFormat.String(),
		}).Warn("driver adjusted format")
	} else {
		entry.Debug("format negotiated")
	}
	return got, nil
}

// Format returns the last negotiated format.
func (q *Queue) Format() Format {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.format
}

// Request asks the driver for count dma-buf backed slots. The driver may
// grant fewer; the granted count is returned.
func (q *Queue) Request(count int) (int, error) {
	got, err := q.dev.RequestBuffers(q.typ, uint32(count))
	if err != nil {
		return 0, fmt.Errorf("%s: request %d buffers: %w", q.name, count, err)
	}
	if got == 0 {
		return 0, fmt.Errorf("%s: driver granted no buffers", q.name)
	}

	q.mu.Lock()
	q.states = make([]State, got)
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{"requested": count, "granted": got}).Debug("buffers requested")
	return int(got), nil
}

// Enqueue hands buffer index to the driver together with its exported
// descriptors.
func (q *Queue) Enqueue(index int, b *buffer.Buffer, field Field) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.states == nil {
		return fmt.Errorf("%s: %w", q.name, ErrNotConfigured)
	}
	if index < 0 || index >= len(q.states) {
		return fmt.Errorf("%s: %w: %d", q.name, ErrBadIndex, index)
	}
	if q.states[index] == StateQueued {
		return fmt.Errorf("%s: %w: %d", q.name, ErrAlreadyQueued, index)
	}

	if err := q.dev.QueueBuffer(q.typ, uint32(index), b.FDs(), field); err != nil {
		return fmt.Errorf("%s: queue buffer %d: %w", q.name, index, err)
	}
	q.states[index] = StateQueued
	return nil
}

// Dequeue blocks until the driver returns a completed buffer.
func (q *Queue) Dequeue() (int, Field, error) {
	idx, field, err := q.dev.DequeueBuffer(q.typ)
	if err != nil {
		return -1, FieldAny, fmt.Errorf("%s: dequeue: %w", q.name, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	i := int(idx)
	if i >= len(q.states) {
		return -1, FieldAny, fmt.Errorf("%s: %w: %d", q.name, ErrBadIndex, i)
	}
	if q.states[i] != StateQueued {
		return -1, FieldAny, fmt.Errorf("%s: %w: %d is %s", q.name, ErrUnexpectedDQ, i, q.states[i])
	}
	q.states[i] = StateReady
	return i, field, nil
}

// StreamOn starts the direction.
func (q *Queue) StreamOn() error {
	if err := q.dev.StreamOn(q.typ); err != nil {
		return fmt.Errorf("%s: stream on: %w", q.name, err)
	}
	q.mu.Lock()
	q.streaming = true
	q.mu.Unlock()
	q.log.Info("streaming started")
	return nil
}

// StreamOff stops the direction. The driver gives back every queued buffer,
// so all indices return to Free. A queue that never streamed is a no-op.
func (q *Queue) StreamOff() error {
	q.mu.Lock()
	streaming := q.streaming
	q.mu.Unlock()
	if !streaming {
		return nil
	}

	if err := q.dev.StreamOff(q.typ); err != nil {
		return fmt.Errorf("%s: stream off: %w", q.name, err)
	}

	q.mu.Lock()
	q.streaming = false
	for i := range q.states {
		q.states[i] = StateFree
	}
	q.mu.Unlock()
	q.log.Info("streaming stopped")
	return nil
}

// Streaming reports whether StreamOn succeeded and StreamOff has not run.
func (q *Queue) Streaming() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.streaming
}

// State returns the state of index.
func (q *Queue) State(index int) State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.states[index]
}

// Counts returns how many indices are in each state.
func (q *Queue) Counts() map[State]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[State]int)
	for _, s := range q.states {
		out[s]++
	}
	return out
}
