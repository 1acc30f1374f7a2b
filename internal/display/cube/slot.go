package cube

import (
	"sync"
	"time"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
)

// faceSlot is the mailbox between a producer and the render goroutine for
// one cube face.
//
//   - Single slot holding the newest buffer
//   - Publish overwrites; the renderer keeps drawing the last buffer until a
//     newer one arrives
//   - A publish that replaces a buffer the renderer never drew counts as a drop
type faceSlot struct {
	mu      sync.Mutex
	buf     *buffer.Buffer
	drawn   bool
	closed  bool
	updated time.Time

	published        uint64
	consecutiveDrops uint64
	totalDrops       uint64
}

// publish stores buf as the face's newest buffer. It never blocks on the
// renderer.
func (s *faceSlot) publish(buf *buffer.Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if s.buf != nil && !s.drawn {
		s.consecutiveDrops++
		s.totalDrops++
	}
	s.buf = buf
	s.drawn = false
	s.updated = time.Now()
	s.published++
}

// latest returns the buffer to draw, nil before the first publish, and marks
// it drawn.
func (s *faceSlot) latest() *buffer.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.buf == nil {
		return nil
	}
	if !s.drawn {
		s.drawn = true
		s.consecutiveDrops = 0
	}
	return s.buf
}

// close drops the buffer; later publishes are ignored.
func (s *faceSlot) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf = nil
}

// FaceStats describes one face mailbox.
type FaceStats struct {
	Published        uint64
	ConsecutiveDrops uint64
	TotalDrops       uint64
	LastUpdate       time.Time
}

func (s *faceSlot) stats() FaceStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FaceStats{
		Published:        s.published,
		ConsecutiveDrops: s.consecutiveDrops,
		TotalDrops:       s.totalDrops,
		LastUpdate:       s.updated,
	}
}
