package buffer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

// ErrUnknownBuffer is returned when releasing a buffer the pool does not own.
var ErrUnknownBuffer = errors.New("buffer not owned by pool")

// Pool allocates and owns a fixed set of buffers.
//
// Thread-safety: all methods are safe for concurrent use. The buffers
// themselves are immutable once Allocate returns.
type Pool struct {
	alloc       Allocator
	multiplanar bool
	log         *logrus.Entry

	mu      sync.Mutex
	buffers []*Buffer
	// next is the index the next allocated buffer gets. It only grows while
	// any buffer is live, so a released index is never handed out twice.
	next int
}

// Option configures a Pool.
type Option func(*Pool)

// WithMultiplanar selects separate allocations per plane for planar formats.
func WithMultiplanar(on bool) Option {
	return func(p *Pool) { p.multiplanar = on }
}

// WithLogger sets the pool logger.
func WithLogger(log *logrus.Entry) Option {
	return func(p *Pool) { p.log = log }
}

// NewPool creates an empty pool backed by alloc.
func NewPool(alloc Allocator, opts ...Option) *Pool {
	p := &Pool{
		alloc:       alloc,
		multiplanar: true,
		log:         logrus.WithField("component", "buffer-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Multiplanar reports the pool's planar layout policy.
func (p *Pool) Multiplanar() bool { return p.multiplanar }

// Allocate creates count buffers. Indices continue after every index this
// pool has handed out, released ones included. On any failure every allocation made by this call is freed
// and no buffer is added.
func (p *Pool) Allocate(count int, format fourcc.Code, width, height uint32) ([]*Buffer, error) {
	if count <= 0 {
		return nil, fmt.Errorf("allocate: invalid buffer count %d", count)
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("allocate: invalid size %dx%d", width, height)
	}
	format = fourcc.Normalize(format)

	reqs, refs, separate, err := layout(format, width, height, p.multiplanar)
	if err != nil {
		return nil, fmt.Errorf("allocate: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	base := p.next
	created := make([]*Buffer, 0, count)
	for i := 0; i < count; i++ {
		b, err := p.allocateOne(base+i, format, width, height, reqs, refs)
		if err != nil {
			for _, done := range created {
				p.free(done)
			}
			return nil, fmt.Errorf("allocate buffer %d of %d (%s %dx%d): %w",
				i+1, count, format, width, height, err)
		}
		b.Multiplanar = separate
		created = append(created, b)
	}

	p.buffers = append(p.buffers, created...)
	p.next = base + count

	p.log.WithFields(logrus.Fields{
		"count":  count,
		"format": format.String(),
		"width":  width,
		"height": height,
		"pitch":  created[0].Planes[0].Pitch,
		"planes": len(created[0].Planes),
	}).Debug("buffers allocated")

	return created, nil
}

func (p *Pool) allocateOne(index int, format fourcc.Code, w, h uint32, reqs []Request, refs []planeRef) (*Buffer, error) {
	b := &Buffer{
		Index:  index,
		Format: format,
		Width:  w,
		Height: h,
	}
	for _, r := range reqs {
		a, err := p.alloc.Allocate(r)
		if err != nil {
			p.free(b)
			return nil, err
		}
		b.Allocations = append(b.Allocations, a)
	}
	for _, ref := range refs {
		a := b.Allocations[ref.alloc]
		b.Planes = append(b.Planes, Plane{
			Allocation: ref.alloc,
			Handle:     a.Handle,
			FD:         a.FD,
			Pitch:      ref.pitch(b.Allocations),
			Offset:     ref.offset(b.Allocations),
		})
	}
	return b, nil
}

// free returns a buffer's allocations to the allocator. Callers hold mu.
func (p *Pool) free(b *Buffer) error {
	var errs []error
	for _, a := range b.Allocations {
		if err := p.alloc.Free(a); err != nil {
			errs = append(errs, err)
		}
	}
	b.Allocations = nil
	b.Planes = nil
	return errors.Join(errs...)
}

// Release frees one buffer and removes it from the pool.
func (p *Pool) Release(b *Buffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, owned := range p.buffers {
		if owned != b {
			continue
		}
		p.buffers = append(p.buffers[:i], p.buffers[i+1:]...)
		if err := p.free(b); err != nil {
			return fmt.Errorf("release buffer %d: %w", b.Index, err)
		}
		return nil
	}
	return ErrUnknownBuffer
}

// ReleaseAll frees every buffer. It keeps going past individual failures and
// reports all of them.
func (p *Pool) ReleaseAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for _, b := range p.buffers {
		if err := p.free(b); err != nil {
			errs = append(errs, fmt.Errorf("buffer %d: %w", b.Index, err))
		}
	}
	n := len(p.buffers)
	p.buffers = nil
	p.next = 0

	if n > 0 {
		p.log.WithField("count", n).Debug("buffers released")
	}
	return errors.Join(errs...)
}

// Buffers returns the buffers currently owned by the pool.
func (p *Pool) Buffers() []*Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Buffer, len(p.buffers))
	copy(out, p.buffers)
	return out
}

// Len returns the number of buffers in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffers)
}
