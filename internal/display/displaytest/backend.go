// Package displaytest provides a recording display.Backend.
package displaytest

import (
	"errors"
	"sync"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
	"github.com/e7canasta/orion-capture-display/internal/buffer/buffertest"
	"github.com/e7canasta/orion-capture-display/internal/display"
	"github.com/e7canasta/orion-capture-display/internal/fourcc"
)

// Post is one recorded PostVideoBuffer call.
type Post struct {
	Index  int
	Region display.Rect
}

// Backend records posts and allocates from a fake allocator.
type Backend struct {
	Width, Height uint32
	// PostErr, when set, is returned by PostVideoBuffer for the posts whose
	// zero-based sequence number is in FailPosts.
	PostErr   error
	FailPosts map[int]bool

	Alloc *buffertest.Allocator
	// Multiplanar gives planar video buffers one allocation per plane.
	Multiplanar bool

	mu     sync.Mutex
	pools  []*buffer.Pool
	posts  []Post
	closed bool
}

var _ display.Backend = (*Backend)(nil)

// New returns a backend with a display of w×h.
func New(w, h uint32) *Backend {
	return &Backend{Width: w, Height: h, Alloc: buffertest.New()}
}

func (b *Backend) Name() string { return "test" }

func (b *Backend) Size() (uint32, uint32) { return b.Width, b.Height }

func (b *Backend) AcquireBuffers(n int) ([]*buffer.Buffer, error) {
	return b.AcquireVideoBuffers(n, fourcc.AR24, b.Width, b.Height)
}

func (b *Backend) AcquireVideoBuffers(n int, format fourcc.Code, w, h uint32) ([]*buffer.Buffer, error) {
	pool := buffer.NewPool(b.Alloc, buffer.WithMultiplanar(b.Multiplanar))
	bufs, err := pool.Allocate(n, format, w, h)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.pools = append(b.pools, pool)
	b.mu.Unlock()
	return bufs, nil
}

func (b *Backend) PostBuffer(*buffer.Buffer) error { return display.ErrNotSupported }

func (b *Backend) PostVideoBuffer(buf *buffer.Buffer, region display.Rect) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("post after close")
	}
	seq := len(b.posts)
	b.posts = append(b.posts, Post{Index: buf.Index, Region: region})
	if b.FailPosts[seq] {
		return b.PostErr
	}
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	var errs []error
	for _, p := range b.pools {
		errs = append(errs, p.ReleaseAll())
	}
	b.pools = nil
	return errors.Join(errs...)
}

// Posts returns the recorded posts.
func (b *Backend) Posts() []Post {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Post(nil), b.posts...)
}

// Closed reports whether Close ran.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
