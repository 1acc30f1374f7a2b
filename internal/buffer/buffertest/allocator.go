// Package buffertest provides an in-memory Allocator for tests.
package buffertest

import (
	"errors"
	"sync"

	"github.com/e7canasta/orion-capture-display/internal/buffer"
)

// ErrExhausted is returned once FailAfter allocations have succeeded.
var ErrExhausted = errors.New("fake allocator exhausted")

// Allocator hands out fake handles and descriptors and tracks which are live.
type Allocator struct {
	// FailAfter makes Allocate fail once this many allocations succeeded.
	// Zero disables the limit.
	FailAfter int

	// PitchAlign rounds pitches up to this many bytes when non-zero.
	PitchAlign uint32

	mu       sync.Mutex
	next     uint32
	total    int
	live     map[int]buffer.Allocation
	requests []buffer.Request
}

// New returns an empty fake allocator.
func New() *Allocator {
	return &Allocator{live: make(map[int]buffer.Allocation)}
}

func (a *Allocator) Allocate(r buffer.Request) (buffer.Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.live == nil {
		a.live = make(map[int]buffer.Allocation)
	}
	if a.FailAfter > 0 && a.total >= a.FailAfter {
		return buffer.Allocation{}, ErrExhausted
	}
	a.total++
	a.next++
	a.requests = append(a.requests, r)

	pitch := r.Width * r.BitsPerPixel / 8
	if a.PitchAlign > 0 {
		pitch = (pitch + a.PitchAlign - 1) / a.PitchAlign * a.PitchAlign
	}
	alloc := buffer.Allocation{
		Handle: a.next,
		FD:     int(100 + a.next),
		Pitch:  pitch,
		Size:   uint64(pitch) * uint64(r.Height),
	}
	a.live[alloc.FD] = alloc
	return alloc, nil
}

func (a *Allocator) Free(alloc buffer.Allocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[alloc.FD]; !ok {
		return errors.New("double free")
	}
	delete(a.live, alloc.FD)
	return nil
}

// Live returns the number of allocations not yet freed.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Requests returns every request seen so far.
func (a *Allocator) Requests() []buffer.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]buffer.Request, len(a.requests))
	copy(out, a.requests)
	return out
}
