package buffer

import (
	"errors"
	"fmt"
	"sync"
)

// Holder is the party currently leasing a buffer.
type Holder int

const (
	HolderPool Holder = iota
	HolderCapture
	HolderTransformIn
	HolderTransformOut
	HolderDisplay
)

func (h Holder) String() string {
	switch h {
	case HolderPool:
		return "pool"
	case HolderCapture:
		return "capture"
	case HolderTransformIn:
		return "transform-in"
	case HolderTransformOut:
		return "transform-out"
	case HolderDisplay:
		return "display"
	default:
		return "unknown"
	}
}

// ErrConflict is returned when a transfer names the wrong current holder.
var ErrConflict = errors.New("buffer ownership conflict")

// Ledger records which party holds each buffer index. Every index has exactly
// one holder; ownership moves only through Transfer.
type Ledger struct {
	mu      sync.Mutex
	holders []Holder
	moves   uint64
}

// NewLedger creates a ledger of n indices, all held by the pool.
func NewLedger(n int) *Ledger {
	return &Ledger{holders: make([]Holder, n)}
}

// Transfer moves index from one holder to another.
func (l *Ledger) Transfer(index int, from, to Holder) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if index < 0 || index >= len(l.holders) {
		return fmt.Errorf("%w: index %d out of range [0,%d)", ErrConflict, index, len(l.holders))
	}
	if cur := l.holders[index]; cur != from {
		return fmt.Errorf("%w: buffer %d held by %s, not %s (moving to %s)",
			ErrConflict, index, cur, from, to)
	}
	l.holders[index] = to
	l.moves++
	return nil
}

// Holder returns the current holder of index.
func (l *Ledger) Holder(index int) Holder {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[index]
}

// Counts returns how many indices each holder has.
func (l *Ledger) Counts() map[Holder]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[Holder]int)
	for _, h := range l.holders {
		out[h]++
	}
	return out
}

// Len returns the number of tracked indices.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

// Moves returns the number of successful transfers.
func (l *Ledger) Moves() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.moves
}
