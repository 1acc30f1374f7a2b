package drm

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	eventHeaderSize = 8
	vblankEventSize = 32
)

// ParseEvents decodes the records read from a card fd. Unknown event types
// are skipped.
func ParseEvents(b []byte) ([]Event, error) {
	var out []Event
	for len(b) > 0 {
		if len(b) < eventHeaderSize {
			return out, ErrShortEvent
		}
		typ := binary.NativeEndian.Uint32(b[0:])
		length := int(binary.NativeEndian.Uint32(b[4:]))
		if length < eventHeaderSize || length > len(b) {
			return out, fmt.Errorf("%w: length %d of %d", ErrShortEvent, length, len(b))
		}

		if (typ == eventVBlank || typ == eventFlipComplete) && length >= vblankEventSize {
			sec := binary.NativeEndian.Uint32(b[16:])
			usec := binary.NativeEndian.Uint32(b[20:])
			out = append(out, Event{
				Type:     typ,
				UserData: binary.NativeEndian.Uint64(b[8:]),
				Time:     time.Unix(int64(sec), int64(usec)*int64(time.Microsecond)),
				Sequence: binary.NativeEndian.Uint32(b[24:]),
				CRTC:     binary.NativeEndian.Uint32(b[28:]),
			})
		}
		b = b[length:]
	}
	return out, nil
}

// AppendFlipEvent encodes a flip-complete record, as the kernel would.
func AppendFlipEvent(b []byte, userData uint64, crtc, sequence uint32) []byte {
	rec := make([]byte, vblankEventSize)
	binary.NativeEndian.PutUint32(rec[0:], eventFlipComplete)
	binary.NativeEndian.PutUint32(rec[4:], vblankEventSize)
	binary.NativeEndian.PutUint64(rec[8:], userData)
	binary.NativeEndian.PutUint32(rec[24:], sequence)
	binary.NativeEndian.PutUint32(rec[28:], crtc)
	return append(b, rec...)
}

// WaitFlips blocks until pending flip-complete events arrived or timeout
// elapsed. Wakeups without a flip event are retried within the same budget.
func WaitFlips(k KMS, pending int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for pending > 0 {
		left := time.Until(deadline)
		if left <= 0 {
			return fmt.Errorf("%w: %d outstanding after %s", ErrFlipTimeout, pending, timeout)
		}
		events, err := k.WaitEvents(left)
		if err != nil {
			return err
		}
		for _, e := range events {
			if e.FlipComplete() {
				pending--
			}
		}
	}
	return nil
}
