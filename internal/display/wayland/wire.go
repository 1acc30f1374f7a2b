package wayland

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// headerSize is the object id word plus the size/opcode word.
const headerSize = 8

var ErrShortMessage = errors.New("wayland: truncated message")

var order = binary.NativeEndian

// message is one request or event in wire form. Descriptors travel out of
// band and are sent with the message bytes.
type message struct {
	sender uint32
	opcode uint16
	buf    []byte
	fds    []int
}

func newMessage(sender uint32, opcode uint16) *message {
	return &message{
		sender: sender,
		opcode: opcode,
		buf:    make([]byte, headerSize, 64),
	}
}

func (m *message) putUint(v uint32) *message {
	m.buf = order.AppendUint32(m.buf, v)
	return m
}

func (m *message) putInt(v int32) *message {
	return m.putUint(uint32(v))
}

// putFixed encodes v as 24.8 fixed point.
func (m *message) putFixed(v float64) *message {
	return m.putInt(int32(math.Round(v * 256)))
}

func (m *message) putString(s string) *message {
	m.putUint(uint32(len(s) + 1))
	m.buf = append(m.buf, s...)
	m.buf = append(m.buf, 0)
	m.pad()
	return m
}

func (m *message) putArray(b []byte) *message {
	m.putUint(uint32(len(b)))
	m.buf = append(m.buf, b...)
	m.pad()
	return m
}

func (m *message) putFD(fd int) *message {
	m.fds = append(m.fds, fd)
	return m
}

func (m *message) pad() {
	for len(m.buf)%4 != 0 {
		m.buf = append(m.buf, 0)
	}
}

// bytes finalizes the header and returns the encoded message.
func (m *message) bytes() []byte {
	order.PutUint32(m.buf[0:], m.sender)
	order.PutUint32(m.buf[4:], uint32(len(m.buf))<<16|uint32(m.opcode))
	return m.buf
}

// splitMessage cuts the first complete message off b. ok is false when b
// does not hold a whole message yet.
func splitMessage(b []byte) (m *message, rest []byte, ok bool, err error) {
	if len(b) < headerSize {
		return nil, b, false, nil
	}
	word := order.Uint32(b[4:])
	size := int(word >> 16)
	if size < headerSize || size%4 != 0 {
		return nil, nil, false, fmt.Errorf("wayland: bad message size %d", size)
	}
	if len(b) < size {
		return nil, b, false, nil
	}
	m = &message{
		sender: order.Uint32(b[0:]),
		opcode: uint16(word),
		buf:    b[:size:size],
	}
	return m, b[size:], true, nil
}

// decoder reads arguments from a message body. The first failure sticks.
type decoder struct {
	data []byte
	err  error
}

func (m *message) decoder() *decoder {
	return &decoder{data: m.buf[headerSize:]}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.data) < n {
		d.err = ErrShortMessage
		return nil
	}
	b := d.data[:n]
	d.data = d.data[n:]
	return b
}

func (d *decoder) uint() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return order.Uint32(b)
}

func (d *decoder) int() int32 {
	return int32(d.uint())
}

func (d *decoder) fixed() float64 {
	return float64(d.int()) / 256
}

func (d *decoder) string() string {
	b := d.array()
	if len(b) == 0 {
		return ""
	}
	return string(b[:len(b)-1])
}

func (d *decoder) array() []byte {
	size := d.uint()
	if d.err != nil {
		return nil
	}
	// Checked before any int conversion, which may wrap on 32-bit targets.
	if uint64(size) > uint64(len(d.data)) {
		d.err = ErrShortMessage
		return nil
	}
	n := int(size)
	b := d.take((n + 3) &^ 3)
	if b == nil {
		return nil
	}
	return b[:n]
}
