package wayland

import (
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxFDs bounds the descriptors accepted with one read.
const maxFDs = 28

// conn frames messages over the compositor socket. Sends may come from any
// goroutine; receives happen on one.
type conn struct {
	uc *net.UnixConn

	wmu sync.Mutex

	rbuf []byte
	fds  []int
}

func newConn(uc *net.UnixConn) *conn {
	return &conn{uc: uc}
}

// SocketPath resolves the compositor socket from WAYLAND_DISPLAY and
// XDG_RUNTIME_DIR, the way clients conventionally do.
func SocketPath() (string, error) {
	name := os.Getenv("WAYLAND_DISPLAY")
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(dir, name), nil
}

// Dial connects to the compositor socket at path.
func Dial(path string) (*net.UnixConn, error) {
	uc, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "connect %s", path)
	}
	return uc, nil
}

func (c *conn) send(m *message) error {
	b := m.bytes()
	var oob []byte
	if len(m.fds) > 0 {
		oob = unix.UnixRights(m.fds...)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	n, _, err := c.uc.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return errors.Wrapf(err, "send %d:%d", m.sender, m.opcode)
	}
	if n != len(b) {
		return errors.Errorf("send %d:%d: short write %d/%d", m.sender, m.opcode, n, len(b))
	}
	return nil
}

// recv returns the next complete message, reading as needed. Descriptors
// received along the way are queued for takeFD.
func (c *conn) recv() (*message, error) {
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(maxFDs*4))
	for {
		m, rest, ok, err := splitMessage(c.rbuf)
		if err != nil {
			return nil, err
		}
		if ok {
			c.rbuf = rest
			return m, nil
		}

		n, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
		if err != nil {
			return nil, err
		}
		if oobn > 0 {
			if err := c.queueRights(oob[:oobn]); err != nil {
				return nil, err
			}
		}
		if n == 0 {
			return nil, errors.New("connection closed by peer")
		}
		c.rbuf = append(c.rbuf, buf[:n]...)
	}
}

func (c *conn) queueRights(oob []byte) error {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return errors.Wrap(err, "parse control message")
	}
	for i := range msgs {
		fds, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}
		c.fds = append(c.fds, fds...)
	}
	return nil
}

// takeFD pops the oldest received descriptor.
func (c *conn) takeFD() (int, error) {
	if len(c.fds) == 0 {
		return -1, errors.New("no descriptor received")
	}
	fd := c.fds[0]
	c.fds = c.fds[1:]
	return fd, nil
}

// dropFDs closes descriptors nobody claimed.
func (c *conn) dropFDs() {
	for _, fd := range c.fds {
		_ = unix.Close(fd)
	}
	c.fds = nil
}

func (c *conn) close() error {
	return c.uc.Close()
}
